// Package feed supplies decoded market-by-order messages to the ingest
// driver and runs the drive loop that routes them through the market.
package feed

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"mboflow/logger"
	"mboflow/models"
)

// Source yields decoded messages in feed order. Next returns io.EOF when the
// recording is exhausted; Reset rewinds to the beginning.
type Source interface {
	Next() (*models.MboMsg, error)
	Reset() error
	Symbols() map[uint32]string
	Close() error
}

// DecodeError marks a malformed record. The driver treats it as fatal unless
// configured to skip.
type DecodeError struct {
	Line int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode line %d: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// maxRecordBytes bounds a single NDJSON record.
const maxRecordBytes = 1 << 20

type feedMetadata struct {
	Metadata *struct {
		Symbols map[string]string `json:"symbols"`
	} `json:"metadata"`
}

// FileSource reads newline-delimited JSON records of decoded messages from a
// recording on disk. An optional leading metadata line carries the
// instrument id to symbol mapping.
type FileSource struct {
	path        string
	file        *os.File
	scanner     *bufio.Scanner
	line        int
	pendingRaw  []byte
	pendingLine int
	symbols     map[uint32]string
}

// OpenFile opens the recording at path and consumes its metadata line when
// present.
func OpenFile(path string) (*FileSource, error) {
	s := &FileSource{path: path}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSource) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return errors.Wrap(err, "open feed file")
	}
	s.file = f
	s.scanner = bufio.NewScanner(f)
	s.scanner.Buffer(make([]byte, 64*1024), maxRecordBytes)
	s.line = 0
	s.pendingRaw = nil
	s.symbols = nil

	// The first line is either feed metadata or the first record.
	raw, ok, err := s.nextLine()
	if err != nil || !ok {
		return err
	}
	var meta feedMetadata
	if json.Unmarshal(raw, &meta) == nil && meta.Metadata != nil {
		s.symbols = make(map[uint32]string, len(meta.Metadata.Symbols))
		for id, sym := range meta.Metadata.Symbols {
			n, err := strconv.ParseUint(id, 10, 32)
			if err != nil {
				continue
			}
			s.symbols[uint32(n)] = sym
		}
		return nil
	}

	// Not metadata: hold the raw line so Next decodes it first and the
	// skip policy applies uniformly to a malformed opening record.
	s.pendingRaw = append([]byte(nil), raw...)
	s.pendingLine = s.line
	return nil
}

func (s *FileSource) nextLine() ([]byte, bool, error) {
	for s.scanner.Scan() {
		s.line++
		raw := s.scanner.Bytes()
		blank := true
		for _, c := range raw {
			if c != ' ' && c != '\t' && c != '\r' {
				blank = false
				break
			}
		}
		if blank {
			continue
		}
		return raw, true, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, false, errors.Wrap(err, "read feed file")
	}
	return nil, false, nil
}

// Next returns the next decoded message or io.EOF.
func (s *FileSource) Next() (*models.MboMsg, error) {
	if s.pendingRaw != nil {
		raw := s.pendingRaw
		s.pendingRaw = nil
		var msg models.MboMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, &DecodeError{Line: s.pendingLine, Err: err}
		}
		logger.IncrementFeedRecord(len(raw))
		return &msg, nil
	}
	raw, ok, err := s.nextLine()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, io.EOF
	}
	var msg models.MboMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &DecodeError{Line: s.line, Err: err}
	}
	logger.IncrementFeedRecord(len(raw))
	return &msg, nil
}

// Reset reopens the recording from the start.
func (s *FileSource) Reset() error {
	if s.file != nil {
		s.file.Close()
	}
	return s.open()
}

// Symbols returns the instrument to symbol mapping from the metadata line,
// nil when the recording has none.
func (s *FileSource) Symbols() map[uint32]string {
	return s.symbols
}

// Close releases the underlying file.
func (s *FileSource) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// SliceSource serves messages from memory. Used by tests and tooling.
type SliceSource struct {
	msgs []*models.MboMsg
	pos  int
}

// NewSliceSource returns a source over the given messages.
func NewSliceSource(msgs ...*models.MboMsg) *SliceSource {
	return &SliceSource{msgs: msgs}
}

func (s *SliceSource) Next() (*models.MboMsg, error) {
	if s.pos >= len(s.msgs) {
		return nil, io.EOF
	}
	msg := s.msgs[s.pos]
	s.pos++
	return msg, nil
}

func (s *SliceSource) Reset() error {
	s.pos = 0
	return nil
}

func (s *SliceSource) Symbols() map[uint32]string { return nil }

func (s *SliceSource) Close() error { return nil }
