// Package archive mirrors applied message effects to parquet files in S3.
// Archival is best effort: the ingest never waits for it and a failed upload
// only costs the affected batch.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"mboflow/config"
	"mboflow/internal/metadata"
	"mboflow/internal/metrics"
	"mboflow/logger"
	"mboflow/models"
)

const uploadTimeout = 30 * time.Second

// Record is one applied message effect flattened for columnar storage.
type Record struct {
	Seq          int64  `parquet:"name=seq, type=INT64"`
	PublisherID  int32  `parquet:"name=publisher_id, type=INT32"`
	Publisher    string `parquet:"name=publisher, type=BYTE_ARRAY, convertedtype=UTF8"`
	InstrumentID int64  `parquet:"name=instrument_id, type=INT64"`
	Symbol       string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	TsEvent      int64  `parquet:"name=ts_event, type=INT64"`
	TsRecv       int64  `parquet:"name=ts_recv, type=INT64"`
	OrderID      int64  `parquet:"name=order_id, type=INT64"`
	Action       string `parquet:"name=action, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side         string `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price        int64  `parquet:"name=price, type=INT64"`
	Size         int64  `parquet:"name=size, type=INT64"`
	EffectKind   string `parquet:"name=effect_kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	ErrorKind    string `parquet:"name=error_kind, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFileWriter implements the ParquetFile interface over a byte buffer so
// files are assembled in memory before upload.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)   { return mfw, nil }

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	// Write-only buffer; the writer only seeks to query the current size.
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// Writer buffers applied events per instrument and periodically writes them
// out as parquet objects. It satisfies the ingest driver's Archiver contract.
type Writer struct {
	cfg     config.ArchiveConfig
	symbols func(uint32) string
	upload  func(ctx context.Context, key string, data []byte) error
	metaGen *metadata.Generator
	log     *logger.Entry

	in       chan *models.MBOMsgEffect
	mu       sync.Mutex
	buffer   map[uint32][]Record
	buffered int
	dropped  atomic.Uint64
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newWriter(cfg config.ArchiveConfig, symbols func(uint32) string) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if symbols == nil {
		symbols = func(uint32) string { return "" }
	}
	w := &Writer{
		cfg:     cfg,
		symbols: symbols,
		in:      make(chan *models.MBOMsgEffect, 4096),
		buffer:  make(map[uint32][]Record),
		log:     logger.GetLogger().WithComponent("archive"),
	}
	if cfg.ManifestDir != "" {
		w.metaGen = metadata.NewGenerator(cfg.ManifestDir, "mbo_events")
	}
	return w
}

// New builds an archive writer backed by S3. symbols resolves instrument ids
// to display symbols for partitioning; nil is allowed.
func New(cfg config.ArchiveConfig, symbols func(uint32) string) (*Writer, error) {
	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "load AWS configuration")
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, errors.New("aws credentials not found")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	w := newWriter(cfg, symbols)
	w.upload = func(ctx context.Context, key string, data []byte) error {
		_, err := client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(cfg.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/octet-stream"),
			Metadata:    map[string]string{"content-type": "parquet"},
		})
		return errors.Wrapf(err, "upload to bucket %s", cfg.Bucket)
	}
	w.log.WithFields(logger.Fields{
		"bucket": cfg.Bucket,
		"prefix": cfg.Prefix,
		"region": cfg.Region,
	}).Info("archive writer initialized")
	return w, nil
}

// Add hands one applied event to the writer without ever blocking the
// ingest. Events arriving faster than the collector drains are dropped.
func (w *Writer) Add(ev *models.MBOMsgEffect) {
	select {
	case w.in <- ev:
	default:
		w.dropped.Add(1)
	}
}

// Start launches the collector and flush loop.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
	w.log.WithFields(logger.Fields{
		"batch_size":  w.cfg.BatchSize,
		"interval_ms": w.cfg.FlushInterval.Milliseconds(),
	}).Info("archive writer started")
}

// Stop closes the intake, flushes buffered records and waits for the loop.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		close(w.in)
	})
	w.wg.Wait()
	if n := w.dropped.Load(); n > 0 {
		w.log.WithFields(logger.Fields{"dropped": n}).Warn("archive intake overflowed during the run")
	}
	w.log.Info("archive writer stopped")
}

func (w *Writer) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-w.in:
			if !ok {
				w.flush("shutdown")
				return
			}
			w.append(ev)
		case <-ticker.C:
			w.flush("interval")
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-w.in:
					if !ok {
						w.flush("shutdown")
						return
					}
					w.append(ev)
				default:
					w.flush("shutdown")
					return
				}
			}
		}
	}
}

func (w *Writer) append(ev *models.MBOMsgEffect) {
	instrument := ev.Msg.Header.InstrumentID
	rec := w.toRecord(ev)

	w.mu.Lock()
	w.buffer[instrument] = append(w.buffer[instrument], rec)
	w.buffered++
	full := w.buffered >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		w.flush("size")
	}
}

func (w *Writer) toRecord(ev *models.MBOMsgEffect) Record {
	rec := Record{
		Seq:          int64(ev.Seq),
		PublisherID:  int32(ev.Msg.Header.PublisherID),
		Publisher:    models.PublisherName(ev.Msg.Header.PublisherID),
		InstrumentID: int64(ev.Msg.Header.InstrumentID),
		Symbol:       w.symbols(ev.Msg.Header.InstrumentID),
		TsEvent:      int64(ev.Msg.Header.TsEvent),
		TsRecv:       int64(ev.Msg.TsRecv),
		OrderID:      int64(ev.Msg.OrderID),
		Action:       ev.Msg.Action.String(),
		Side:         ev.Msg.Side.String(),
		Price:        ev.Msg.Price,
		Size:         int64(ev.Msg.Size),
		ErrorKind:    ev.Effect.ErrorKind,
	}
	if ev.Effect.Book != nil {
		rec.EffectKind = string(ev.Effect.Book.Kind)
	}
	return rec
}

func (w *Writer) flush(reason string) {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[uint32][]Record)
	w.buffered = 0
	w.mu.Unlock()

	if len(buffers) == 0 {
		return
	}
	w.log.WithFields(logger.Fields{"instruments": len(buffers), "reason": reason}).Debug("flushing archive buffers")

	now := time.Now().UTC()
	for instrument, records := range buffers {
		if len(records) == 0 {
			continue
		}
		w.writeBatch(instrument, records, now)
	}
}

func (w *Writer) writeBatch(instrument uint32, records []Record, now time.Time) {
	batchID := uuid.New().String()
	key := w.objectKey(instrument, now, batchID)
	log := w.log.WithFields(logger.Fields{
		"batch_id":     batchID,
		"instrument":   instrument,
		"record_count": len(records),
		"key":          key,
	})

	data, err := buildParquet(records)
	if err != nil {
		metrics.IncrementArchiveUpload("error")
		log.WithError(err).Error("failed to build parquet file")
		return
	}

	// Shutdown flushes still get their upload window.
	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()
	if err := w.upload(ctx, key, data); err != nil {
		metrics.IncrementArchiveUpload("error")
		log.WithError(err).Error("failed to upload archive batch")
		return
	}

	metrics.IncrementArchiveUpload("ok")
	logger.IncrementArchiveWrite(int64(len(data)))
	log.WithFields(logger.Fields{"file_size": len(data)}).Info("archive batch uploaded")

	if w.metaGen != nil {
		df := metadata.DataFile{
			Path:        fmt.Sprintf("s3://%s/%s", w.cfg.Bucket, key),
			FileSize:    int64(len(data)),
			RecordCount: int64(len(records)),
			Partition: map[string]any{
				"instrument": instrument,
				"symbol":     w.symbols(instrument),
				"date":       now.Format("2006-01-02"),
			},
			Timestamp: now,
		}
		if err := w.metaGen.AddFile(df); err != nil {
			log.WithError(err).Warn("failed to update archive manifest")
		}
	}
}

func (w *Writer) objectKey(instrument uint32, ts time.Time, batchID string) string {
	label := w.symbols(instrument)
	if label == "" {
		label = fmt.Sprintf("%d", instrument)
	}
	key := filepath.Join(
		w.cfg.Prefix,
		fmt.Sprintf("instrument=%s", label),
		fmt.Sprintf("year=%04d", ts.Year()),
		fmt.Sprintf("month=%02d", ts.Month()),
		fmt.Sprintf("day=%02d", ts.Day()),
		fmt.Sprintf("mbo_%s_%s_%s.parquet", label, ts.Format("20060102150405"), batchID),
	)
	return filepath.ToSlash(key)
}

func buildParquet(records []Record) ([]byte, error) {
	fw := newMemoryFileWriter()
	pw, err := writer.NewParquetWriter(fw, new(Record), 4)
	if err != nil {
		return nil, errors.Wrap(err, "create parquet writer")
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			return nil, errors.Wrap(err, "write parquet record")
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, errors.Wrap(err, "finalize parquet file")
	}
	return fw.Bytes(), nil
}
