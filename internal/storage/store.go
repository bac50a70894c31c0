// Package storage persists every ingested message and its effect to an
// embedded SQLite database in WAL mode. Writes go through a single batching
// sink; readers can open the same file independently.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"mboflow/internal/metrics"
	"mboflow/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	seq           INTEGER PRIMARY KEY,
	ts_event      INTEGER NOT NULL,
	ts_recv       INTEGER NOT NULL,
	publisher_id  INTEGER NOT NULL,
	instrument_id INTEGER NOT NULL,
	order_id      INTEGER NOT NULL,
	action        TEXT    NOT NULL,
	side          TEXT    NOT NULL,
	price         INTEGER NOT NULL,
	size          INTEGER NOT NULL,
	flags         INTEGER NOT NULL,
	channel_id    INTEGER NOT NULL,
	sequence      INTEGER NOT NULL,
	ts_in_delta   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS effects (
	seq               INTEGER PRIMARY KEY REFERENCES messages(seq),
	publisher_created INTEGER,
	cleared           INTEGER,
	effect_kind       TEXT,
	effect_json       TEXT,
	error_kind        TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_instrument ON messages(instrument_id, ts_event);
CREATE INDEX IF NOT EXISTS idx_messages_publisher  ON messages(publisher_id, ts_event);
`

// Store is the embedded message database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path with WAL journaling. A single
// connection serialises writes; SQLite handles reader concurrency through
// the WAL.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "connect database %s", path)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create schema")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// MaxSeq returns the highest stored sequence number, zero when the database
// is empty.
func (s *Store) MaxSeq(ctx context.Context) (uint64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM messages`).Scan(&max)
	if err != nil {
		return 0, errors.Wrap(err, "query max seq")
	}
	return uint64(max), nil
}

// MessageCount returns the number of stored messages.
func (s *Store) MessageCount(ctx context.Context) (uint64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count messages")
	}
	return uint64(n), nil
}

// CommitBatch writes a batch of events inside one transaction. The whole
// batch lands or none of it does.
func (s *Store) CommitBatch(ctx context.Context, batch []*models.MBOMsgEffect) (err error) {
	if len(batch) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin batch")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	msgStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages
			(seq, ts_event, ts_recv, publisher_id, instrument_id, order_id,
			 action, side, price, size, flags, channel_id, sequence, ts_in_delta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare message insert")
	}
	defer msgStmt.Close()

	effStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO effects
			(seq, publisher_created, cleared, effect_kind, effect_json, error_kind)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare effect insert")
	}
	defer effStmt.Close()

	for _, ev := range batch {
		m := &ev.Msg
		if _, err = msgStmt.ExecContext(ctx,
			int64(ev.Seq), int64(m.Header.TsEvent), int64(m.TsRecv),
			m.Header.PublisherID, m.Header.InstrumentID, int64(m.OrderID),
			m.Action.String(), m.Side.String(), m.Price, int64(m.Size),
			m.Flags, m.ChannelID, m.Sequence, m.TsInDelta,
		); err != nil {
			return errors.Wrapf(err, "insert message seq %d", ev.Seq)
		}

		var created, cleared interface{}
		if ev.Effect.PublisherCreated != nil {
			created = int64(*ev.Effect.PublisherCreated)
		}
		if ev.Effect.Cleared != nil {
			cleared = int64(*ev.Effect.Cleared)
		}
		var kind, payload interface{}
		if ev.Effect.Book != nil {
			kind = string(ev.Effect.Book.Kind)
			var raw []byte
			raw, err = json.Marshal(ev.Effect.Book)
			if err != nil {
				return errors.Wrapf(err, "encode effect seq %d", ev.Seq)
			}
			payload = string(raw)
		}
		var errKind interface{}
		if ev.Effect.ErrorKind != "" {
			errKind = ev.Effect.ErrorKind
		}
		if _, err = effStmt.ExecContext(ctx, int64(ev.Seq), created, cleared, kind, payload, errKind); err != nil {
			return errors.Wrapf(err, "insert effect seq %d", ev.Seq)
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit batch")
	}
	metrics.ObserveCommit(time.Since(start), len(batch))
	return nil
}

// StoredMessage is one persisted message row, used by tests and tooling.
type StoredMessage struct {
	Seq          uint64
	InstrumentID uint32
	PublisherID  uint16
	OrderID      uint64
	Action       string
	Side         string
	Price        int64
	Size         uint64
	ErrorKind    string
}

// Messages reads back stored rows joined with their effects, ordered by seq.
func (s *Store) Messages(ctx context.Context) ([]StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.seq, m.instrument_id, m.publisher_id, m.order_id,
		       m.action, m.side, m.price, m.size, COALESCE(e.error_kind, '')
		FROM messages m LEFT JOIN effects e ON e.seq = m.seq
		ORDER BY m.seq`)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var r StoredMessage
		var seq, orderID, size int64
		if err := rows.Scan(&seq, &r.InstrumentID, &r.PublisherID, &orderID,
			&r.Action, &r.Side, &r.Price, &size, &r.ErrorKind); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		r.Seq = uint64(seq)
		r.OrderID = uint64(orderID)
		r.Size = uint64(size)
		out = append(out, r)
	}
	return out, rows.Err()
}
