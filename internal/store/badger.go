package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	messagePrefix = "msg:"
	// Twenty digits hold any positive int64, and zero padding keeps the
	// lexicographic key order equal to the numeric ID order.
	messageKeyFormat = messagePrefix + "%020d"
	messageSeekLast  = messagePrefix + "99999999999999999999"
	sequenceKey      = "seq:messages"
	sequenceLease    = 64
)

// Badger stores the history in an embedded BadgerDB.  IDs come from a badger
// Sequence, so they keep increasing across restarts; a crash may skip the rest
// of a leased range but never reuses an ID.
type Badger struct {
	mu  sync.Mutex
	db  *badger.DB
	seq *badger.Sequence
	log *slog.Logger
}

type badgerValue struct {
	Nickname string `json:"nickname"`
	Payload  []byte `json:"payload"`
	At       int64  `json:"at"`
}

// OpenBadger opens (or creates) the badger directory at path.  Writes are
// synced so Append is durable when it returns.
func OpenBadger(path string, log *slog.Logger) (*Badger, error) {
	db, err := badger.Open(badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, fmt.Errorf("store: open badger: %w", err)
	}
	seq, err := db.GetSequence([]byte(sequenceKey), sequenceLease)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: badger sequence: %w", err)
	}
	log.Info("History opened", "backend", BackendBadger, "path", path)
	return &Badger{db: db, seq: seq, log: log}, nil
}

// Append allocates the next ID and writes the record in one transaction.
// Appends are serialised so that commit order matches ID order.
func (b *Badger) Append(ctx context.Context, nickname string, payload []byte) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	next, err := b.seq.Next()
	if err != nil {
		return Record{}, fmt.Errorf("store: next message id: %w", err)
	}
	rec := Record{
		// Sequence starts at zero; IDs start at one like the sqlite backend.
		ID:       int64(next) + 1,
		Nickname: nickname,
		Payload:  append([]byte(nil), payload...),
		At:       time.Now().UTC(),
	}
	value, err := json.Marshal(badgerValue{Nickname: rec.Nickname, Payload: rec.Payload, At: rec.At.UnixNano()})
	if err != nil {
		return Record{}, err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(rec.ID), value)
	})
	if err != nil {
		return Record{}, fmt.Errorf("store: write message %d: %w", rec.ID, err)
	}
	return rec, nil
}

// Recent walks the message keys backwards from the newest one.
func (b *Badger) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Record, 0, n)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(messagePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(messageSeekLast)); it.Valid() && len(out) < n; it.Next() {
			item := it.Item()
			id, err := strconv.ParseInt(strings.TrimPrefix(string(item.Key()), messagePrefix), 10, 64)
			if err != nil {
				return fmt.Errorf("store: parse key %q: %w", item.Key(), err)
			}
			err = item.Value(func(raw []byte) error {
				var v badgerValue
				if err := json.Unmarshal(raw, &v); err != nil {
					return err
				}
				out = append(out, Record{
					ID:       id,
					Nickname: v.Nickname,
					Payload:  v.Payload,
					At:       time.Unix(0, v.At).UTC(),
				})
				return nil
			})
			if err != nil {
				return fmt.Errorf("store: read message %d: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// Close returns the unused part of the leased ID range before closing.
func (b *Badger) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.seq.Release(); err != nil {
		b.log.Warn("Failed to release badger sequence", "error", err)
	}
	return b.db.Close()
}

func messageKey(id int64) []byte {
	return []byte(fmt.Sprintf(messageKeyFormat, id))
}
