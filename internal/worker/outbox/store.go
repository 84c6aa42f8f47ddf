package outbox

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// Store is the worker-local durable outbox on Badger. Every status, log, and
// heartbeat event is written here before any publish attempt; records are
// deleted only after broker confirmation.
type Store struct {
	db     *badgerhold.Store
	logger arbor.ILogger

	mu      sync.Mutex
	nextSeq uint64
}

// Open opens (or creates) the outbox database at path.
func Open(path string, logger arbor.ILogger) (*Store, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("creating outbox directory: %w", err)
	}

	// Synchronous writes: an acked record must survive a power cut, that is
	// the whole point of the outbox.
	options := badgerhold.DefaultOptions
	options.Options = badger.DefaultOptions(path).
		WithLogger(nil).
		WithSyncWrites(true)

	db, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("opening outbox database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSeq(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug().Str("path", path).Msg("Outbox database opened")
	return s, nil
}

// initSeq resumes the sequence counter past every surviving record so replay
// order is preserved across restarts.
func (s *Store) initSeq() error {
	var records []Record
	if err := s.db.Find(&records, nil); err != nil {
		return fmt.Errorf("scanning outbox on open: %w", err)
	}
	var max uint64
	for _, r := range records {
		if r.Seq > max {
			max = r.Seq
		}
	}
	s.nextSeq = max + 1
	return nil
}

// Append durably queues one record. When the record carries a CoalesceKey,
// any pending record with the same key is replaced: for heartbeats only the
// newest matters.
func (s *Store) Append(record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	record.Seq = s.nextSeq
	s.nextSeq++

	if record.CoalesceKey != "" {
		if err := s.db.DeleteMatching(&Record{},
			badgerhold.Where("CoalesceKey").Eq(record.CoalesceKey)); err != nil {
			return fmt.Errorf("coalescing outbox records: %w", err)
		}
	}

	if err := s.db.Insert(record.ID, *record); err != nil {
		return fmt.Errorf("appending outbox record: %w", err)
	}
	return nil
}

// Pending returns up to limit records in Seq order.
func (s *Store) Pending(limit int) ([]Record, error) {
	var records []Record
	if err := s.db.Find(&records, nil); err != nil {
		return nil, fmt.Errorf("listing outbox records: %w", err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// MarkAttempt bumps the attempt counter after a failed publish.
func (s *Store) MarkAttempt(id string) error {
	var record Record
	if err := s.db.Get(id, &record); err != nil {
		return fmt.Errorf("loading outbox record %s: %w", id, err)
	}
	record.Attempts++
	if err := s.db.Update(id, record); err != nil {
		return fmt.Errorf("updating outbox record %s: %w", id, err)
	}
	return nil
}

// Delete removes confirmed records.
func (s *Store) Delete(ids ...string) error {
	for _, id := range ids {
		if err := s.db.Delete(id, Record{}); err != nil {
			return fmt.Errorf("deleting outbox record %s: %w", id, err)
		}
	}
	return nil
}

// Count returns the number of pending records.
func (s *Store) Count() (int, error) {
	n, err := s.db.Count(&Record{}, nil)
	if err != nil {
		return 0, fmt.Errorf("counting outbox records: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
