package outbox

import (
	"time"
)

// Kind classifies an outbox record for drain-time bookkeeping; routing lives
// in the Exchange/RoutingKey fields.
type Kind string

const (
	KindStatus          Kind = "status"
	KindLog             Kind = "log"
	KindJobHeartbeat    Kind = "job_heartbeat"
	KindWorkerHeartbeat Kind = "worker_heartbeat"
	KindRegistration    Kind = "registration"
)

// Record is one durably buffered bus event. Records drain in Seq order, which
// preserves per-correlation FIFO because every event of a correlation is
// appended by the single goroutine running that occurrence.
type Record struct {
	ID            string `badgerhold:"key"`
	EventID       string // carried into the bus message for consumer idempotency
	CorrelationID string `badgerhold:"index"`
	Kind          Kind

	// CoalesceKey, when set, makes a new record replace any pending record
	// with the same key. Heartbeats use it so only the newest survives.
	CoalesceKey string `badgerhold:"index"`

	Exchange   string
	RoutingKey string
	Payload    []byte

	Seq       uint64 `badgerhold:"index"`
	CreatedAt time.Time
	Attempts  int
}
