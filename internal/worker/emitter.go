package worker

import (
	"github.com/Milvasoft/milvaion-sub003/internal/bus"
	"github.com/Milvasoft/milvaion-sub003/internal/common"
	"github.com/Milvasoft/milvaion-sub003/internal/models"
	"github.com/Milvasoft/milvaion-sub003/internal/worker/outbox"
)

// Emitter converts worker events into outbox records. Everything the worker
// tells the control plane passes through here, so a broker outage never loses
// an event: the record is on disk before any publish attempt.
type Emitter struct {
	store  *outbox.Store
	syncer *outbox.Syncer
}

// NewEmitter binds the outbox store and syncer.
func NewEmitter(store *outbox.Store, syncer *outbox.Syncer) *Emitter {
	return &Emitter{store: store, syncer: syncer}
}

// EmitStatus durably queues a status update. Returns only after the record is
// on disk.
func (e *Emitter) EmitStatus(msg models.StatusUpdateMessage) error {
	if msg.EventID == "" {
		msg.EventID = common.NewID()
	}
	body, err := msg.ToJSON()
	if err != nil {
		return err
	}
	return e.append(&outbox.Record{
		EventID:       msg.EventID,
		CorrelationID: msg.CorrelationID,
		Kind:          outbox.KindStatus,
		RoutingKey:    bus.StatusUpdatesQueue,
		Payload:       body,
	})
}

// EmitLog durably queues one occurrence log entry.
func (e *Emitter) EmitLog(msg models.LogMessage) error {
	if msg.EventID == "" {
		msg.EventID = common.NewID()
	}
	body, err := msg.ToJSON()
	if err != nil {
		return err
	}
	return e.append(&outbox.Record{
		EventID:       msg.EventID,
		CorrelationID: msg.CorrelationID,
		Kind:          outbox.KindLog,
		RoutingKey:    bus.WorkerLogsQueue,
		Payload:       body,
	})
}

// EmitJobHeartbeat queues a per-occurrence heartbeat; only the newest per
// correlation survives in the outbox.
func (e *Emitter) EmitJobHeartbeat(msg models.JobHeartbeatMessage) error {
	body, err := msg.ToJSON()
	if err != nil {
		return err
	}
	return e.append(&outbox.Record{
		CorrelationID: msg.CorrelationID,
		Kind:          outbox.KindJobHeartbeat,
		CoalesceKey:   "job_heartbeat:" + msg.CorrelationID,
		RoutingKey:    bus.WorkerHeartbeatQueue,
		Payload:       body,
	})
}

// EmitWorkerHeartbeat queues the instance heartbeat, newest only.
func (e *Emitter) EmitWorkerHeartbeat(msg models.WorkerHeartbeatMessage) error {
	body, err := msg.ToJSON()
	if err != nil {
		return err
	}
	return e.append(&outbox.Record{
		Kind:        outbox.KindWorkerHeartbeat,
		CoalesceKey: "worker_heartbeat:" + msg.InstanceID,
		RoutingKey:  bus.WorkerHeartbeatQueue,
		Payload:     body,
	})
}

// EmitRegistration queues the instance registration announcement.
func (e *Emitter) EmitRegistration(msg models.RegistrationMessage) error {
	body, err := msg.ToJSON()
	if err != nil {
		return err
	}
	return e.append(&outbox.Record{
		Kind:        outbox.KindRegistration,
		CoalesceKey: "registration:" + msg.InstanceID,
		RoutingKey:  bus.WorkerRegistrationQueue,
		Payload:     body,
	})
}

func (e *Emitter) append(record *outbox.Record) error {
	if err := e.store.Append(record); err != nil {
		return err
	}
	e.syncer.Kick()
	return nil
}
