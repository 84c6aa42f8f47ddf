package bus

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange and queue names shared by the control plane and workers. Workers
// declare their own job queues; everything here is the fixed plumbing.
const (
	JobsExchange    = "jobs.topic"
	DLXExchange     = "dlx_scheduled_jobs"
	DLXRoutingKey   = "failed_jobs"
	FailedJobsQueue = "failed_jobs_queue"

	StatusUpdatesQueue      = "job_status_updates_queue"
	WorkerLogsQueue         = "worker_logs_queue"
	WorkerHeartbeatQueue    = "worker_heartbeat_queue"
	WorkerRegistrationQueue = "worker_registration_queue"
)

// controlQueues are the control-plane queues every node declares idempotently.
var controlQueues = []string{
	StatusUpdatesQueue,
	WorkerLogsQueue,
	WorkerHeartbeatQueue,
	WorkerRegistrationQueue,
}

// declareTopology declares the exchanges and control-plane queues. Declaration
// is idempotent; every connecting node runs it so startup order never matters.
func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(JobsExchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(DLXExchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	for _, queue := range controlQueues {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return err
		}
	}

	// Dead-lettered dispatches land here for operator triage.
	if _, err := ch.QueueDeclare(FailedJobsQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(FailedJobsQueue, "#", DLXExchange, false, nil); err != nil {
		return err
	}
	return nil
}

// jobQueueArgs returns the declare arguments for a worker job queue: rejected
// deliveries are dead-lettered to the DLX instead of being dropped.
func jobQueueArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange": DLXExchange,
	}
}

// DeclareJobQueue declares a durable worker job queue wired to the DLX and
// binds it to the jobs exchange under the given routing patterns.
func DeclareJobQueue(ch *amqp.Channel, queue string, patterns []string) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, jobQueueArgs()); err != nil {
		return err
	}
	for _, pattern := range patterns {
		if err := ch.QueueBind(queue, pattern, JobsExchange, false, nil); err != nil {
			return err
		}
	}
	return nil
}
