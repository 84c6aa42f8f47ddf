package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Milvasoft/milvaion-sub003/internal/worker"
)

// registerHandlers binds this worker's job types. Handlers receive the run
// handle for payload access and structured logging; errors wrapped with
// worker.Permanent skip the retry path and dead-letter immediately.
func registerHandlers(handlers *worker.HandlerRegistry) {
	handlers.Register("send_email", sendEmail)
	handlers.Register("cleanup_expired", cleanupExpired)
}

type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func sendEmail(ctx context.Context, run *worker.JobRun) (string, error) {
	var payload emailPayload
	if err := run.UnmarshalData(&payload); err != nil {
		return "", worker.Permanent(fmt.Errorf("decoding email payload: %w", err))
	}
	if payload.To == "" {
		return "", worker.Permanent(fmt.Errorf("email payload missing recipient"))
	}

	run.LogInformation(fmt.Sprintf("Sending email to %s", payload.To))
	// Delivery integration goes here; the sample just simulates latency.
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return fmt.Sprintf("email sent to %s", payload.To), nil
}

func cleanupExpired(ctx context.Context, run *worker.JobRun) (string, error) {
	run.LogInformation("Scanning for expired records")
	removed := 0
	for i := 0; i < 10; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(10 * time.Millisecond):
			removed++
		}
	}
	run.LogData("Information", "Cleanup finished", map[string]int{"removed": removed})
	return fmt.Sprintf("%d records removed", removed), nil
}
