package worker

import (
	"encoding/json"
	"time"

	"github.com/Milvasoft/milvaion-sub003/internal/models"
)

// JobRun is the handle passed to user job code: payload access plus
// structured logging that flows through the outbox into the occurrence's log
// array.
type JobRun struct {
	CorrelationID string
	JobID         string
	JobName       string
	Data          json.RawMessage

	emit func(entry models.OccurrenceLogEntry)
}

// UnmarshalData decodes the job payload into v.
func (r *JobRun) UnmarshalData(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// LogInformation records an informational run log entry.
func (r *JobRun) LogInformation(message string) {
	r.log("Information", message, nil, "")
}

// LogWarning records a warning run log entry.
func (r *JobRun) LogWarning(message string) {
	r.log("Warning", message, nil, "")
}

// LogError records an error run log entry.
func (r *JobRun) LogError(message string, err error) {
	exceptionType := ""
	if err != nil {
		exceptionType = err.Error()
	}
	r.log("Error", message, nil, exceptionType)
}

// LogData records an entry with a structured payload.
func (r *JobRun) LogData(level, message string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = nil
	}
	r.log(level, message, payload, "")
}

func (r *JobRun) log(level, message string, data json.RawMessage, exceptionType string) {
	if r.emit == nil {
		return
	}
	r.emit(models.OccurrenceLogEntry{
		Timestamp:     time.Now().UTC(),
		Level:         level,
		Message:       message,
		Category:      "Job",
		Data:          data,
		ExceptionType: exceptionType,
	})
}
