package models

import "time"

// WorkerInstance is one replica within a worker group, tracked only in the
// coordination-store registry (never persisted to the database).
type WorkerInstance struct {
	WorkerID        string            `json:"workerId"`
	InstanceID      string            `json:"instanceId"`
	DisplayName     string            `json:"displayName,omitempty"`
	HostName        string            `json:"hostName,omitempty"`
	IPAddress       string            `json:"ipAddress,omitempty"`
	RoutingPatterns []string          `json:"routingPatterns"`
	JobTypes        []string          `json:"jobTypes"`
	MaxParallelJobs int               `json:"maxParallelJobs"`
	CurrentJobs     int               `json:"currentJobs"`
	LastHeartbeat   time.Time         `json:"lastHeartbeat"`
	Status          WorkerStatus      `json:"status"`
	Version         string            `json:"version,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}
