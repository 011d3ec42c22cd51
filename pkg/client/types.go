package client

import (
	"fmt"
	"time"
)

// ActionResult is the reply to start and stop.
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Usage is the resource usage sampled for a running instance.
type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// InstanceStatus is the status of one instance.
type InstanceStatus struct {
	Port      int        `json:"port"`
	Name      string     `json:"name"`
	State     string     `json:"state"`
	Running   bool       `json:"running"`
	PID       int        `json:"pid,omitempty"`
	Adopted   bool       `json:"adopted,omitempty"`
	RunID     string     `json:"run_id,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
}

type logsResponse struct {
	Port    int    `json:"port"`
	Logs    string `json:"logs"`
	Message string `json:"message,omitempty"`
}

type tailResponse struct {
	Port  int      `json:"port"`
	Lines []string `json:"lines"`
}

// APIError is returned for any non-2xx reply. Message carries the server's
// user-facing text when the body had one.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	return e.Message
}
