// Package health provides system health monitoring and status reporting.
package health

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// TargetHealth contains health metrics for one execution context.
type TargetHealth struct {
	Target       string       `json:"target"`
	Status       SystemStatus `json:"status"`
	Healthy      bool         `json:"healthy"`
	SecondsSince float64      `json:"seconds_since_last_seen"`
	QueuedSends  int          `json:"queued_sends"`
}

// Report contains the full health report.
type Report struct {
	SystemStatus SystemStatus            `json:"system_status"`
	Targets      map[string]TargetHealth `json:"targets"`
	Export       ExportHealth            `json:"export"`
}

// ExportHealth summarizes the current export session.
type ExportHealth struct {
	Status   string `json:"status"`
	ExportID string `json:"export_id,omitempty"`
}
