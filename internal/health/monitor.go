package health

import (
	"context"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/messaging/channel"
)

// ChannelProbe exposes the delivery channel's view of target liveness
// and backlog.
type ChannelProbe interface {
	Health() map[domain.ContextID]channel.HealthRecord
	QueuedCount(target domain.ContextID) int
}

// SessionProbe exposes the export controller's current session.
type SessionProbe interface {
	Status() *domain.ExportSession
}

// Monitor aggregates health status from the delivery channel and the
// export controller.
type Monitor struct {
	channel  ChannelProbe
	sessions SessionProbe

	// UnhealthyAfter is how long a target can stay silent before its
	// status is critical rather than degraded.
	UnhealthyAfter time.Duration
}

// NewMonitor creates a new health monitor.
func NewMonitor(channel ChannelProbe, sessions SessionProbe, unhealthyAfter time.Duration) *Monitor {
	if unhealthyAfter <= 0 {
		unhealthyAfter = 45 * time.Second
	}
	return &Monitor{
		channel:        channel,
		sessions:       sessions,
		UnhealthyAfter: unhealthyAfter,
	}
}

// CheckHealth builds the current health report.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	report := Report{
		SystemStatus: StatusHealthy,
		Targets:      make(map[string]TargetHealth),
	}

	for target, rec := range m.channel.Health() {
		silence := time.Since(rec.LastSeen)
		th := TargetHealth{
			Target:       string(target),
			Status:       StatusHealthy,
			Healthy:      rec.Healthy,
			SecondsSince: silence.Seconds(),
			QueuedSends:  m.channel.QueuedCount(target),
		}
		if !rec.Healthy {
			th.Status = StatusDegraded
			if silence >= m.UnhealthyAfter {
				th.Status = StatusCritical
			}
		}
		report.Targets[string(target)] = th

		if th.Status == StatusCritical {
			report.SystemStatus = StatusCritical
		} else if th.Status == StatusDegraded && report.SystemStatus == StatusHealthy {
			report.SystemStatus = StatusDegraded
		}
	}

	if m.sessions != nil {
		session := m.sessions.Status()
		report.Export = ExportHealth{
			Status:   string(session.Status),
			ExportID: session.ExportID,
		}
	}

	return report
}
