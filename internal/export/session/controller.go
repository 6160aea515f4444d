// Package session coordinates the export workflow across contexts:
// creating the backend session, driving the content scraper, forwarding
// progress to the popup, and settling the final outcome.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/api"
	"github.com/vietddude/relay/internal/infra/storage"
	"github.com/vietddude/relay/internal/messaging/metrics"
	"github.com/vietddude/relay/internal/messaging/retry"
)

var (
	// ErrExportActive is returned when a start request arrives while a
	// session is already in flight.
	ErrExportActive = errors.New("export already running")

	// ErrNoCredits is returned when the account has no export credits.
	ErrNoCredits = errors.New("no export credits remaining")

	// ErrUnsupportedPage is returned when the tab is not on a page the
	// scraper can handle.
	ErrUnsupportedPage = errors.New("tab is not on a supported page")
)

// Backend is the slice of the platform API the controller needs.
type Backend interface {
	GetCredits(ctx context.Context) (int, error)
	CreateSession(ctx context.Context, tabURL string, estimated int) (string, error)
	UpdateSessionStatus(ctx context.Context, sessionID, status string, successful, total int) error
}

// Sender delivers commands to other contexts and blocks for the response.
type Sender interface {
	Send(ctx context.Context, target domain.ContextID, action string, payload any) (any, error)
}

// TabInspector reports the current URL of a browser tab.
type TabInspector interface {
	CurrentURL(ctx context.Context, tabID int) (string, error)
}

// Config holds controller settings.
type Config struct {
	// SupportedURL is the substring a tab URL must contain for an
	// export to start there.
	SupportedURL string `yaml:"supported_url"`

	// StartRetries bounds the operation-level retry of the whole start
	// sequence on transient backend failures. This is on top of the
	// per-call retry inside the backend client.
	StartRetries    int           `yaml:"start_retries"`
	StartRetryDelay time.Duration `yaml:"start_retry_delay"`
}

// StartRequest is the popup's request to begin an export.
type StartRequest struct {
	TabID     int `json:"tab_id"`
	Estimated int `json:"estimated_businesses"`
}

// Controller owns the single active export session.
type Controller struct {
	backend    Backend
	sender     Sender
	tabs       TabInspector
	repo       storage.SessionRepository
	cfg        Config
	startRetry retry.Config
	log        *slog.Logger

	mu      sync.Mutex
	session *domain.ExportSession
}

// New creates an idle controller. repo may be nil when history
// persistence is disabled.
func New(backend Backend, sender Sender, tabs TabInspector, repo storage.SessionRepository, cfg Config) *Controller {
	if cfg.SupportedURL == "" {
		cfg.SupportedURL = "google.com/maps"
	}
	if cfg.StartRetries <= 0 {
		cfg.StartRetries = 2
	}
	if cfg.StartRetryDelay <= 0 {
		cfg.StartRetryDelay = time.Second
	}
	return &Controller{
		backend: backend,
		sender:  sender,
		tabs:    tabs,
		repo:    repo,
		cfg:     cfg,
		startRetry: retry.Config{
			MaxRetries:    cfg.StartRetries,
			BaseDelay:     cfg.StartRetryDelay,
			MaxDelay:      10 * cfg.StartRetryDelay,
			BackoffFactor: 2.0,
			ShouldRetry:   api.IsTransient,
		},
		log: slog.Default().With("component", "export"),
	}
}

// Start begins a new export session. At most one session is active at a
// time: concurrent starts lose with ErrExportActive before any backend
// call or message is made.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*domain.ExportSession, error) {
	c.mu.Lock()
	if c.session != nil && !c.session.Status.Terminal() {
		c.mu.Unlock()
		return nil, ErrExportActive
	}
	started := &domain.ExportSession{
		TabID:     req.TabID,
		Status:    domain.SessionCreating,
		StartedAt: time.Now(),
	}
	c.session = started
	c.mu.Unlock()

	tabURL, err := c.tabs.CurrentURL(ctx, req.TabID)
	if err != nil {
		return nil, c.failCreating(ctx, started, fmt.Errorf("failed to inspect tab: %w", err))
	}
	if !strings.Contains(tabURL, c.cfg.SupportedURL) {
		return nil, c.failCreating(ctx, started, ErrUnsupportedPage)
	}

	// The whole credit-check-and-create sequence retries as one unit on
	// transient backend failures, on top of the client's per-call retry.
	res, err := retry.Do(ctx, c.startRetry, func(ctx context.Context) (any, error) {
		credits, err := c.backend.GetCredits(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to check credits: %w", err)
		}
		if credits <= 0 {
			return nil, ErrNoCredits
		}
		id, err := c.backend.CreateSession(ctx, tabURL, req.Estimated)
		if err != nil {
			return nil, fmt.Errorf("failed to create export session: %w", err)
		}
		return id, nil
	})
	if err != nil {
		return nil, c.failCreating(ctx, started, err)
	}
	exportID := res.(string)

	// An abort (tab closed, scraper error) may have settled the session
	// while the backend call was in flight. The settled state wins: the
	// unused backend session is cancelled and no scraper is started.
	c.mu.Lock()
	if c.preemptedLocked(started) {
		reason := started.Reason
		c.mu.Unlock()
		c.cancelBackendSession(exportID)
		return nil, fmt.Errorf("export aborted before scraping started: %s", reason)
	}
	started.ExportID = exportID
	started.TotalBusinesses = req.Estimated
	c.mu.Unlock()

	payload := map[string]any{
		"export_id":            exportID,
		"estimated_businesses": req.Estimated,
	}
	if _, err := c.sender.Send(ctx, domain.ContextContent, domain.ActionStartScraping, payload); err != nil {
		return nil, c.failCreating(ctx, started, fmt.Errorf("failed to start scraper: %w", err))
	}

	c.mu.Lock()
	if c.preemptedLocked(started) {
		reason := started.Reason
		c.mu.Unlock()
		c.cancelBackendSession(exportID)
		return nil, fmt.Errorf("export aborted before scraping started: %s", reason)
	}
	started.Status = domain.SessionScraping
	snapshot := copySession(started)
	c.mu.Unlock()

	metrics.ExportsStarted.Inc()
	c.log.Info("Export started",
		"export_id", exportID,
		"tab_id", req.TabID,
		"estimated", req.Estimated)
	return snapshot, nil
}

// Stop asks the content scraper to finish early. The session settles
// through the normal completion path when the scraper replies with its
// partial results.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil || c.session.Status != domain.SessionScraping {
		c.mu.Unlock()
		return errors.New("no export in progress")
	}
	exportID := c.session.ExportID
	c.mu.Unlock()

	payload := map[string]any{"export_id": exportID}
	if _, err := c.sender.Send(ctx, domain.ContextContent, domain.ActionStopScraping, payload); err != nil {
		return fmt.Errorf("failed to stop scraper: %w", err)
	}
	return nil
}

// Status returns a snapshot of the current (or most recent) session.
func (c *Controller) Status() *domain.ExportSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return &domain.ExportSession{Status: domain.SessionIdle}
	}
	return copySession(c.session)
}

// HandleProgress forwards a scraper progress update to the popup. The
// popup may be closed; forwarding is best effort.
func (c *Controller) HandleProgress(ctx context.Context, env *domain.Envelope) (any, error) {
	var progress domain.ExportProgress
	if err := decodePayload(env.Payload, &progress); err != nil {
		return nil, fmt.Errorf("invalid progress payload: %w", err)
	}

	go func() {
		if _, err := c.sender.Send(ctx, domain.ContextPopup, domain.ActionProgressUpdate, progress); err != nil {
			c.log.Debug("Failed to forward progress to popup",
				"export_id", progress.ExportID,
				"error", err)
		}
	}()
	return map[string]any{"received": true}, nil
}

// HandleComplete settles the session when the scraper reports its
// results. Partial success still completes: the remaining records are
// recorded as partial failures and the backend is charged only for the
// successful count. Duplicate completions from delivery retries are
// ignored, so the backend is charged exactly once.
func (c *Controller) HandleComplete(ctx context.Context, env *domain.Envelope) (any, error) {
	var res domain.ExportResult
	if err := decodePayload(env.Payload, &res); err != nil {
		return nil, fmt.Errorf("invalid completion payload: %w", err)
	}

	c.mu.Lock()
	if c.session == nil || c.session.ExportID != res.ExportID || c.session.Status != domain.SessionScraping {
		snapshot := c.session
		c.mu.Unlock()
		if snapshot != nil && snapshot.ExportID == res.ExportID {
			// Duplicate delivery of a completion already settled.
			return map[string]any{"settled": true}, nil
		}
		return nil, fmt.Errorf("no scraping session for export %s", res.ExportID)
	}
	c.session.Status = domain.SessionCompleting
	c.session.TotalBusinesses = res.TotalBusinesses
	c.session.SuccessfulBusinesses = res.SuccessfulBusinesses
	c.session.PartialFailures = res.PartialFailures
	c.mu.Unlock()

	if err := c.backend.UpdateSessionStatus(ctx, res.ExportID, "completed",
		res.SuccessfulBusinesses, res.TotalBusinesses); err != nil {
		c.settle(ctx, domain.SessionError, fmt.Sprintf("failed to report completion: %v", err))
		return nil, fmt.Errorf("failed to report completion: %w", err)
	}

	c.settle(ctx, domain.SessionCompleted, "")
	c.notifyPopup(domain.ActionExportComplete, res)
	return map[string]any{"settled": true}, nil
}

// HandleError aborts the session on a scraper-reported failure.
func (c *Controller) HandleError(ctx context.Context, env *domain.Envelope) (any, error) {
	var payload struct {
		ExportID string `json:"export_id"`
		Reason   string `json:"reason"`
	}
	if err := decodePayload(env.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid error payload: %w", err)
	}

	c.Abort(ctx, payload.Reason)
	return map[string]any{"aborted": true}, nil
}

// TabClosed aborts the session when its tab goes away. Abort is
// idempotent: browsers can fire close and navigation events for the
// same tab in quick succession.
func (c *Controller) TabClosed(ctx context.Context, tabID int) {
	c.mu.Lock()
	match := c.session != nil && !c.session.Status.Terminal() && c.session.TabID == tabID
	c.mu.Unlock()

	if match {
		c.Abort(ctx, "tab closed during export")
	}
}

// TabNavigated aborts the session when its tab leaves the page.
func (c *Controller) TabNavigated(ctx context.Context, tabID int, newURL string) {
	c.mu.Lock()
	match := c.session != nil && !c.session.Status.Terminal() && c.session.TabID == tabID
	c.mu.Unlock()

	if match && !strings.Contains(newURL, c.cfg.SupportedURL) {
		c.Abort(ctx, "tab navigated away during export")
	}
}

// Abort moves a non-terminal session to the error state. Repeated calls
// are no-ops.
func (c *Controller) Abort(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.session == nil || c.session.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	c.session.Status = domain.SessionError
	c.session.Reason = reason
	c.session.FinishedAt = time.Now()
	snapshot := copySession(c.session)
	// Clear the ids so stale tab events cannot re-target the settled
	// session. History keeps them via the snapshot.
	c.session.TabID = 0
	c.session.ExportID = ""
	c.mu.Unlock()

	metrics.ExportsCompleted.WithLabelValues("error").Inc()
	c.log.Warn("Export aborted",
		"export_id", snapshot.ExportID,
		"reason", reason)
	c.persist(ctx, snapshot)
	c.notifyPopup(domain.ActionExportError, map[string]any{
		"export_id": snapshot.ExportID,
		"reason":    reason,
	})
}

// preemptedLocked reports whether the session a start created was
// settled by an abort, or replaced by a newer start, while the start was
// off the lock. Caller holds c.mu.
func (c *Controller) preemptedLocked(started *domain.ExportSession) bool {
	return c.session != started || started.Status.Terminal()
}

// cancelBackendSession releases a backend session that an aborted start
// never handed to the scraper. Best effort.
func (c *Controller) cancelBackendSession(exportID string) {
	go func() {
		if err := c.backend.UpdateSessionStatus(context.Background(), exportID, "cancelled", 0, 0); err != nil {
			c.log.Debug("Failed to cancel unused backend session",
				"export_id", exportID,
				"error", err)
		}
	}()
}

// failCreating settles a session that never reached scraping.
func (c *Controller) failCreating(ctx context.Context, started *domain.ExportSession, cause error) error {
	c.mu.Lock()
	if c.preemptedLocked(started) {
		c.mu.Unlock()
		return cause
	}
	started.Status = domain.SessionError
	started.Reason = cause.Error()
	started.FinishedAt = time.Now()
	snapshot := copySession(started)
	c.mu.Unlock()

	metrics.ExportsCompleted.WithLabelValues("error").Inc()
	c.log.Warn("Export failed to start", "reason", cause.Error())
	c.persist(ctx, snapshot)
	return cause
}

// settle records the terminal state of a session that reached scraping.
func (c *Controller) settle(ctx context.Context, status domain.SessionStatus, reason string) {
	c.mu.Lock()
	c.session.Status = status
	c.session.Reason = reason
	c.session.FinishedAt = time.Now()
	snapshot := copySession(c.session)
	c.mu.Unlock()

	outcome := "completed"
	switch {
	case status == domain.SessionError:
		outcome = "error"
	case snapshot.Partial():
		outcome = "partial"
	}
	metrics.ExportsCompleted.WithLabelValues(outcome).Inc()
	c.log.Info("Export settled",
		"export_id", snapshot.ExportID,
		"status", string(status),
		"successful", snapshot.SuccessfulBusinesses,
		"total", snapshot.TotalBusinesses)
	c.persist(ctx, snapshot)
}

// persist writes the session to history. Storage failures are logged,
// never surfaced: persistence must not block an export.
func (c *Controller) persist(ctx context.Context, session *domain.ExportSession) {
	if c.repo == nil || session.ExportID == "" {
		return
	}
	if err := c.repo.Save(ctx, session); err != nil {
		c.log.Warn("Failed to persist export session",
			"export_id", session.ExportID,
			"error", err)
	}
}

// notifyPopup sends a best-effort notification to the popup.
func (c *Controller) notifyPopup(action string, payload any) {
	go func() {
		if _, err := c.sender.Send(context.Background(), domain.ContextPopup, action, payload); err != nil {
			c.log.Debug("Failed to notify popup", "action", action, "error", err)
		}
	}()
}

func copySession(s *domain.ExportSession) *domain.ExportSession {
	cp := *s
	if len(s.PartialFailures) > 0 {
		cp.PartialFailures = append([]domain.PartialFailure(nil), s.PartialFailures...)
	}
	return &cp
}

// decodePayload converts a payload of unknown concrete type (struct from
// the in-process bus, map from JSON transports) into the target type.
func decodePayload(payload any, out any) error {
	if payload == nil {
		return errors.New("missing payload")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
