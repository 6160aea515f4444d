package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/api"
	"github.com/vietddude/relay/internal/infra/storage/memory"
)

type fakeBackend struct {
	mu sync.Mutex

	credits    int
	creditsErr error
	createErr  error
	updateErr  error

	// transientFailures makes the first N credit checks fail with a
	// retryable server error.
	transientFailures int

	// creditsGate, when set, blocks every credit check until the channel
	// is closed.
	creditsGate chan struct{}

	creditsCalls int
	createCalls  int
	updateCalls  int

	lastUpdateStatus     string
	lastUpdateSuccessful int
	lastUpdateTotal      int
}

func (b *fakeBackend) GetCredits(ctx context.Context) (int, error) {
	b.mu.Lock()
	b.creditsCalls++
	transient := b.transientFailures > 0
	if transient {
		b.transientFailures--
	}
	gate := b.creditsGate
	credits, err := b.credits, b.creditsErr
	b.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if transient {
		return 0, &api.Error{Code: 503, Message: "service unavailable"}
	}
	return credits, err
}

func (b *fakeBackend) creditChecks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.creditsCalls
}

func (b *fakeBackend) CreateSession(ctx context.Context, tabURL string, estimated int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createCalls++
	if b.createErr != nil {
		return "", b.createErr
	}
	return "exp-1", nil
}

func (b *fakeBackend) UpdateSessionStatus(ctx context.Context, sessionID, status string, successful, total int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updateCalls++
	b.lastUpdateStatus = status
	b.lastUpdateSuccessful = successful
	b.lastUpdateTotal = total
	return b.updateErr
}

func (b *fakeBackend) lastStatus() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdateStatus
}

func (b *fakeBackend) updates() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updateCalls
}

type sentMessage struct {
	target domain.ContextID
	action string
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []sentMessage
	sendErr error
}

func (s *fakeSender) Send(ctx context.Context, target domain.ContextID, action string, payload any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{target: target, action: action})
	return nil, s.sendErr
}

func (s *fakeSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

func (s *fakeSender) countAction(action string) int {
	n := 0
	for _, m := range s.messages() {
		if m.action == action {
			n++
		}
	}
	return n
}

type fakeTabs struct {
	url string
	err error
}

func (f *fakeTabs) CurrentURL(ctx context.Context, tabID int) (string, error) {
	return f.url, f.err
}

func newTestController(backend *fakeBackend, sender *fakeSender) *Controller {
	return New(backend, sender, &fakeTabs{url: "https://www.google.com/maps/search/plumbers"},
		memory.NewSessionRepo(), Config{StartRetryDelay: time.Millisecond})
}

func startedSession(t *testing.T, c *Controller) *domain.ExportSession {
	t.Helper()
	session, err := c.Start(context.Background(), StartRequest{TabID: 7, Estimated: 20})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return session
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStart_HappyPath(t *testing.T) {
	backend := &fakeBackend{credits: 10}
	sender := &fakeSender{}
	c := newTestController(backend, sender)

	session := startedSession(t, c)

	if session.Status != domain.SessionScraping {
		t.Errorf("status = %v, want scraping", session.Status)
	}
	if session.ExportID != "exp-1" {
		t.Errorf("export id = %q, want exp-1", session.ExportID)
	}
	if backend.createCalls != 1 {
		t.Errorf("create calls = %d, want 1", backend.createCalls)
	}
	if got := sender.countAction(domain.ActionStartScraping); got != 1 {
		t.Errorf("startScraping sends = %d, want 1", got)
	}
}

func TestStart_RejectsWhenActive(t *testing.T) {
	backend := &fakeBackend{credits: 10}
	sender := &fakeSender{}
	c := newTestController(backend, sender)

	startedSession(t, c)

	_, err := c.Start(context.Background(), StartRequest{TabID: 8, Estimated: 5})
	if !errors.Is(err, ErrExportActive) {
		t.Fatalf("second Start() = %v, want ErrExportActive", err)
	}
	if backend.createCalls != 1 {
		t.Errorf("create calls = %d, rejected start must not reach the backend", backend.createCalls)
	}
	if got := sender.countAction(domain.ActionStartScraping); got != 1 {
		t.Errorf("startScraping sends = %d, rejected start must not message the scraper", got)
	}
}

func TestStart_NoCredits(t *testing.T) {
	backend := &fakeBackend{credits: 0}
	sender := &fakeSender{}
	c := newTestController(backend, sender)

	_, err := c.Start(context.Background(), StartRequest{TabID: 7, Estimated: 20})
	if !errors.Is(err, ErrNoCredits) {
		t.Fatalf("Start() = %v, want ErrNoCredits", err)
	}
	if backend.createCalls != 0 {
		t.Errorf("create calls = %d, want 0", backend.createCalls)
	}
	if c.Status().Status != domain.SessionError {
		t.Errorf("status = %v, want error", c.Status().Status)
	}

	// A terminal session does not block the next start.
	backend.credits = 5
	startedSession(t, c)
}

func TestStart_RetriesTransientBackendFailure(t *testing.T) {
	backend := &fakeBackend{credits: 10, transientFailures: 1}
	sender := &fakeSender{}
	c := newTestController(backend, sender)

	session := startedSession(t, c)
	if session.Status != domain.SessionScraping {
		t.Errorf("status = %v, want scraping", session.Status)
	}
	if backend.creditsCalls != 2 {
		t.Errorf("credit checks = %d, want 2 (one transient failure, one retry)", backend.creditsCalls)
	}
}

func TestStart_AbortDuringBackendCallWins(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeBackend{credits: 10, creditsGate: gate}
	sender := &fakeSender{}
	c := newTestController(backend, sender)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Start(context.Background(), StartRequest{TabID: 7, Estimated: 20})
		errs <- err
	}()

	waitFor(t, func() bool { return backend.creditChecks() == 1 },
		"backend call never started")

	// The tab closes while Start is blocked on the backend. The abort
	// must win: the resumed start cannot resurrect the errored session.
	c.TabClosed(context.Background(), 7)
	close(gate)

	if err := <-errs; err == nil {
		t.Fatal("Start() succeeded after its tab closed")
	}

	status := c.Status()
	if status.Status != domain.SessionError {
		t.Errorf("status = %v, want error", status.Status)
	}
	if got := sender.countAction(domain.ActionStartScraping); got != 0 {
		t.Errorf("startScraping sends = %d, want 0 for a closed tab", got)
	}

	// The backend session the abort orphaned gets cancelled.
	waitFor(t, func() bool { return backend.lastStatus() == "cancelled" },
		"orphaned backend session never cancelled")

	// The aborted session must not block the next start.
	startedSession(t, c)
}

func TestStart_UnsupportedPage(t *testing.T) {
	backend := &fakeBackend{credits: 10}
	sender := &fakeSender{}
	c := New(backend, sender, &fakeTabs{url: "https://example.com/"},
		memory.NewSessionRepo(), Config{})

	_, err := c.Start(context.Background(), StartRequest{TabID: 7, Estimated: 20})
	if !errors.Is(err, ErrUnsupportedPage) {
		t.Fatalf("Start() = %v, want ErrUnsupportedPage", err)
	}
}

func completionEnvelope(successful, total int, failures []domain.PartialFailure) *domain.Envelope {
	return &domain.Envelope{
		Action: domain.ActionExportComplete,
		Payload: domain.ExportResult{
			ExportID:             "exp-1",
			TotalBusinesses:      total,
			SuccessfulBusinesses: successful,
			PartialFailures:      failures,
		},
	}
}

func TestComplete_PartialSuccessStillCompletes(t *testing.T) {
	backend := &fakeBackend{credits: 10}
	sender := &fakeSender{}
	c := newTestController(backend, sender)
	startedSession(t, c)

	failures := []domain.PartialFailure{{BusinessName: "Joe's Pizza", Error: "detail page timeout"}}
	if _, err := c.HandleComplete(context.Background(), completionEnvelope(18, 20, failures)); err != nil {
		t.Fatalf("HandleComplete() error = %v", err)
	}

	status := c.Status()
	if status.Status != domain.SessionCompleted {
		t.Errorf("status = %v, want completed", status.Status)
	}
	if !status.Partial() {
		t.Error("session should report partial success")
	}
	if backend.lastUpdateSuccessful != 18 || backend.lastUpdateTotal != 20 {
		t.Errorf("backend charged for %d/%d, want 18/20",
			backend.lastUpdateSuccessful, backend.lastUpdateTotal)
	}
}

func TestComplete_DuplicateDeliveryChargesOnce(t *testing.T) {
	backend := &fakeBackend{credits: 10}
	sender := &fakeSender{}
	c := newTestController(backend, sender)
	startedSession(t, c)

	env := completionEnvelope(20, 20, nil)
	if _, err := c.HandleComplete(context.Background(), env); err != nil {
		t.Fatalf("first HandleComplete() error = %v", err)
	}
	if _, err := c.HandleComplete(context.Background(), env); err != nil {
		t.Fatalf("duplicate HandleComplete() error = %v", err)
	}

	if got := backend.updates(); got != 1 {
		t.Errorf("backend updates = %d, want exactly 1", got)
	}
}

func TestAbort_Idempotent(t *testing.T) {
	backend := &fakeBackend{credits: 10}
	sender := &fakeSender{}
	c := newTestController(backend, sender)
	startedSession(t, c)

	c.TabClosed(context.Background(), 7)
	c.TabClosed(context.Background(), 7)

	status := c.Status()
	if status.Status != domain.SessionError {
		t.Errorf("status = %v, want error", status.Status)
	}
	if status.Reason != "tab closed during export" {
		t.Errorf("reason = %q, want tab closed reason", status.Reason)
	}
	if status.ExportID != "" || status.TabID != 0 {
		t.Errorf("aborted session kept ids: export=%q tab=%d", status.ExportID, status.TabID)
	}

	// Wait for async popup notifications before counting them.
	deadline := time.Now().Add(time.Second)
	for sender.countAction(domain.ActionExportError) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("popup never notified of the abort")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if got := sender.countAction(domain.ActionExportError); got != 1 {
		t.Errorf("exportError notifications = %d, want 1", got)
	}
}

func TestAbort_IgnoresOtherTabs(t *testing.T) {
	backend := &fakeBackend{credits: 10}
	sender := &fakeSender{}
	c := newTestController(backend, sender)
	startedSession(t, c)

	c.TabClosed(context.Background(), 99)

	if c.Status().Status != domain.SessionScraping {
		t.Errorf("status = %v, closing an unrelated tab must not abort", c.Status().Status)
	}
}

func TestTabNavigated_AwayAborts(t *testing.T) {
	backend := &fakeBackend{credits: 10}
	sender := &fakeSender{}
	c := newTestController(backend, sender)
	startedSession(t, c)

	c.TabNavigated(context.Background(), 7, "https://example.com/")

	status := c.Status()
	if status.Status != domain.SessionError {
		t.Errorf("status = %v, want error", status.Status)
	}
	if status.Reason != "tab navigated away during export" {
		t.Errorf("reason = %q, want navigation reason", status.Reason)
	}
}

func TestTabNavigated_WithinSupportedPagesKeepsScraping(t *testing.T) {
	backend := &fakeBackend{credits: 10}
	sender := &fakeSender{}
	c := newTestController(backend, sender)
	startedSession(t, c)

	// Moving between result pages on the supported host is fine.
	c.TabNavigated(context.Background(), 7, "https://www.google.com/maps/search/electricians")
	if c.Status().Status != domain.SessionScraping {
		t.Errorf("status = %v, navigation within supported pages must not abort", c.Status().Status)
	}

	// Another tab leaving the host does not touch the session either.
	c.TabNavigated(context.Background(), 99, "https://example.com/")
	if c.Status().Status != domain.SessionScraping {
		t.Errorf("status = %v, navigation in an unrelated tab must not abort", c.Status().Status)
	}
}

func TestStop_SendsStopScraping(t *testing.T) {
	backend := &fakeBackend{credits: 10}
	sender := &fakeSender{}
	c := newTestController(backend, sender)
	startedSession(t, c)

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := sender.countAction(domain.ActionStopScraping); got != 1 {
		t.Errorf("stopScraping sends = %d, want 1", got)
	}
	if c.Status().Status != domain.SessionScraping {
		t.Errorf("status = %v, stop is cooperative and must not settle the session", c.Status().Status)
	}
}

func TestProgress_ForwardedToPopup(t *testing.T) {
	backend := &fakeBackend{credits: 10}
	sender := &fakeSender{}
	c := newTestController(backend, sender)
	startedSession(t, c)

	env := &domain.Envelope{
		Action:  domain.ActionProgressUpdate,
		Payload: domain.ExportProgress{ExportID: "exp-1", Scraped: 5, Total: 20, Remaining: 15},
	}
	if _, err := c.HandleProgress(context.Background(), env); err != nil {
		t.Fatalf("HandleProgress() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for sender.countAction(domain.ActionProgressUpdate) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("progress never forwarded to popup")
		}
		time.Sleep(time.Millisecond)
	}

	for _, m := range sender.messages() {
		if m.action == domain.ActionProgressUpdate && m.target != domain.ContextPopup {
			t.Errorf("progress forwarded to %v, want popup", m.target)
		}
	}
}

func TestStatus_IdleWithoutSession(t *testing.T) {
	c := newTestController(&fakeBackend{}, &fakeSender{})
	if got := c.Status().Status; got != domain.SessionIdle {
		t.Errorf("Status() = %v, want idle", got)
	}
}
