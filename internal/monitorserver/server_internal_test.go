package monitorserver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ministruth/monitor/internal/directory"
)

type fakeAgentStore struct{}

func (fakeAgentStore) GetByUid(context.Context, string) (*directory.StoredAgent, error) {
	return nil, nil
}
func (fakeAgentStore) Create(context.Context, *directory.StoredAgent) error { return nil }
func (fakeAgentStore) Touch(context.Context, uuid.UUID, string, int64) error { return nil }
func (fakeAgentStore) List(context.Context) ([]directory.StoredAgent, error) { return nil, nil }

type fakeAlertSink struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeAlertSink) Send(_ context.Context, title, body, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, title+": "+body)
	return nil
}

func (f *fakeAlertSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeAddr struct{ s string }

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return a.s }

func newTestServer(sink *fakeAlertSink, alertTimeout time.Duration) (*Server, *directory.Directory, uuid.UUID) {
	store := fakeAgentStore{}
	dir := directory.New(store)
	id, _, _ := dir.Login(context.Background(), "agent-alert", fakeAddr{"10.0.0.1:1"})

	srv := New(Config{
		Directory: dir,
		AlertSink: sink,
		Logger:    zap.NewNop(),
	}, Settings{AlertTimeout: alertTimeout})
	return srv, dir, id
}

func TestAlertTickFiresOnceThenDeduplicates(t *testing.T) {
	sink := &fakeAlertSink{}
	srv, dir, id := newTestServer(sink, time.Minute)

	staleMs := int64(1000) // fabricated old last_rsp
	dir.UpdateStatus(id, staleMs, directory.StatusUpdate{Time: 1})
	dir.SetStatus(id, directory.StatusOffline)

	srv.alertTick()
	if sink.count() != 1 {
		t.Fatalf("expected exactly one alert, got %d", sink.count())
	}

	srv.alertTick()
	if sink.count() != 1 {
		t.Fatalf("expected no re-alert while last_rsp is unchanged, got %d", sink.count())
	}

	// A fresh status sample (e.g. a brief reconnect) advances last_rsp,
	// which must re-arm the alert for the next stale check.
	dir.UpdateStatus(id, staleMs+1, directory.StatusUpdate{Time: 1})
	dir.SetStatus(id, directory.StatusOffline)
	srv.alertTick()
	if sink.count() != 2 {
		t.Fatalf("expected a second alert after last_rsp advanced, got %d", sink.count())
	}
}

func TestAlertTickSkipsOnlineAgents(t *testing.T) {
	sink := &fakeAlertSink{}
	srv, dir, id := newTestServer(sink, time.Minute)

	dir.UpdateStatus(id, int64(1000), directory.StatusUpdate{Time: 1})
	// Status stays Online (default post-Login) — must never alert.

	srv.alertTick()
	if sink.count() != 0 {
		t.Fatalf("expected no alert for an online agent, got %d", sink.count())
	}
}

func TestAlertTickDisabledWhenTimeoutNonPositive(t *testing.T) {
	sink := &fakeAlertSink{}
	srv, dir, id := newTestServer(sink, 0)

	dir.UpdateStatus(id, int64(1000), directory.StatusUpdate{Time: 1})
	dir.SetStatus(id, directory.StatusOffline)

	srv.alertTick()
	if sink.count() != 0 {
		t.Fatalf("expected alert tick to be a no-op when AlertTimeout <= 0, got %d", sink.count())
	}
}

func TestConnectIsNoopBeforeStart(t *testing.T) {
	srv, _, _ := newTestServer(&fakeAlertSink{}, time.Minute)
	// passiveReq is nil until Start; Connect must not panic or block.
	srv.Connect(uuid.New())
	if got := srv.Connecting(); len(got) != 0 {
		t.Fatalf("expected no connecting agents before Start, got %v", got)
	}
}

func TestIsRunningFalseBeforeStart(t *testing.T) {
	srv, _, _ := newTestServer(&fakeAlertSink{}, time.Minute)
	if srv.IsRunning() {
		t.Fatal("expected a freshly constructed Server to not be running")
	}
}

func TestUpdateSettingsAppliesToHotSettings(t *testing.T) {
	srv, _, _ := newTestServer(&fakeAlertSink{}, time.Minute)
	srv.UpdateSettings(Settings{MsgTimeout: 42 * time.Second, AlertTimeout: 7 * time.Second})
	got := srv.hotSettings()
	if got.MsgTimeout != 42*time.Second || got.AlertTimeout != 7*time.Second {
		t.Fatalf("unexpected hot settings: %+v", got)
	}
}
