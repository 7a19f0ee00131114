// Package monitorserver implements the server lifecycle (component D):
// the TCP accept loop, the outbound passive-connect supervisor, the 5s
// offline-alert tick, and start/stop/restart.
package monitorserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ministruth/monitor/internal/alert"
	"github.com/ministruth/monitor/internal/directory"
	"github.com/ministruth/monitor/internal/metrics"
	"github.com/ministruth/monitor/internal/session"
)

// alertTickInterval is the fixed cadence of the offline-alert check.
const alertTickInterval = 5 * time.Second

// PassiveAgentRecord is the persistent row shape the passive-connect
// supervisor needs — a narrow local copy of internal/store's model to avoid
// a monitorserver -> store import.
type PassiveAgentRecord struct {
	ID        uuid.UUID
	Name      string
	Address   string
	RetryTime int // seconds; 0 = "try once, do not retry"
}

// PassiveAgentStore is the subset of the persistent PassiveAgentStore
// contract the passive-connect supervisor depends on.
type PassiveAgentStore interface {
	List(ctx context.Context) ([]PassiveAgentRecord, error)
	Get(ctx context.Context, id uuid.UUID) (*PassiveAgentRecord, error)
}

// Settings is the hot, read-many/write-rare copy of the settings that
// affect the server loop, refreshed on settings change.
type Settings struct {
	MsgTimeout   time.Duration
	AlertTimeout time.Duration
}

// Config bundles everything the Server needs beyond its listen address and
// secret key.
type Config struct {
	Directory   *directory.Directory
	PassiveAgents PassiveAgentStore
	AgentStore  session.AgentInfoStore
	ShellRouter session.ShellRouter
	BinProvider session.BinaryProvider
	AlertSink   alert.Sink
	Logger      *zap.Logger
}

// Server implements start/stop/is_running and owns the listener, the
// passive-connect supervisor, and the alert tick.
type Server struct {
	cfg Config

	mu         sync.Mutex
	running    bool
	listener   net.Listener
	shutdown   chan struct{}
	passiveReq chan uuid.UUID
	scheduler  gocron.Scheduler

	connMu     sync.Mutex
	connecting map[uuid.UUID]struct{}

	alertMu     sync.Mutex
	lastAlerted map[uuid.UUID]int64 // agent id -> last_rsp we already alerted on

	wg sync.WaitGroup

	secretKey []byte
	settings  Settings
}

// New builds an idle Server. Call Start to bind and begin serving.
func New(cfg Config, settings Settings) *Server {
	return &Server{
		cfg:         cfg,
		connecting:  make(map[uuid.UUID]struct{}),
		lastAlerted: make(map[uuid.UUID]int64),
		settings:    settings,
	}
}

// UpdateSettings refreshes the hot settings copy (msg_timeout, alert_timeout)
// without requiring a restart.
func (s *Server) UpdateSettings(settings Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
}

// IsRunning reflects the running flag, polled by the restart protocol.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start binds addr, loads persisted passive agents, and enters the main
// loop in a background goroutine. secretKey is the server's secp256k1
// handshake key.
func (s *Server) Start(ctx context.Context, addr string, secretKey []byte) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("monitorserver: already running")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("monitorserver: listen %s: %w", addr, err)
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		ln.Close()
		s.mu.Unlock()
		return fmt.Errorf("monitorserver: create scheduler: %w", err)
	}

	s.listener = ln
	s.secretKey = secretKey
	s.shutdown = make(chan struct{})
	s.passiveReq = make(chan uuid.UUID, 64)
	s.scheduler = sched
	s.running = true
	s.mu.Unlock()

	if _, err := sched.NewJob(
		gocron.DurationJob(alertTickInterval),
		gocron.NewTask(s.alertTick),
	); err != nil {
		return fmt.Errorf("monitorserver: schedule alert tick: %w", err)
	}
	sched.Start()

	rows, err := s.cfg.PassiveAgents.List(ctx)
	if err != nil {
		s.cfg.Logger.Warn("load passive agents failed", zap.Error(err))
	} else {
		for _, row := range rows {
			s.passiveReq <- row.ID
		}
	}

	s.wg.Add(1)
	go s.acceptLoop()
	s.wg.Add(1)
	go s.passiveDispatchLoop()

	s.cfg.Logger.Info("monitor server started", zap.String("addr", addr))
	return nil
}

// Stop broadcasts shutdown and blocks until every session, the accept loop,
// and the scheduler have exited; it does not reuse the listener — a
// subsequent Start rebinds fresh rather than reusing any prior state.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.shutdown)
	ln := s.listener
	sched := s.scheduler
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	if sched != nil {
		_ = sched.Shutdown()
	}
	s.wg.Wait()
	s.cfg.Logger.Info("monitor server stopped")
}

// Restart stops the server, polls IsRunning up to N times at 1s intervals
// to let the previous listener and sessions fully drain, then starts again
// with the new address/key.
func (s *Server) Restart(ctx context.Context, addr string, secretKey []byte) error {
	s.Stop()
	for i := 0; i < 10 && s.IsRunning(); i++ {
		time.Sleep(time.Second)
	}
	return s.Start(ctx, addr, secretKey)
}

// Connect enqueues paid on the passive-request channel unless it is already
// connecting.
func (s *Server) Connect(paid uuid.UUID) {
	s.connMu.Lock()
	_, already := s.connecting[paid]
	s.connMu.Unlock()
	if already {
		return
	}
	select {
	case s.passiveReq <- paid:
	default:
	}
}

// Connecting returns the set of currently-connecting passive agent ids, for
// the REST surface to render active/inactive per PassiveAgentRecord.
func (s *Server) Connecting() []uuid.UUID {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	out := make([]uuid.UUID, 0, len(s.connecting))
	for id := range s.connecting {
		out = append(out, id)
	}
	return out
}

func (s *Server) hotSettings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// acceptLoop is the listener's main loop. Closing the listener in Stop
// unblocks Accept, which then observes shutdown and exits.
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				s.cfg.Logger.Warn("accept failed", zap.Error(err))
				continue
			}
		}

		s.wg.Add(1)
		go s.runSession(conn)
	}
}

// passiveDispatchLoop spawns a passive-connect goroutine per requested
// PassiveAgentId, running independently of acceptLoop so a pending passive
// connect is never stuck behind a blocked inbound Accept.
func (s *Server) passiveDispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.shutdown:
			return
		case paid := <-s.passiveReq:
			s.wg.Add(1)
			go s.runPassive(paid)
		}
	}
}

func (s *Server) sessionConfig() session.Config {
	settings := s.hotSettings()
	return session.Config{
		SecretKey:   s.secretKey,
		Directory:   s.cfg.Directory,
		Store:       s.cfg.AgentStore,
		ShellRouter: s.cfg.ShellRouter,
		BinProvider: s.cfg.BinProvider,
		Logger:      s.cfg.Logger,
		MsgTimeout:  settings.MsgTimeout,
	}
}

func (s *Server) runSession(conn net.Conn) {
	defer s.wg.Done()
	h := session.New(s.sessionConfig(), conn)
	if err := h.Run(context.Background(), s.shutdown); err != nil {
		s.cfg.Logger.Debug("session ended", zap.Error(err))
	}
}

// runPassive dials out to a configured passive agent, runs the session as
// if it were inbound, and retries every retry_time seconds until the
// record disappears or retry_time is 0 (try once, never retry).
func (s *Server) runPassive(paid uuid.UUID) {
	defer s.wg.Done()

	s.connMu.Lock()
	s.connecting[paid] = struct{}{}
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		delete(s.connecting, paid)
		s.connMu.Unlock()
	}()

	for {
		row, err := s.cfg.PassiveAgents.Get(context.Background(), paid)
		if err != nil {
			s.cfg.Logger.Warn("load passive agent failed", zap.Error(err))
			return
		}
		if row == nil {
			return
		}

		conn, err := net.Dial("tcp", row.Address)
		if err != nil {
			s.cfg.Logger.Warn("passive connect failed", zap.String("address", row.Address), zap.Error(err))
		} else {
			s.runSessionInline(conn)
		}

		if row.RetryTime == 0 {
			return
		}

		select {
		case <-s.shutdown:
			return
		case <-time.After(time.Duration(row.RetryTime) * time.Second):
		}
	}
}

// runSessionInline runs a session handler to completion on the calling
// goroutine, for the passive loop's own retry iteration (unlike runSession,
// which is the accept loop's fire-and-forget spawn).
func (s *Server) runSessionInline(conn net.Conn) {
	h := session.New(s.sessionConfig(), conn)
	if err := h.Run(context.Background(), s.shutdown); err != nil {
		s.cfg.Logger.Debug("passive session ended", zap.Error(err))
	}
}

// alertTick scans every agent not Online with a stale last_rsp and emits
// one deduplicated alert each; re-alerting only happens once last_rsp
// advances (a reconnect-and-drop-again), never on every tick.
func (s *Server) alertTick() {
	settings := s.hotSettings()
	if settings.AlertTimeout <= 0 {
		return
	}
	now := time.Now().UnixMilli()
	thresholdMs := settings.AlertTimeout.Milliseconds()

	for _, rec := range s.cfg.Directory.All() {
		if rec.Status == directory.StatusOnline || rec.LastRsp == nil {
			continue
		}
		if now-*rec.LastRsp <= thresholdMs {
			continue
		}

		s.alertMu.Lock()
		already := s.lastAlerted[rec.ID] == *rec.LastRsp
		if !already {
			s.lastAlerted[rec.ID] = *rec.LastRsp
		}
		s.alertMu.Unlock()
		if already {
			continue
		}

		body := fmt.Sprintf("Agent '%s' is offline for %d seconds", rec.Name, settings.AlertTimeout/time.Second)
		metrics.OfflineAlerts.Inc()
		if err := s.cfg.AlertSink.Send(context.Background(), "Warning", body, ""); err != nil {
			s.cfg.Logger.Warn("alert sink failed", zap.String("agent_id", rec.ID.String()), zap.Error(err))
		}
	}
}
