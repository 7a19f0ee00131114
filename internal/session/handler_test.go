package session_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ministruth/monitor/internal/directory"
	"github.com/ministruth/monitor/internal/session"
	"github.com/ministruth/monitor/internal/wire"
)

type fakeAgentStore struct {
	mu    sync.Mutex
	byUid map[string]*directory.StoredAgent
}

func newFakeAgentStore() *fakeAgentStore {
	return &fakeAgentStore{byUid: make(map[string]*directory.StoredAgent)}
}

func (f *fakeAgentStore) GetByUid(_ context.Context, uid string) (*directory.StoredAgent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.byUid[uid]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (f *fakeAgentStore) Create(_ context.Context, agent *directory.StoredAgent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *agent
	f.byUid[agent.Uid] = &cp
	return nil
}

func (f *fakeAgentStore) Touch(_ context.Context, id uuid.UUID, ip string, lastLogin int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.byUid {
		if row.ID == id {
			row.Ip, row.LastLogin = ip, lastLogin
		}
	}
	return nil
}

func (f *fakeAgentStore) List(_ context.Context) ([]directory.StoredAgent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]directory.StoredAgent, 0, len(f.byUid))
	for _, row := range f.byUid {
		out = append(out, *row)
	}
	return out, nil
}

func (f *fakeAgentStore) idFor(uid string) (uuid.UUID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.byUid[uid]
	if !ok {
		return uuid.Nil, false
	}
	return row.ID, true
}

type fakeInfoStore struct {
	mu    sync.Mutex
	saved map[uuid.UUID]session.AgentInfo
}

func newFakeInfoStore() *fakeInfoStore {
	return &fakeInfoStore{saved: make(map[uuid.UUID]session.AgentInfo)}
}

func (f *fakeInfoStore) SaveInfo(_ context.Context, id uuid.UUID, info session.AgentInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[id] = info
	return nil
}

func (f *fakeInfoStore) get(id uuid.UUID) (session.AgentInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.saved[id]
	return info, ok
}

type fakeShellRouter struct {
	mu     sync.Mutex
	output map[string][]byte
	errs   map[string]string
}

func newFakeShellRouter() *fakeShellRouter {
	return &fakeShellRouter{output: make(map[string][]byte), errs: make(map[string]string)}
}

func (f *fakeShellRouter) RouteOutput(token string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.output[token] = append(f.output[token], data...)
}

func (f *fakeShellRouter) RouteError(token string, errMsg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[token] = errMsg
}

// testHarness wires a Handler over one end of a net.Pipe and drives the
// other end by hand, playing the role of a connecting agent.
type testHarness struct {
	t            *testing.T
	serverSecret []byte
	serverPub    []byte
	agents       *fakeAgentStore
	infos        *fakeInfoStore
	shell        *fakeShellRouter
	dir          *directory.Directory
	clientConn   net.Conn
	serverConn   net.Conn
	runErr       chan error
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	secret, pub, err := wire.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	agents := newFakeAgentStore()
	server, client := net.Pipe()
	return &testHarness{
		t:            t,
		serverSecret: secret,
		serverPub:    pub,
		agents:       agents,
		infos:        newFakeInfoStore(),
		shell:        newFakeShellRouter(),
		dir:          directory.New(agents),
		clientConn:   client,
		serverConn:   server,
		runErr:       make(chan error, 1),
	}
}

func (h *testHarness) start() {
	cfg := session.Config{
		SecretKey:   h.serverSecret,
		Directory:   h.dir,
		Store:       h.infos,
		ShellRouter: h.shell,
		Logger:      zap.NewNop(),
		MsgTimeout:  5 * time.Second,
	}
	handler := session.New(cfg, h.serverConn)
	shutdown := make(chan struct{})
	go func() {
		h.runErr <- handler.Run(context.Background(), shutdown)
	}()
}

// handshake encrypts and sends a handshake frame for uid using a fresh
// session key, then reads and decrypts the HandshakeRsp, returning the
// session cipher for subsequent steady-state traffic.
func (h *testHarness) handshake(uid string) (*wire.SessionCipher, wire.HandshakeStatus) {
	h.t.Helper()
	sessionKey := make([]byte, 32)
	for i := range sessionKey {
		sessionKey[i] = byte(i + 1)
	}
	plaintext := wire.BuildHandshakePlaintext(sessionKey, uid)
	ciphertext, err := wire.EciesEncrypt(h.serverPub, plaintext)
	if err != nil {
		h.t.Fatalf("EciesEncrypt: %v", err)
	}
	if err := wire.WriteFrame(h.clientConn, ciphertext); err != nil {
		h.t.Fatalf("WriteFrame handshake: %v", err)
	}

	clientReader := wire.NewFrameReader(h.clientConn, wire.MaxFrameLen)
	respFrame, err := clientReader.ReadFrame(5 * time.Second)
	if err != nil {
		h.t.Fatalf("read handshake response: %v", err)
	}

	cipher, err := wire.NewSessionCipher(sessionKey)
	if err != nil {
		h.t.Fatalf("NewSessionCipher: %v", err)
	}
	opened, err := cipher.Open(respFrame)
	if err != nil {
		h.t.Fatalf("open handshake response: %v", err)
	}
	msg, err := wire.Unmarshal(opened)
	if err != nil {
		h.t.Fatalf("unmarshal handshake response: %v", err)
	}
	rsp, ok := msg.Data.(wire.HandshakeRsp)
	if !ok {
		h.t.Fatalf("expected HandshakeRsp, got %T", msg.Data)
	}
	return cipher, rsp.Status
}

func (h *testHarness) sendSteady(cipher *wire.SessionCipher, seq uint64, data wire.Payload) {
	h.t.Helper()
	plaintext := wire.Marshal(&wire.Message{Seq: seq, Data: data})
	sealed, err := cipher.Seal(plaintext)
	if err != nil {
		h.t.Fatalf("Seal: %v", err)
	}
	if err := wire.WriteFrame(h.clientConn, sealed); err != nil {
		h.t.Fatalf("WriteFrame steady: %v", err)
	}
}

func TestHandshakeAdmitsNewAgent(t *testing.T) {
	h := newTestHarness(t)
	h.start()
	defer h.clientConn.Close()

	_, status := h.handshake("agent-new")
	if status != wire.HandshakeSuccess {
		t.Fatalf("expected HandshakeSuccess, got %v", status)
	}

	id, ok := h.agents.idFor("agent-new")
	if !ok {
		t.Fatal("expected agent row to be created")
	}
	rec, ok := h.dir.Get(id)
	if !ok {
		t.Fatal("expected directory record for admitted agent")
	}
	if rec.Snapshot().Status != directory.StatusOnline {
		t.Fatal("expected agent to be online after a successful handshake")
	}

	h.clientConn.Close()
	if err := <-h.runErr; err == nil {
		t.Log("Run returned nil on client disconnect, acceptable")
	}
}

func TestHandshakeRejectsSecondConcurrentSession(t *testing.T) {
	h := newTestHarness(t)

	// Pre-admit the agent directly, simulating an existing live session.
	if _, ok, err := h.dir.Login(context.Background(), "agent-dup", fakeAddr{"10.0.0.1:1"}); err != nil || !ok {
		t.Fatalf("pre-login failed: ok=%v err=%v", ok, err)
	}

	h.start()
	defer h.clientConn.Close()

	_, status := h.handshake("agent-dup")
	if status != wire.HandshakeLogined {
		t.Fatalf("expected HandshakeLogined (already online), got %v", status)
	}

	<-h.runErr
}

func TestSteadyStateInfoPersistsAndUpdatesDirectory(t *testing.T) {
	h := newTestHarness(t)
	h.start()
	defer h.clientConn.Close()

	cipher, status := h.handshake("agent-info")
	if status != wire.HandshakeSuccess {
		t.Fatalf("expected HandshakeSuccess, got %v", status)
	}
	id, _ := h.agents.idFor("agent-info")

	h.sendSteady(cipher, 1, wire.Info{
		Os: "linux", System: "ubuntu", Arch: "arm64", Hostname: "edge-1",
		Ip: "10.1.1.1", Endpoint: "10.1.1.1:443", ReportRate: 30,
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := h.infos.get(id); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for SaveInfo to be called")
		}
		time.Sleep(time.Millisecond)
	}

	rec, _ := h.dir.Get(id)
	snap := rec.Snapshot()
	if snap.Os != "linux" || snap.Hostname != "edge-1" {
		t.Fatalf("directory not updated from Info: %+v", snap)
	}
}

func TestSteadyStateShellOutputRoutedToBridge(t *testing.T) {
	h := newTestHarness(t)
	h.start()
	defer h.clientConn.Close()

	cipher, status := h.handshake("agent-shell")
	if status != wire.HandshakeSuccess {
		t.Fatalf("expected HandshakeSuccess, got %v", status)
	}

	h.sendSteady(cipher, 1, wire.ShellOutput{Token: "tok-xyz", Data: []byte("output line\n")})

	deadline := time.Now().Add(2 * time.Second)
	for {
		h.shell.mu.Lock()
		got := string(h.shell.output["tok-xyz"])
		h.shell.mu.Unlock()
		if got == "output line\n" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for routed shell output, got %q", got)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRunReturnsOnShutdownSignal(t *testing.T) {
	h := newTestHarness(t)
	cfg := session.Config{
		SecretKey:  h.serverSecret,
		Directory:  h.dir,
		Store:      h.infos,
		Logger:     zap.NewNop(),
		MsgTimeout: 5 * time.Second,
	}
	handler := session.New(cfg, h.serverConn)
	shutdown := make(chan struct{})
	runErr := make(chan error, 1)
	go func() { runErr <- handler.Run(context.Background(), shutdown) }()

	h.handshake("agent-shutdown")
	close(shutdown)

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("expected nil error on shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return after shutdown signal")
	}
}

type fakeAddr struct{ s string }

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return a.s }
