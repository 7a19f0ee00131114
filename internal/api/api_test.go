package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ministruth/monitor/internal/api"
	"github.com/ministruth/monitor/internal/directory"
	"github.com/ministruth/monitor/internal/facade"
	"github.com/ministruth/monitor/internal/monitorserver"
	"github.com/ministruth/monitor/internal/shellbridge"
	"github.com/ministruth/monitor/internal/store"
)

type fakeDirStore struct{}

func (fakeDirStore) GetByUid(context.Context, string) (*directory.StoredAgent, error) {
	return nil, nil
}
func (fakeDirStore) Create(context.Context, *directory.StoredAgent) error   { return nil }
func (fakeDirStore) Touch(context.Context, uuid.UUID, string, int64) error  { return nil }
func (fakeDirStore) List(context.Context) ([]directory.StoredAgent, error) { return nil, nil }

type fakeAddr struct{ s string }

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return a.s }

type fakeFacadeStore struct {
	renameConflict bool
	deleteFound    bool
}

func (f *fakeFacadeStore) Rename(context.Context, uuid.UUID, string) (bool, error) {
	return f.renameConflict, nil
}
func (f *fakeFacadeStore) Delete(context.Context, uuid.UUID) (bool, error) {
	return f.deleteFound, nil
}

type fakePassiveStore struct {
	rows []monitorserver.PassiveAgentRecord
}

func (f *fakePassiveStore) List(context.Context) ([]monitorserver.PassiveAgentRecord, error) {
	return f.rows, nil
}
func (f *fakePassiveStore) Get(_ context.Context, id uuid.UUID) (*monitorserver.PassiveAgentRecord, error) {
	for _, r := range f.rows {
		if r.ID == id {
			cp := r
			return &cp, nil
		}
	}
	return nil, nil
}
func (f *fakePassiveStore) Create(_ context.Context, name, address string, retryTime int) (*monitorserver.PassiveAgentRecord, error) {
	for _, r := range f.rows {
		if r.Name == name {
			return nil, store.ErrConflict
		}
	}
	rec := monitorserver.PassiveAgentRecord{ID: uuid.New(), Name: name, Address: address, RetryTime: retryTime}
	f.rows = append(f.rows, rec)
	return &rec, nil
}
func (f *fakePassiveStore) Update(_ context.Context, id uuid.UUID, name, address string, retryTime int) error {
	for i, r := range f.rows {
		if r.ID == id {
			f.rows[i].Name, f.rows[i].Address, f.rows[i].RetryTime = name, address, retryTime
			return nil
		}
	}
	return store.ErrNotFound
}
func (f *fakePassiveStore) Delete(_ context.Context, id uuid.UUID) error {
	for i, r := range f.rows {
		if r.ID == id {
			f.rows = append(f.rows[:i], f.rows[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

type fakeConnector struct {
	connected []uuid.UUID
}

func (f *fakeConnector) Connect(id uuid.UUID)      { f.connected = append(f.connected, id) }
func (f *fakeConnector) Connecting() []uuid.UUID   { return nil }

type fakeSettingStore struct {
	view  store.SettingsView
	shell []string
}

func (f *fakeSettingStore) Get(context.Context) (store.SettingsView, error) { return f.view, nil }
func (f *fakeSettingStore) Put(_ context.Context, view store.SettingsView) error {
	f.view = view
	return nil
}
func (f *fakeSettingStore) GetShell(context.Context) ([]string, error) { return f.shell, nil }
func (f *fakeSettingStore) SetShell(_ context.Context, shell []string) error {
	f.shell = shell
	return nil
}
func (f *fakeSettingStore) SetCertificate(_ context.Context, key []byte) error {
	f.view.Certificate = key
	return nil
}

type fakeServerController struct {
	running    bool
	startCalls int
	stopCalls  int
}

func (f *fakeServerController) UpdateSettings(monitorserver.Settings) {}
func (f *fakeServerController) IsRunning() bool                      { return f.running }
func (f *fakeServerController) Start(context.Context, string, []byte) error {
	f.startCalls++
	f.running = true
	return nil
}
func (f *fakeServerController) Stop() {
	f.stopCalls++
	f.running = false
}
func (f *fakeServerController) Restart(context.Context, string, []byte) error {
	return nil
}

// newTestRouter wires a fresh facade/directory plus the fakes above into a
// real chi router, mirroring how cmd/monitord assembles NewRouter.
func newTestRouter(t *testing.T) (http.Handler, *directory.Directory, *fakeFacadeStore) {
	t.Helper()
	dir := directory.New(fakeDirStore{})
	fstore := &fakeFacadeStore{}
	f := facade.New(dir, fstore)
	bridge := shellbridge.New(dir, api.NewShellHub())

	r := api.NewRouter(api.RouterConfig{
		Facade:        f,
		PassiveAgents: &fakePassiveStore{},
		PassiveConn:   &fakeConnector{},
		Settings:      &fakeSettingStore{},
		Server:        &fakeServerController{},
		ShellHandler:  api.NewShellHandler(bridge, api.NewShellHub(), zap.NewNop()),
		Logger:        zap.NewNop(),
	})
	return r, dir, fstore
}

func newOnlineAgent(t *testing.T, dir *directory.Directory, uid string) uuid.UUID {
	t.Helper()
	id, ok, err := dir.Login(context.Background(), uid, fakeAddr{"10.0.0.1:1"})
	if err != nil || !ok {
		t.Fatalf("login failed: ok=%v err=%v", ok, err)
	}
	if _, ok := dir.BindMessage(id); !ok {
		t.Fatal("BindMessage failed")
	}
	return id
}

func decodeEnvelope(t *testing.T, body *bytes.Buffer) map[string]json.RawMessage {
	t.Helper()
	var env map[string]json.RawMessage
	if err := json.Unmarshal(body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestListAgentsEmpty(t *testing.T) {
	router, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	env := decodeEnvelope(t, rec.Body)
	var items []json.RawMessage
	if err := json.Unmarshal(env["data"], &items); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no agents, got %d", len(items))
	}
}

func TestListAgentsReturnsOnlineAgent(t *testing.T) {
	router, dir, _ := newTestRouter(t)
	newOnlineAgent(t, dir, "agent-1")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	env := decodeEnvelope(t, rec.Body)
	var items []map[string]any
	if err := json.Unmarshal(env["data"], &items); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(items) != 1 || items[0]["uid"] != "agent-1" {
		t.Fatalf("unexpected agent list: %v", items)
	}
}

func TestRenameAgentMissingBody(t *testing.T) {
	router, dir, _ := newTestRouter(t)
	id := newOnlineAgent(t, dir, "agent-rename")

	req := httptest.NewRequest(http.MethodPut, "/api/v1/agents/"+id.String(), bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty name, got %d: %s", rec.Code, rec.Body)
	}
}

func TestRenameAgentInvalidID(t *testing.T) {
	router, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/agents/not-a-uuid", bytes.NewBufferString(`{"name":"x"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", rec.Code)
	}
}

func TestRenameAgentSuccess(t *testing.T) {
	router, dir, _ := newTestRouter(t)
	id := newOnlineAgent(t, dir, "agent-rename-2")

	req := httptest.NewRequest(http.MethodPut, "/api/v1/agents/"+id.String(), bytes.NewBufferString(`{"name":"new-name"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body)
	}
	rec2, _ := dir.Get(id)
	if rec2.Snapshot().Name != "new-name" {
		t.Fatal("expected directory name updated")
	}
}

func TestRunCommandOnUnknownAgentReturns404(t *testing.T) {
	router, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/"+uuid.New().String()+"/commands",
		bytes.NewBufferString(`{"cmd":"ls"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRunCommandOfflineAgentReturnsUnprocessable(t *testing.T) {
	router, dir, _ := newTestRouter(t)
	id, _, _ := dir.Login(context.Background(), "agent-offline", fakeAddr{"10.0.0.9:1"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/"+id.String()+"/commands",
		bytes.NewBufferString(`{"cmd":"ls"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestRunCommandThenPollOutput(t *testing.T) {
	router, dir, _ := newTestRouter(t)
	id := newOnlineAgent(t, dir, "agent-cmd")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/"+id.String()+"/commands",
		bytes.NewBufferString(`{"cmd":"uname -a"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	env := decodeEnvelope(t, rec.Body)
	var created map[string]string
	if err := json.Unmarshal(env["data"], &created); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	cmdID := created["command_id"]
	if cmdID == "" {
		t.Fatal("expected non-empty command_id")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/agents/"+id.String()+"/commands/"+cmdID, nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 polling pending command, got %d", rec2.Code)
	}
}

func TestGetCommandOutputUnknownCommandReturns404(t *testing.T) {
	router, dir, _ := newTestRouter(t)
	id := newOnlineAgent(t, dir, "agent-cmd-2")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/"+id.String()+"/commands/no-such-cmd", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSendFileRequiresBase64Data(t *testing.T) {
	router, dir, _ := newTestRouter(t)
	id := newOnlineAgent(t, dir, "agent-file")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/"+id.String()+"/files",
		bytes.NewBufferString(`{"path":"/tmp/x","data":"not-valid-base64!!"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad base64, got %d", rec.Code)
	}
}

func TestSendFileSuccess(t *testing.T) {
	router, dir, _ := newTestRouter(t)
	id := newOnlineAgent(t, dir, "agent-file-2")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/"+id.String()+"/files",
		bytes.NewBufferString(`{"path":"/tmp/x","data":"aGVsbG8="}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
}

func TestDeleteAgentNotFound(t *testing.T) {
	router, _, fstore := newTestRouter(t)
	fstore.deleteFound = false

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/agents/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDeleteAgentSuccess(t *testing.T) {
	router, dir, fstore := newTestRouter(t)
	fstore.deleteFound = true
	id := newOnlineAgent(t, dir, "agent-del")

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/agents/"+id.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if _, ok := dir.Get(id); ok {
		t.Fatal("expected directory record removed")
	}
}

func TestReconnectUnknownAgentReturns404(t *testing.T) {
	router, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/"+uuid.New().String()+"/reconnect", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestPassiveAgentsCreateListActivateDelete(t *testing.T) {
	dir := directory.New(fakeDirStore{})
	f := facade.New(dir, &fakeFacadeStore{})
	bridge := shellbridge.New(dir, api.NewShellHub())
	passive := &fakePassiveStore{}
	connector := &fakeConnector{}

	router := api.NewRouter(api.RouterConfig{
		Facade:        f,
		PassiveAgents: passive,
		PassiveConn:   connector,
		Settings:      &fakeSettingStore{},
		Server:        &fakeServerController{},
		ShellHandler:  api.NewShellHandler(bridge, api.NewShellHub(), zap.NewNop()),
		Logger:        zap.NewNop(),
	})

	createReq := httptest.NewRequest(http.MethodPost, "/api/v1/passive_agents",
		bytes.NewBufferString(`{"name":"edge-1","address":"10.0.0.5:7700","retry_time":30}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, createReq)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	env := decodeEnvelope(t, rec.Body)
	var created map[string]any
	if err := json.Unmarshal(env["data"], &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	id := created["id"].(string)

	dupReq := httptest.NewRequest(http.MethodPost, "/api/v1/passive_agents",
		bytes.NewBufferString(`{"name":"edge-1","address":"10.0.0.6:7700","retry_time":0}`))
	dupRec := httptest.NewRecorder()
	router.ServeHTTP(dupRec, dupReq)
	if dupRec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate name, got %d", dupRec.Code)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/passive_agents", nil)
	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", listRec.Code)
	}

	activateReq := httptest.NewRequest(http.MethodPost, "/api/v1/passive_agents/"+id+"/activate", nil)
	activateRec := httptest.NewRecorder()
	router.ServeHTTP(activateRec, activateReq)
	if activateRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on activate, got %d", activateRec.Code)
	}
	if len(connector.connected) != 1 {
		t.Fatal("expected Connect called once")
	}

	deleteReq := httptest.NewRequest(http.MethodDelete, "/api/v1/passive_agents/"+id, nil)
	deleteRec := httptest.NewRecorder()
	router.ServeHTTP(deleteRec, deleteReq)
	if deleteRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on delete, got %d", deleteRec.Code)
	}

	deleteAgainRec := httptest.NewRecorder()
	router.ServeHTTP(deleteAgainRec, httptest.NewRequest(http.MethodDelete, "/api/v1/passive_agents/"+id, nil))
	if deleteAgainRec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 deleting an already-deleted row, got %d", deleteAgainRec.Code)
	}
}

func TestPassiveAgentCreateValidationRejectsEmptyName(t *testing.T) {
	router, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/passive_agents",
		bytes.NewBufferString(`{"name":"","address":"1.2.3.4:1","retry_time":0}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSettingsGetAndPutRoundTrip(t *testing.T) {
	dir := directory.New(fakeDirStore{})
	f := facade.New(dir, &fakeFacadeStore{})
	bridge := shellbridge.New(dir, api.NewShellHub())
	settings := &fakeSettingStore{}

	router := api.NewRouter(api.RouterConfig{
		Facade:        f,
		PassiveAgents: &fakePassiveStore{},
		PassiveConn:   &fakeConnector{},
		Settings:      settings,
		Server:        &fakeServerController{},
		ShellHandler:  api.NewShellHandler(bridge, api.NewShellHub(), zap.NewNop()),
		Logger:        zap.NewNop(),
	})

	putReq := httptest.NewRequest(http.MethodPut, "/api/v1/settings",
		bytes.NewBufferString(`{"address":"0.0.0.0:7700","msg_timeout":30,"alert_timeout":60}`))
	putRec := httptest.NewRecorder()
	router.ServeHTTP(putRec, putReq)
	if putRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", putRec.Code, putRec.Body)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/settings", nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", getRec.Code)
	}
	env := decodeEnvelope(t, getRec.Body)
	var view map[string]any
	if err := json.Unmarshal(env["data"], &view); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if view["address"] != "0.0.0.0:7700" {
		t.Fatalf("expected persisted address round tripped, got %v", view["address"])
	}
}

func TestSettingsPutRejectsNegativeTimeouts(t *testing.T) {
	router, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/settings",
		bytes.NewBufferString(`{"address":"x","msg_timeout":-1,"alert_timeout":60}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSettingsShellRoundTrip(t *testing.T) {
	router, _, _ := newTestRouter(t)
	putReq := httptest.NewRequest(http.MethodPut, "/api/v1/settings/shell",
		bytes.NewBufferString(`{"shell":["/bin/bash","/bin/sh"]}`))
	putRec := httptest.NewRecorder()
	router.ServeHTTP(putRec, putReq)
	if putRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", putRec.Code)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/settings/shell", nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", getRec.Code)
	}
	env := decodeEnvelope(t, getRec.Body)
	var body map[string][]string
	if err := json.Unmarshal(env["data"], &body); err != nil {
		t.Fatalf("decode shell: %v", err)
	}
	if len(body["shell"]) != 2 {
		t.Fatalf("expected 2 shells round tripped, got %v", body["shell"])
	}
}

func TestServerActionStartRequiresCertificate(t *testing.T) {
	router, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/settings/server", bytes.NewBufferString(`{"start":true}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without a certificate configured, got %d", rec.Code)
	}
}

func TestServerActionStop(t *testing.T) {
	dir := directory.New(fakeDirStore{})
	f := facade.New(dir, &fakeFacadeStore{})
	bridge := shellbridge.New(dir, api.NewShellHub())
	ctrl := &fakeServerController{running: true}

	router := api.NewRouter(api.RouterConfig{
		Facade:        f,
		PassiveAgents: &fakePassiveStore{},
		PassiveConn:   &fakeConnector{},
		Settings:      &fakeSettingStore{},
		Server:        ctrl,
		ShellHandler:  api.NewShellHandler(bridge, api.NewShellHub(), zap.NewNop()),
		Logger:        zap.NewNop(),
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/settings/server", bytes.NewBufferString(`{"start":false}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if ctrl.stopCalls != 1 {
		t.Fatal("expected Stop called once")
	}
}
