package directory

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/ministruth/monitor/internal/metrics"
)

// StoredAgent is the persistent-row shape the Directory needs from an
// AgentStore to implement login — see internal/store for the concrete
// GORM-backed implementation. Kept minimal and local to this package so
// internal/directory does not import internal/store.
type StoredAgent struct {
	ID        uuid.UUID
	Uid       string
	Name      string
	Ip        string
	LastLogin int64
}

// AgentStore is the subset of the persistent AgentStore contract the
// directory's login and startup-hydration paths depend on.
type AgentStore interface {
	GetByUid(ctx context.Context, uid string) (*StoredAgent, error)
	Create(ctx context.Context, agent *StoredAgent) error
	Touch(ctx context.Context, id uuid.UUID, ip string, lastLogin int64) error
	List(ctx context.Context) ([]StoredAgent, error)
}

// outboundBuffer bounds the otherwise-unbounded per-agent outbound queue so
// a stalled connection cannot grow memory without limit; sized generously
// relative to realistic command/status traffic.
const outboundBuffer = 256

// Directory is the concurrent AgentId -> AgentRecord map (component C).
type Directory struct {
	store AgentStore

	mu      sync.RWMutex
	records map[uuid.UUID]*AgentRecord
}

// New builds an empty Directory backed by store for login persistence.
func New(store AgentStore) *Directory {
	return &Directory{
		store:   store,
		records: make(map[uuid.UUID]*AgentRecord),
	}
}

// Hydrate preloads every persisted agent as an Offline record, so agents
// that exist in the store from a previous run but have not reconnected
// this process lifetime still appear in All() rather than only the ones
// that have logged in since startup.
func (d *Directory) Hydrate(ctx context.Context) error {
	rows, err := d.store.List(ctx)
	if err != nil {
		return fmt.Errorf("directory: hydrate: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, row := range rows {
		if _, exists := d.records[row.ID]; exists {
			continue
		}
		rec := newAgentRecord(row.ID, row.Uid)
		rec.Name = row.Name
		rec.Ip = row.Ip
		rec.LastLogin = row.LastLogin
		d.records[row.ID] = rec
	}
	metrics.KnownAgents.Set(float64(len(d.records)))
	return nil
}

func (d *Directory) recordLocked(id uuid.UUID) (*AgentRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.records[id]
	return r, ok
}

// Get returns the live record for id, if any.
func (d *Directory) Get(id uuid.UUID) (*AgentRecord, bool) {
	return d.recordLocked(id)
}

// All returns a snapshot of every known agent, online or offline.
func (d *Directory) All() []Snapshot {
	d.mu.RLock()
	recs := make([]*AgentRecord, 0, len(d.records))
	for _, r := range d.records {
		recs = append(recs, r)
	}
	d.mu.RUnlock()

	out := make([]Snapshot, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Snapshot())
	}
	return out
}

// Login finds or creates the persistent row by uid, then admits the
// in-memory record if it is absent or Offline. Returns the AgentId and true
// on success; false means "already online" (a concurrent session exists)
// and the caller must reject the handshake.
func (d *Directory) Login(ctx context.Context, uid string, addr net.Addr) (uuid.UUID, bool, error) {
	row, err := d.store.GetByUid(ctx, uid)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("directory: lookup agent by uid: %w", err)
	}

	ip := hostOf(addr)
	now := nowMs()
	existingRow := row != nil

	if row == nil {
		row = &StoredAgent{
			ID:        uuid.New(),
			Uid:       uid,
			Name:      shortName(uid),
			Ip:        ip,
			LastLogin: now,
		}
		if err := d.store.Create(ctx, row); err != nil {
			return uuid.Nil, false, fmt.Errorf("directory: create agent row: %w", err)
		}
	}

	d.mu.Lock()
	rec, exists := d.records[row.ID]
	if !exists {
		rec = newAgentRecord(row.ID, uid)
		d.records[row.ID] = rec
		metrics.KnownAgents.Set(float64(len(d.records)))
	}
	d.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.Status != StatusOffline {
		return uuid.Nil, false, nil
	}

	// Only touch the persisted row once the login is actually admitted; a
	// rejected concurrent session must leave the online agent's row alone.
	if existingRow {
		if err := d.store.Touch(ctx, row.ID, ip, now); err != nil {
			return uuid.Nil, false, fmt.Errorf("directory: touch agent row: %w", err)
		}
	}

	rec.Name = row.Name
	rec.Ip = ip
	rec.Address = addr
	rec.LastLogin = now
	rec.Status = StatusOnline
	return row.ID, true, nil
}

// Logout sets Offline and clears every derived/volatile field: an offline
// agent carries no outbound channel and no stale telemetry.
func (d *Directory) Logout(id uuid.UUID) {
	rec, ok := d.recordLocked(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.Status = StatusOffline
	rec.Endpoint = ""
	rec.Address = nil
	rec.DisableShell = false
	rec.ReportRate = 0
	rec.LastRsp = nil
	rec.Cpu, rec.Memory, rec.TotalMemory = nil, nil, nil
	rec.Disk, rec.TotalDisk = nil, nil
	rec.Latency, rec.NetUp, rec.NetDown = nil, nil, nil
	rec.BandUp, rec.BandDown = nil, nil
	rec.outbound = nil
}

// Delete drops id's in-memory record entirely, used alongside a store
// delete to fully remove an agent.
func (d *Directory) Delete(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, id)
	metrics.KnownAgents.Set(float64(len(d.records)))
}

// BindMessage installs a fresh outbound channel on id's record and returns
// the receive end for the session handler to drain.
func (d *Directory) BindMessage(id uuid.UUID) (<-chan ServerData, bool) {
	rec, ok := d.recordLocked(id)
	if !ok {
		return nil, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	ch := make(chan ServerData, outboundBuffer)
	rec.outbound = ch
	return ch, true
}

// Enqueue publishes data on id's outbound channel, used by the service
// facade, shell bridge, and alert/update logic. Returns false if the agent
// has no live outbound channel.
func (d *Directory) Enqueue(id uuid.UUID, data ServerData) bool {
	rec, ok := d.recordLocked(id)
	if !ok {
		return false
	}
	rec.mu.Lock()
	ch := rec.outbound
	rec.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- data:
		return true
	default:
		// Outbound buffer full: the connection is too slow to keep up.
		// Drop rather than block the caller (facade/alert/bridge) indefinitely.
		return false
	}
}

// UpdateAgent applies an Info message to the live record.
func (d *Directory) UpdateAgent(id uuid.UUID, os, system, arch, hostname, ip, endpoint string, disableShell bool, reportRate uint32) {
	rec, ok := d.recordLocked(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.Os, rec.System, rec.Arch, rec.Hostname = os, system, arch, hostname
	if ip != "" {
		rec.Ip = ip
	}
	rec.Endpoint = endpoint
	rec.DisableShell = disableShell
	rec.ReportRate = reportRate
}

// StatusUpdate carries one StatusRsp's worth of raw telemetry for
// UpdateStatus to store and derive throughput from.
type StatusUpdate struct {
	Time        uint64
	Cpu         float64
	Memory      float64
	TotalMemory float64
	Disk        float64
	TotalDisk   float64
	BandUp      uint64
	BandDown    uint64
}

// UpdateStatus applies a StatusRsp, deriving net_up/net_down/latency from
// the delta against the previous sample. now is the server's receive time
// in unix ms.
func (d *Directory) UpdateStatus(id uuid.UUID, now int64, u StatusUpdate) {
	rec, ok := d.recordLocked(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	cpu, mem, totMem, disk, totDisk := u.Cpu, u.Memory, u.TotalMemory, u.Disk, u.TotalDisk
	rec.Cpu, rec.Memory, rec.TotalMemory = &cpu, &mem, &totMem
	rec.Disk, rec.TotalDisk = &disk, &totDisk

	latency := (now - int64(u.Time)) / 2
	rec.Latency = &latency

	// Without a prior sample there is no delta to derive from: throughput
	// stays nil rather than being synthesized as zero.
	if rec.LastRsp != nil && rec.BandUp != nil && rec.BandDown != nil {
		dtMs := now - *rec.LastRsp
		if dtMs < 1 {
			dtMs = 1
		}
		netUp := float64(int64(u.BandUp)-int64(*rec.BandUp)) * 1000 / float64(dtMs)
		netDown := float64(int64(u.BandDown)-int64(*rec.BandDown)) * 1000 / float64(dtMs)
		rec.NetUp, rec.NetDown = &netUp, &netDown
	} else {
		rec.NetUp, rec.NetDown = nil, nil
	}

	bu, bd := u.BandUp, u.BandDown
	rec.BandUp, rec.BandDown = &bu, &bd
	rec.LastRsp = &now
}

// UpdateCommandOutput implements the CommandRsp pattern on the slot that
// RegisterCommand created: set code if present, append output. A reply for
// a command id with no registered slot is ignored.
func (d *Directory) UpdateCommandOutput(id uuid.UUID, cmdID string, code *int32, output []byte) {
	rec, ok := d.recordLocked(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	res, ok := rec.commands[cmdID]
	if !ok {
		return
	}
	if code != nil {
		res.Code = code
	}
	if len(output) > 0 {
		res.Output = append(res.Output, output...)
	}
}

// UpdateFileResponse implements the FileRsp pattern: code and message are
// both overwritten (no accumulation, unlike command output).
func (d *Directory) UpdateFileResponse(id uuid.UUID, fileID string, code *int32, message string) {
	rec, ok := d.recordLocked(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	res, ok := rec.files[fileID]
	if !ok {
		return
	}
	res.Code = code
	res.Message = message
}

// RegisterCommand inserts a fresh "issued, awaiting reply" slot — an empty
// result with a nil Code — for a newly dispatched command.
func (d *Directory) RegisterCommand(id uuid.UUID, cmdID string) {
	rec, ok := d.recordLocked(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.commands[cmdID] = &CommandResult{}
}

// CommandOutput returns the current result for (id, cmdID), if the slot
// exists (it exists from dispatch until the record is removed by Delete;
// Logout keeps it).
func (d *Directory) CommandOutput(id uuid.UUID, cmdID string) (CommandResult, bool) {
	rec, ok := d.recordLocked(id)
	if !ok {
		return CommandResult{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	res, ok := rec.commands[cmdID]
	if !ok {
		return CommandResult{}, false
	}
	return *res, true
}

// RegisterFile inserts a fresh "issued, awaiting reply" slot for a newly
// dispatched file send.
func (d *Directory) RegisterFile(id uuid.UUID, fileID string) {
	rec, ok := d.recordLocked(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.files[fileID] = &FileResult{}
}

// FileResultOf returns the current result for (id, fileID), if present.
func (d *Directory) FileResultOf(id uuid.UUID, fileID string) (FileResult, bool) {
	rec, ok := d.recordLocked(id)
	if !ok {
		return FileResult{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	res, ok := rec.files[fileID]
	if !ok {
		return FileResult{}, false
	}
	return *res, true
}

// SetStatus sets the live status, used when a firmware Update begins
// (Status -> Updating).
func (d *Directory) SetStatus(id uuid.UUID, status Status) {
	rec, ok := d.recordLocked(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.Status = status
}

// Rename mutates the directory's cached name; the store-side uniqueness
// check happens in the facade before this is called.
func (d *Directory) Rename(id uuid.UUID, name string) {
	rec, ok := d.recordLocked(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.Name = name
}

// HasOutbound reports whether id currently has a live outbound channel
// (i.e. is connected), used by the facade's precondition checks.
func (d *Directory) HasOutbound(id uuid.UUID) bool {
	rec, ok := d.recordLocked(id)
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.outbound != nil
}

// DisableShell reports whether id's agent currently disables the shell
// bridge.
func (d *Directory) DisableShell(id uuid.UUID) bool {
	rec, ok := d.recordLocked(id)
	if !ok {
		return true
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.DisableShell
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
