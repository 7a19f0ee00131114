// Package directory implements the in-memory agent directory (component C):
// a concurrent map from AgentId to AgentRecord holding live status,
// telemetry, per-agent command/file result tables, and the outbound
// message channel the session handler drains.
package directory

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ministruth/monitor/internal/wire"
)

// Status is the live connectivity state of an agent.
type Status int

const (
	StatusOffline Status = iota
	StatusOnline
	StatusUpdating
)

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusUpdating:
		return "updating"
	default:
		return "offline"
	}
}

// ServerData is anything the session handler can enqueue on an agent's
// outbound channel and forward to the wire as a Message payload.
type ServerData = wire.Payload

// CommandResult is the outcome of a run_command call. Code is nil until
// the agent reports completion; Output accumulates across CommandRsp
// chunks.
type CommandResult struct {
	Code   *int32
	Output []byte
}

// FileResult is the outcome of a send_file call. Unlike CommandResult.Output,
// Message is overwritten by the agent's most recent FileRsp.
type FileResult struct {
	Code    *int32
	Message string
}

// AgentRecord is the live, in-memory view of one connected or
// recently-seen agent.
type AgentRecord struct {
	mu sync.Mutex

	ID   uuid.UUID
	Uid  string
	Name string

	Status Status

	Os           string
	System       string
	Arch         string
	Hostname     string
	Ip           string
	Endpoint     string
	Address      net.Addr
	DisableShell bool
	ReportRate   uint32

	LastLogin int64 // unix ms
	LastRsp   *int64

	Cpu         *float64
	Memory      *float64
	TotalMemory *float64
	Disk        *float64
	TotalDisk   *float64
	Latency     *int64
	NetUp       *float64
	NetDown     *float64
	BandUp      *uint64
	BandDown    *uint64

	outbound chan ServerData

	commands map[string]*CommandResult // keyed by CommandId string
	files    map[string]*FileResult    // keyed by FileId string
}

func newAgentRecord(id uuid.UUID, uid string) *AgentRecord {
	return &AgentRecord{
		ID:       id,
		Uid:      uid,
		Name:     shortName(uid),
		Status:   StatusOffline,
		commands: make(map[string]*CommandResult),
		files:    make(map[string]*FileResult),
	}
}

func shortName(uid string) string {
	if len(uid) <= 8 {
		return uid
	}
	return uid[:8]
}

// Snapshot is an immutable copy of an AgentRecord's fields for safe export
// to REST handlers and tests, without leaking the internal mutex or channel.
type Snapshot struct {
	ID           uuid.UUID
	Uid          string
	Name         string
	Status       Status
	Os           string
	System       string
	Arch         string
	Hostname     string
	Ip           string
	Endpoint     string
	DisableShell bool
	ReportRate   uint32
	LastLogin    int64
	LastRsp      *int64
	Cpu          *float64
	Memory       *float64
	TotalMemory  *float64
	Disk         *float64
	TotalDisk    *float64
	Latency      *int64
	NetUp        *float64
	NetDown      *float64
	BandUp       *uint64
	BandDown     *uint64
	HasOutbound  bool
}

// Snapshot copies the record's current state under its lock.
func (r *AgentRecord) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		ID:           r.ID,
		Uid:          r.Uid,
		Name:         r.Name,
		Status:       r.Status,
		Os:           r.Os,
		System:       r.System,
		Arch:         r.Arch,
		Hostname:     r.Hostname,
		Ip:           r.Ip,
		Endpoint:     r.Endpoint,
		DisableShell: r.DisableShell,
		ReportRate:   r.ReportRate,
		LastLogin:    r.LastLogin,
		LastRsp:      r.LastRsp,
		Cpu:          r.Cpu,
		Memory:       r.Memory,
		TotalMemory:  r.TotalMemory,
		Disk:         r.Disk,
		TotalDisk:    r.TotalDisk,
		Latency:      r.Latency,
		NetUp:        r.NetUp,
		NetDown:      r.NetDown,
		BandUp:       r.BandUp,
		BandDown:     r.BandDown,
		HasOutbound:  r.outbound != nil,
	}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
