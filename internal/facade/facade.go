// Package facade implements the service facade (component F): the typed
// async operations exposed to the REST/IPC collaborators, sitting on top
// of the agent directory and the wire codec.
package facade

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"

	"github.com/ministruth/monitor/internal/directory"
	"github.com/ministruth/monitor/internal/wire"
)

// AgentStore is the subset of the persistent AgentStore contract Rename
// depends on: enforce name uniqueness at the store layer before the
// directory's cached name is mutated.
type AgentStore interface {
	// Rename persists name for id. conflict reports whether another agent
	// already holds that name; err is any other store failure.
	Rename(ctx context.Context, id uuid.UUID, name string) (conflict bool, err error)
	// Delete removes id's row. found is false when no such row exists.
	Delete(ctx context.Context, id uuid.UUID) (found bool, err error)
}

// Facade is the single entry point REST/IPC handlers call into.
type Facade struct {
	Directory *directory.Directory
	Store     AgentStore
}

// New builds a Facade over dir and store.
func New(dir *directory.Directory, store AgentStore) *Facade {
	return &Facade{Directory: dir, Store: store}
}

// GetAgents lists every known agent, online or offline.
func (f *Facade) GetAgents() []directory.Snapshot {
	return f.Directory.All()
}

// FindAgent returns the live snapshot for id, or ErrAgentNotFound.
func (f *Facade) FindAgent(id uuid.UUID) (directory.Snapshot, error) {
	rec, ok := f.Directory.Get(id)
	if !ok {
		return directory.Snapshot{}, ErrAgentNotFound
	}
	return rec.Snapshot(), nil
}

// RunCommand dispatches cmd to id's agent, returning a fresh CommandId the
// caller can later poll with GetCommandOutput.
func (f *Facade) RunCommand(id uuid.UUID, cmd string) (string, error) {
	if !f.Directory.HasOutbound(id) {
		return "", f.offlineOrNotFound(id)
	}
	cmdID := uuid.NewString()
	f.Directory.RegisterCommand(id, cmdID)
	f.Directory.Enqueue(id, wire.CommandReq{Id: cmdID, Cmd: cmd})
	return cmdID, nil
}

// GetCommandOutput returns the current (possibly still-pending) result for
// a command previously started with RunCommand.
func (f *Facade) GetCommandOutput(id uuid.UUID, cmdID string) (directory.CommandResult, bool, error) {
	if _, ok := f.Directory.Get(id); !ok {
		return directory.CommandResult{}, false, ErrAgentNotFound
	}
	res, ok := f.Directory.CommandOutput(id, cmdID)
	return res, ok, nil
}

// KillCommand asks the agent to terminate a running command.
func (f *Facade) KillCommand(id uuid.UUID, cmdID string, force bool) error {
	if !f.Directory.HasOutbound(id) {
		return f.offlineOrNotFound(id)
	}
	f.Directory.Enqueue(id, wire.CommandKill{Id: cmdID, Force: force})
	return nil
}

// SendFile DEFLATE-compresses data and dispatches it to id's agent,
// returning a fresh FileId the caller can later poll with GetFileResult.
func (f *Facade) SendFile(id uuid.UUID, path string, data []byte) (string, error) {
	if !f.Directory.HasOutbound(id) {
		return "", f.offlineOrNotFound(id)
	}
	compressed, err := deflateCompress(data)
	if err != nil {
		return "", fmt.Errorf("facade: compress file: %w", err)
	}
	fileID := uuid.NewString()
	f.Directory.RegisterFile(id, fileID)
	f.Directory.Enqueue(id, wire.FileReq{Id: fileID, Path: path, Data: compressed})
	return fileID, nil
}

// GetFileResult returns the current (possibly still-pending) result for a
// file transfer previously started with SendFile.
func (f *Facade) GetFileResult(id uuid.UUID, fileID string) (directory.FileResult, bool, error) {
	if _, ok := f.Directory.Get(id); !ok {
		return directory.FileResult{}, false, ErrAgentNotFound
	}
	res, ok := f.Directory.FileResultOf(id, fileID)
	return res, ok, nil
}

// Reconnect asks a connected agent to tear down and re-establish its
// session. A best-effort no-op if the agent has no live connection.
func (f *Facade) Reconnect(id uuid.UUID) error {
	if _, ok := f.Directory.Get(id); !ok {
		return ErrAgentNotFound
	}
	f.Directory.Enqueue(id, wire.Reconnect{})
	return nil
}

// DeleteAgent removes id from both the persistent store and the live
// directory.
func (f *Facade) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	found, err := f.Store.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("facade: delete agent: %w", err)
	}
	if !found {
		return ErrAgentNotFound
	}
	f.Directory.Delete(id)
	return nil
}

// Rename enforces name uniqueness in the store, then mutates the
// directory's cached name. Renaming to the agent's current name is always
// a no-op success — it skips the store's uniqueness check entirely, since
// a name cannot conflict with itself.
func (f *Facade) Rename(ctx context.Context, id uuid.UUID, name string) error {
	rec, ok := f.Directory.Get(id)
	if !ok {
		return ErrAgentNotFound
	}
	if rec.Snapshot().Name == name {
		return nil
	}

	conflict, err := f.Store.Rename(ctx, id, name)
	if err != nil {
		return fmt.Errorf("facade: rename: %w", err)
	}
	if conflict {
		return ErrNameTaken
	}

	f.Directory.Rename(id, name)
	return nil
}

// offlineOrNotFound distinguishes an unknown agent from one that is known
// but currently has no outbound channel.
func (f *Facade) offlineOrNotFound(id uuid.UUID) error {
	if _, ok := f.Directory.Get(id); !ok {
		return ErrAgentNotFound
	}
	return ErrAgentOffline
}

func deflateCompress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
