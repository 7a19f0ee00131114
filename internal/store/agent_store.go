package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ministruth/monitor/internal/directory"
	"github.com/ministruth/monitor/internal/session"
)

// gormAgentStore is the GORM-backed implementation of directory.AgentStore
// and facade.AgentStore.
type gormAgentStore struct {
	db *gorm.DB
}

// NewAgentStore returns an agent store backed by db.
func NewAgentStore(db *gorm.DB) *gormAgentStore {
	return &gormAgentStore{db: db}
}

func toStoredAgent(a *Agent) *directory.StoredAgent {
	return &directory.StoredAgent{
		ID:        a.ID,
		Uid:       a.Uid,
		Name:      a.Name,
		Ip:        a.Ip,
		LastLogin: a.LastLogin,
	}
}

// GetByUid implements directory.AgentStore.
func (s *gormAgentStore) GetByUid(ctx context.Context, uid string) (*directory.StoredAgent, error) {
	var row Agent
	err := s.db.WithContext(ctx).First(&row, "uid = ?", uid).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("agents: get by uid: %w", err)
	}
	return toStoredAgent(&row), nil
}

// Create implements directory.AgentStore.
func (s *gormAgentStore) Create(ctx context.Context, agent *directory.StoredAgent) error {
	row := Agent{
		ID:        agent.ID,
		Uid:       agent.Uid,
		Name:      agent.Name,
		Ip:        agent.Ip,
		LastLogin: agent.LastLogin,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("agents: create: %w", err)
	}
	return nil
}

// Touch implements directory.AgentStore.
func (s *gormAgentStore) Touch(ctx context.Context, id uuid.UUID, ip string, lastLogin int64) error {
	result := s.db.WithContext(ctx).Model(&Agent{}).Where("id = ?", id).
		Updates(map[string]any{"ip": ip, "last_login": lastLogin})
	if result.Error != nil {
		return fmt.Errorf("agents: touch: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List implements directory.AgentStore, returning every persisted agent
// for startup hydration.
func (s *gormAgentStore) List(ctx context.Context) ([]directory.StoredAgent, error) {
	var rows []Agent
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("agents: list: %w", err)
	}
	out := make([]directory.StoredAgent, 0, len(rows))
	for _, r := range rows {
		out = append(out, *toStoredAgent(&r))
	}
	return out, nil
}

// SaveInfo implements session.AgentInfoStore: persist the fields carried by
// an Info message.
func (s *gormAgentStore) SaveInfo(ctx context.Context, id uuid.UUID, info session.AgentInfo) error {
	result := s.db.WithContext(ctx).Model(&Agent{}).Where("id = ?", id).Updates(map[string]any{
		"os":            info.Os,
		"system":        info.System,
		"arch":          info.Arch,
		"hostname":      info.Hostname,
		"endpoint":      info.Endpoint,
		"disable_shell": info.DisableShell,
		"report_rate":   info.ReportRate,
	})
	if result.Error != nil {
		return fmt.Errorf("agents: save info: %w", result.Error)
	}
	return nil
}

// Rename implements facade.AgentStore: persist a new name for id, reporting
// conflict when another agent already holds that name.
func (s *gormAgentStore) Rename(ctx context.Context, id uuid.UUID, name string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&Agent{}).Where("id = ?", id).Update("name", name)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return true, nil
		}
		return false, fmt.Errorf("agents: rename: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

// Delete implements facade.AgentStore: remove the persistent row. The
// caller is responsible for also dropping any in-memory directory state.
func (s *gormAgentStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	result := s.db.WithContext(ctx).Delete(&Agent{}, "id = ?", id)
	if result.Error != nil {
		return false, fmt.Errorf("agents: delete: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}
