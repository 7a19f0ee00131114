package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ministruth/monitor/internal/monitorserver"
)

// gormPassiveAgentStore is the GORM-backed implementation of
// monitorserver.PassiveAgentStore.
type gormPassiveAgentStore struct {
	db *gorm.DB
}

// NewPassiveAgentStore returns a passive agent store backed by db.
func NewPassiveAgentStore(db *gorm.DB) *gormPassiveAgentStore {
	return &gormPassiveAgentStore{db: db}
}

func toPassiveRecord(p *PassiveAgent) monitorserver.PassiveAgentRecord {
	return monitorserver.PassiveAgentRecord{
		ID:        p.ID,
		Name:      p.Name,
		Address:   p.Address,
		RetryTime: p.RetryTime,
	}
}

// List implements monitorserver.PassiveAgentStore.
func (s *gormPassiveAgentStore) List(ctx context.Context) ([]monitorserver.PassiveAgentRecord, error) {
	var rows []PassiveAgent
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("passive_agents: list: %w", err)
	}
	out := make([]monitorserver.PassiveAgentRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, toPassiveRecord(&r))
	}
	return out, nil
}

// Get implements monitorserver.PassiveAgentStore. A nil, nil result means
// the record no longer exists (the passive loop exits cleanly on this).
func (s *gormPassiveAgentStore) Get(ctx context.Context, id uuid.UUID) (*monitorserver.PassiveAgentRecord, error) {
	var row PassiveAgent
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("passive_agents: get: %w", err)
	}
	rec := toPassiveRecord(&row)
	return &rec, nil
}

// Create inserts a new passive agent target. Returns ErrConflict if name or
// address is already in use.
func (s *gormPassiveAgentStore) Create(ctx context.Context, name, address string, retryTime int) (*monitorserver.PassiveAgentRecord, error) {
	row := PassiveAgent{ID: uuid.New(), Name: name, Address: address, RetryTime: retryTime}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("passive_agents: create: %w", err)
	}
	rec := toPassiveRecord(&row)
	return &rec, nil
}

// Update persists new field values for an existing passive agent row.
func (s *gormPassiveAgentStore) Update(ctx context.Context, id uuid.UUID, name, address string, retryTime int) error {
	result := s.db.WithContext(ctx).Model(&PassiveAgent{}).Where("id = ?", id).
		Updates(map[string]any{"name": name, "address": address, "retry_time": retryTime})
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return ErrConflict
		}
		return fmt.Errorf("passive_agents: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a passive agent row.
func (s *gormPassiveAgentStore) Delete(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&PassiveAgent{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("passive_agents: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
