package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// SettingsView is the read/write shape of the singleton Settings row
// exposed to the REST layer and to internal/monitorserver's hot settings.
type SettingsView struct {
	Address      string
	Certificate  []byte // raw secp256k1 secret key, 32 bytes
	Shell        []string
	MsgTimeout   int
	AlertTimeout int
}

// gormSettingStore is the GORM-backed implementation of the settings store.
type gormSettingStore struct {
	db *gorm.DB
}

// NewSettingStore returns a settings store backed by db, creating the
// singleton row on first use if absent.
func NewSettingStore(db *gorm.DB) *gormSettingStore {
	return &gormSettingStore{db: db}
}

// Get returns the current settings, creating an empty row on first call.
func (s *gormSettingStore) Get(ctx context.Context) (SettingsView, error) {
	row, err := s.getOrInit(ctx)
	if err != nil {
		return SettingsView{}, err
	}
	return rowToView(row), nil
}

// Put persists a full settings update.
func (s *gormSettingStore) Put(ctx context.Context, view SettingsView) error {
	if _, err := s.getOrInit(ctx); err != nil {
		return err
	}
	shellJSON, err := json.Marshal(dedupShell(view.Shell))
	if err != nil {
		return fmt.Errorf("settings: marshal shell list: %w", err)
	}
	updates := map[string]any{
		"address":       view.Address,
		"shell":         string(shellJSON),
		"msg_timeout":   view.MsgTimeout,
		"alert_timeout": view.AlertTimeout,
	}
	if view.Certificate != nil {
		updates["certificate"] = EncryptedString(view.Certificate)
	}
	result := s.db.WithContext(ctx).Model(&Settings{}).Where("id = ?", settingsRowID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("settings: put: %w", result.Error)
	}
	return nil
}

// GetShell returns the deduplicated, order-preserving shell program list.
func (s *gormSettingStore) GetShell(ctx context.Context) ([]string, error) {
	row, err := s.getOrInit(ctx)
	if err != nil {
		return nil, err
	}
	return decodeShell(row.Shell), nil
}

// SetShell persists a deduplicated, order-preserving shell program list,
// dropping empty entries — set_shell(xs); get_shell() == dedup(filter_nonempty(xs)).
func (s *gormSettingStore) SetShell(ctx context.Context, shell []string) error {
	if _, err := s.getOrInit(ctx); err != nil {
		return err
	}
	cleaned := dedupShell(shell)
	encoded, err := json.Marshal(cleaned)
	if err != nil {
		return fmt.Errorf("settings: marshal shell list: %w", err)
	}
	result := s.db.WithContext(ctx).Model(&Settings{}).Where("id = ?", settingsRowID).Update("shell", string(encoded))
	if result.Error != nil {
		return fmt.Errorf("settings: set shell: %w", result.Error)
	}
	return nil
}

// GetCertificate returns the raw secret key bytes, or nil if none is set.
func (s *gormSettingStore) GetCertificate(ctx context.Context) ([]byte, error) {
	row, err := s.getOrInit(ctx)
	if err != nil {
		return nil, err
	}
	if row.Certificate == "" {
		return nil, nil
	}
	return []byte(row.Certificate), nil
}

// SetCertificate rotates the stored secret key.
func (s *gormSettingStore) SetCertificate(ctx context.Context, key []byte) error {
	if _, err := s.getOrInit(ctx); err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Model(&Settings{}).Where("id = ?", settingsRowID).
		Update("certificate", EncryptedString(key))
	if result.Error != nil {
		return fmt.Errorf("settings: set certificate: %w", result.Error)
	}
	return nil
}

func (s *gormSettingStore) getOrInit(ctx context.Context) (*Settings, error) {
	var row Settings
	err := s.db.WithContext(ctx).First(&row, "id = ?", settingsRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = Settings{ID: settingsRowID, Shell: "[]"}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return nil, fmt.Errorf("settings: init row: %w", err)
		}
		return &row, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: get: %w", err)
	}
	return &row, nil
}

func rowToView(row *Settings) SettingsView {
	var cert []byte
	if row.Certificate != "" {
		cert = []byte(row.Certificate)
	}
	return SettingsView{
		Address:      row.Address,
		Certificate:  cert,
		Shell:        decodeShell(row.Shell),
		MsgTimeout:   row.MsgTimeout,
		AlertTimeout: row.AlertTimeout,
	}
}

func decodeShell(encoded string) []string {
	if encoded == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(encoded), &out); err != nil {
		return nil
	}
	return out
}

// dedupShell drops empty entries and duplicates, preserving first-seen
// order.
func dedupShell(xs []string) []string {
	seen := make(map[string]struct{}, len(xs))
	out := make([]string, 0, len(xs))
	for _, x := range xs {
		if x == "" {
			continue
		}
		if _, ok := seen[x]; ok {
			continue
		}
		seen[x] = struct{}{}
		out = append(out, x)
	}
	return out
}
