package store

import (
	"time"

	"github.com/google/uuid"
)

// Agent is the persistent row backing one directory.StoredAgent, plus the
// fields an Info message fills in once the agent has connected at least
// once.
type Agent struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Uid          string    `gorm:"uniqueIndex;size:255;not null"`
	Name         string    `gorm:"uniqueIndex;size:255;not null"`
	Ip           string    `gorm:"size:64"`
	Os           string    `gorm:"size:64"`
	System       string    `gorm:"size:128"`
	Arch         string    `gorm:"size:32"`
	Hostname     string    `gorm:"size:255"`
	Endpoint     string    `gorm:"size:255"`
	DisableShell bool
	ReportRate   uint32
	LastLogin    int64 // unix ms

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Agent) TableName() string { return "agents" }

// PassiveAgent is an outbound target the server dials and keeps
// reconnecting to per retry_time.
type PassiveAgent struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"uniqueIndex;size:32;not null"`
	Address   string    `gorm:"uniqueIndex;size:64;not null"`
	RetryTime int       `gorm:"not null"` // seconds; 0 = try once, do not retry

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (PassiveAgent) TableName() string { return "passive_agents" }

// Settings is a singleton row (id always 1) holding the server's
// configurable runtime state.
type Settings struct {
	ID           uint   `gorm:"primaryKey"`
	Address      string `gorm:"size:255"`
	Certificate  EncryptedString
	Shell        string `gorm:"type:text"` // JSON-encoded []string, deduplicated, order-preserving
	MsgTimeout   int    // seconds; 0 = no read timeout
	AlertTimeout int    // seconds; 0 = no alerting

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Settings) TableName() string { return "settings" }

// settingsRowID is the fixed primary key of the one Settings row.
const settingsRowID = 1
