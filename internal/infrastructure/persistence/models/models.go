// Package models defines the GORM persistence models backing the
// endpoint registry and the admin surface.
package models

import (
	"time"

	"gorm.io/datatypes"
)

// AgentModel persists a remote agent identity.
type AgentModel struct {
	ID          string         `gorm:"primaryKey;size:64"`
	DID         string         `gorm:"column:did;uniqueIndex;size:128;not null"`
	Verkey      string         `gorm:"index;size:128;not null"`
	Metadata    datatypes.JSON `gorm:"type:json"`
	FCMDeviceID *string        `gorm:"column:fcm_device_id;size:512"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (AgentModel) TableName() string { return "agents" }

// EndpointModel persists a delivery endpoint. UID is derived from the
// owner DID, so it is the natural primary key.
type EndpointModel struct {
	UID                  string  `gorm:"primaryKey;size:64"`
	Verkey               *string `gorm:"index;size:128"`
	AgentID              *string `gorm:"size:64"`
	ForwardStreamAddress *string `gorm:"size:512"`
	FCMDeviceID          *string `gorm:"column:fcm_device_id;size:512"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (EndpointModel) TableName() string { return "endpoints" }

// RoutingKeyModel persists one routing key of an endpoint's chain.
// Insertion order is the chain order.
type RoutingKeyModel struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	EndpointUID string `gorm:"index;size:64;not null"`
	Key         string `gorm:"index;size:128;not null"`
	CreatedAt   time.Time
}

func (RoutingKeyModel) TableName() string { return "routing_keys" }

// PairwiseModel persists an established P2P relation.
type PairwiseModel struct {
	TheirDID    string         `gorm:"column:their_did;primaryKey;size:128"`
	TheirVerkey string         `gorm:"index;size:128;not null"`
	MyDID       string         `gorm:"column:my_did;size:128;not null"`
	MyVerkey    string         `gorm:"size:128;not null"`
	Metadata    datatypes.JSON `gorm:"type:json"`
	TheirLabel  string         `gorm:"size:255"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (PairwiseModel) TableName() string { return "pairwises" }

// GlobalSettingModel is a single-row table holding the mediator-wide
// settings document as one JSON blob. Row id is always 1.
type GlobalSettingModel struct {
	ID      int            `gorm:"primaryKey"`
	Content datatypes.JSON `gorm:"type:json"`
}

func (GlobalSettingModel) TableName() string { return "global_settings" }

// KVEntryModel persists one typed value of the secure key-value storage.
// The namespace column is the selected database name.
type KVEntryModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Namespace string `gorm:"uniqueIndex:idx_kv_namespace_key;size:128;not null"`
	Key       string `gorm:"uniqueIndex:idx_kv_namespace_key;size:512;not null"`
	Value     string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (KVEntryModel) TableName() string { return "kv_entries" }

// BackupModel persists an opaque binary blob keyed by description.
type BackupModel struct {
	Description string         `gorm:"primaryKey;size:255"`
	Binary      []byte         `gorm:"type:bytea"`
	Context     datatypes.JSON `gorm:"type:json"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (BackupModel) TableName() string { return "backups" }

// UserModel persists an admin account.
type UserModel struct {
	ID             string `gorm:"primaryKey;size:64"`
	Username       string `gorm:"uniqueIndex;size:128;not null"`
	HashedPassword string `gorm:"size:255;not null"`
	IsActive       bool   `gorm:"default:true"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (UserModel) TableName() string { return "users" }
