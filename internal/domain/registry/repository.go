package registry

import (
	"context"

	"gorm.io/datatypes"
)

// EndpointUpdate carries the optional fields of an endpoint upsert. Nil
// pointers leave the stored value untouched.
type EndpointUpdate struct {
	ForwardStreamAddress *string
	AgentID              *string
	Verkey               *string
	FCMDeviceID          *string
}

// AgentUpdate carries the optional fields of an agent upsert.
type AgentUpdate struct {
	Metadata    datatypes.JSON
	FCMDeviceID *string
}

// Repository is the endpoint registry: the persistent routing tables with
// the KV cache layered in front. The relational store is the only ground
// truth; cache entries are advisory and invalidated on every write.
type Repository interface {
	EnsureAgent(ctx context.Context, did, verkey string, upd AgentUpdate) error
	LoadAgent(ctx context.Context, did string) (*Agent, error)
	LoadAgentByVerkey(ctx context.Context, verkey string) (*Agent, error)

	EnsureEndpoint(ctx context.Context, uid string, upd EndpointUpdate) error
	LoadEndpoint(ctx context.Context, uid string) (*Endpoint, error)
	LoadEndpointByVerkey(ctx context.Context, verkey string) (*Endpoint, error)
	LoadEndpointByRoutingKey(ctx context.Context, key string) (*Endpoint, error)

	AddRoutingKey(ctx context.Context, endpointUID, key string) (*RoutingKey, error)
	RemoveRoutingKey(ctx context.Context, endpointUID, key string) error
	ListRoutingKeys(ctx context.Context, endpointUID string) ([]RoutingKey, error)

	GetSetting(ctx context.Context, name string) (any, error)
	SetSetting(ctx context.Context, name string, value any) error
}

// PairwiseRepository stores established P2P records.
type PairwiseRepository interface {
	Ensure(ctx context.Context, p *Pairwise) error
	LoadByVerkey(ctx context.Context, theirVerkey string) (*Pairwise, error)
	LoadByDID(ctx context.Context, theirDID string) (*Pairwise, error)
	List(ctx context.Context, filters map[string]string, offset, limit int) ([]Pairwise, error)
	Count(ctx context.Context, filters map[string]string) (int64, error)
}

// UserRepository stores admin accounts.
type UserRepository interface {
	Create(ctx context.Context, username, password string) (*User, error)
	Load(ctx context.Context, username string) (*User, error)
	LoadSuperuser(ctx context.Context) (*User, error)
	CheckPassword(user *User, password string) bool
	Reset(ctx context.Context) error
}

// BackupRepository stores opaque binary blobs (ACME account state,
// certificates) across restarts.
type BackupRepository interface {
	Dump(ctx context.Context, description string, binary []byte, context map[string]any) error
	Load(ctx context.Context, description string) (*Backup, error)
	DumpPath(ctx context.Context, description, path string, context map[string]any) error
	RestorePath(ctx context.Context, description, baseDir string) (string, error)
}

// KVStorage is the SDK-facing secure key-value storage with typed
// serialization and database (namespace) selection.
type KVStorage interface {
	SelectDB(name string)
	Set(ctx context.Context, key string, value any) error
	Get(ctx context.Context, key string) (any, error)
	Delete(ctx context.Context, key string) error
	Items(ctx context.Context) (map[string]any, error)
}
