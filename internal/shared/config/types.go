package config

import (
	"fmt"
	"strings"
)

type ServerConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Mode    string `mapstructure:"mode"`
	Webroot string `mapstructure:"webroot"`
	// TLSCert/TLSKey are optional; when empty the server listens in plain HTTP
	// (TLS termination is expected at the reverse proxy).
	TLSCert string `mapstructure:"tls_cert"`
	TLSKey  string `mapstructure:"tls_key"`
}

func (s *ServerConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	Database        string `mapstructure:"database"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

func (d *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.Username, d.Password, d.Database, d.SSLMode)
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// StreamConfig describes the redis-compatible shard pool backing the
// fanout channels and consumer-group streams.
type StreamConfig struct {
	Shards   []string `mapstructure:"shards"`
	Password string   `mapstructure:"password"`
}

// ShardAddrs returns the shard list with any accidental scheme prefix trimmed.
func (s *StreamConfig) ShardAddrs() []string {
	out := make([]string, 0, len(s.Shards))
	for _, item := range s.Shards {
		item = strings.TrimSpace(strings.TrimPrefix(item, "redis://"))
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

type CacheConfig struct {
	Address    string `mapstructure:"address"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

type MediatorConfig struct {
	// Seed is the 32-byte seed the mediator keypair is derived from. The
	// derived DID and verkey are stable across restarts.
	Seed  string `mapstructure:"seed"`
	Label string `mapstructure:"label"`
	// EndpointsPathPrefix is the public path prefix for per-endpoint ingress,
	// e.g. "e" produces POST /e/{uid}.
	EndpointsPathPrefix string `mapstructure:"endpoints_path_prefix"`
}

type PushConfig struct {
	// TTLSeconds bounds how long an ingress push waits for a session ack.
	TTLSeconds int `mapstructure:"ttl_seconds"`
	// ReverseEqualForward keeps the reverse ack channel on the same shard as
	// the forward stream; when false a fresh shard is chosen and the channel
	// name is the SHA-256 of the forward address.
	ReverseEqualForward bool `mapstructure:"reverse_equal_forward"`
}

type FCMConfig struct {
	APIKey   string `mapstructure:"api_key"`
	SenderID string `mapstructure:"sender_id"`
}

type EmailConfig struct {
	SMTPHost     string `mapstructure:"smtp_host"`
	SMTPPort     int    `mapstructure:"smtp_port"`
	SMTPUser     string `mapstructure:"smtp_user"`
	SMTPPassword string `mapstructure:"smtp_password"`
	FromAddress  string `mapstructure:"from_address"`
	FromName     string `mapstructure:"from_name"`
}

type AdminConfig struct {
	JWTSecret        string `mapstructure:"jwt_secret"`
	AccessExpMinutes int    `mapstructure:"access_exp_minutes"`
	BcryptCost       int    `mapstructure:"bcrypt_cost"`
}
