// Package config provides configuration types and loading for valet.
package config

import "time"

// Environment names recognised in Server.Environment.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTesting     = "testing"
)

// Config is the root configuration struct.
// Top-level groups: Server, Auth, RateLimit, Memory, Bus, Audit.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	RateLimit RateLimitConfig `json:"rateLimit"`
	Memory    MemoryConfig    `json:"memory"`
	Bus       BusConfig       `json:"bus"`
	Audit     AuditConfig     `json:"audit"`
}

// ServerConfig groups process-level settings.
type ServerConfig struct {
	Environment string   `json:"environment" envconfig:"ENVIRONMENT"`
	Listen      string   `json:"listen" envconfig:"LISTEN"`
	DatabaseURL string   `json:"databaseUrl" envconfig:"DATABASE_URL"`
	CORSOrigins []string `json:"corsOrigins"`
}

// AuthConfig groups credential and token settings.
type AuthConfig struct {
	JWTSecretKey        string        `json:"jwtSecretKey" envconfig:"JWT_SECRET_KEY"`
	AccessTokenLifetime time.Duration `json:"accessTokenLifetime"`
	RememberMeLifetime  time.Duration `json:"rememberMeLifetime"`
	BcryptCostFactor    int           `json:"bcryptCostFactor" envconfig:"BCRYPT_COST_FACTOR"`
	MinPasswordLength   int           `json:"minPasswordLength"`
	AdminPassword       string        `json:"adminPassword" envconfig:"ADMIN_PASSWORD"`
}

// RateLimitConfig groups login attempt limiter settings.
type RateLimitConfig struct {
	MaxAttempts   int `json:"maxAttempts" envconfig:"MAX_ATTEMPTS"`
	WindowMinutes int `json:"windowMinutes" envconfig:"WINDOW_MINUTES"`
}

// MemoryConfig groups agent memory store settings.
// EncryptionKey, when set, must be exactly 32 bytes and enables AES-GCM
// encryption of values stored with the encrypt flag.
type MemoryConfig struct {
	EncryptionKey string        `json:"encryptionKey" envconfig:"ENCRYPTION_KEY"`
	SweepInterval time.Duration `json:"sweepInterval"`
}

// BusConfig groups message bus settings.
type BusConfig struct {
	QueueSize     int    `json:"queueSize"`
	MirrorBrokers string `json:"mirrorBrokers" envconfig:"MIRROR_BROKERS"`
	MirrorTopic   string `json:"mirrorTopic" envconfig:"MIRROR_TOPIC"`
}

// AuditConfig groups security audit log settings.
type AuditConfig struct {
	Path string `json:"path" envconfig:"PATH"`
}

// DefaultConfig returns a Config populated with development defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Environment: EnvDevelopment,
			Listen:      "127.0.0.1:8089",
			DatabaseURL: "", // resolved to ~/.valet/valet.db by the loader
			CORSOrigins: []string{"*"},
		},
		Auth: AuthConfig{
			AccessTokenLifetime: 2 * time.Hour,
			RememberMeLifetime:  30 * 24 * time.Hour,
			BcryptCostFactor:    12,
			MinPasswordLength:   8,
		},
		RateLimit: RateLimitConfig{
			MaxAttempts:   5,
			WindowMinutes: 15,
		},
		Memory: MemoryConfig{
			SweepInterval: 5 * time.Minute,
		},
		Bus: BusConfig{
			QueueSize: 256,
		},
		Audit: AuditConfig{
			Path: "logs/auth_events.log",
		},
	}
}

// Window returns the limiter window as a duration.
func (r RateLimitConfig) Window() time.Duration {
	if r.WindowMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(r.WindowMinutes) * time.Minute
}

// IsProduction reports whether the server runs with production policy checks.
func (s ServerConfig) IsProduction() bool {
	return s.Environment == EnvProduction
}
