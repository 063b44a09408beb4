// Package config loads process configuration from environment variables,
// the way internal/app/config.go and internal/utils/env.go do in the
// teacher repo, extended with this repo's data-directory layout and
// vault key material.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/utils"
)

// EmbeddingBackend is the tri-state selector override from §4.2/§6.4.
type EmbeddingBackend string

const (
	EmbeddingBackendAccelerated EmbeddingBackend = "accelerated"
	EmbeddingBackendHTTP        EmbeddingBackend = "http"
	EmbeddingBackendHash        EmbeddingBackend = "hash"
	EmbeddingBackendAuto        EmbeddingBackend = "" // no override, resolved at startup
)

type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

type Config struct {
	// auth
	JWTSecretKey    string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// §6.4
	EmbeddingBackend      EmbeddingBackend
	ContextRetentionDays  int
	ContextWorkers        int
	Environment           Environment
	LogLevel              string

	// §6.3 data directory layout
	DataDir         string
	ChatMemoryDBPath string
	AppDBPath        string
	AgentSessionsDBPath string
	AuditLogDBPath   string
	UploadsDir       string
	VaultFilesDir    string

	// vault AEAD key material (§4.5.2), base64-encoded 32-byte key
	VaultMasterKeyB64 string

	// server
	HTTPPort string

	// upstream inference (§6.1)
	InferenceBaseURL string
	InferenceModel   string
	// InferenceStreamTimeout bounds one streaming /api/chat call (§5:
	// "Upstream streaming calls carry a per-request timeout, default 300s").
	InferenceStreamTimeout time.Duration

	// rate limiting (§5)
	RateLimitRPS   int
	RateLimitBurst int

	// semantic index result cache (§4.3) — optional; empty disables redis
	// and falls back to an in-process cache.
	RedisAddr              string
	SemanticCacheTTLSeconds int

	// authorization fabric (§4.5)
	InviteCodeTTLDays           int
	DelayedPromotionDays        int
	AutoPromotionDays           int
	OfflineSuperAdminThreshold  time.Duration
	InviteLockoutMaxAttempts    int
	InviteLockoutWindow         time.Duration
}

func Load(log *logger.Logger) Config {
	dataDir := utils.GetEnv("DATA_DIR", "./data", log)

	environment := Environment(strings.ToLower(utils.GetEnv("ENVIRONMENT", string(EnvDevelopment), log)))
	switch environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		environment = EnvDevelopment
	}

	backend := EmbeddingBackend(strings.ToLower(utils.GetEnv("EMBEDDING_BACKEND", "", log)))
	switch backend {
	case EmbeddingBackendAccelerated, EmbeddingBackendHTTP, EmbeddingBackendHash, EmbeddingBackendAuto:
	default:
		backend = EmbeddingBackendAuto
	}

	defaultLogLevel := "debug"
	if environment == EnvProduction {
		defaultLogLevel = "info"
	}

	return Config{
		JWTSecretKey:    utils.GetEnv("JWT_SECRET_KEY", "defaultsecret", log),
		AccessTokenTTL:  time.Duration(utils.GetEnvAsInt("ACCESS_TOKEN_TTL", 3600, log)) * time.Second,
		RefreshTokenTTL: time.Duration(utils.GetEnvAsInt("REFRESH_TOKEN_TTL", 86400, log)) * time.Second,

		EmbeddingBackend:     backend,
		ContextRetentionDays: utils.GetEnvAsInt("CONTEXT_RETENTION_DAYS", 30, log),
		ContextWorkers:       utils.GetEnvAsInt("CONTEXT_WORKERS", 2, log),
		Environment:          environment,
		LogLevel:             utils.GetEnv("LOG_LEVEL", defaultLogLevel, log),

		DataDir:             dataDir,
		ChatMemoryDBPath:    filepath.Join(dataDir, "chat_memory.db"),
		AppDBPath:           filepath.Join(dataDir, "app.db"),
		AgentSessionsDBPath: filepath.Join(dataDir, "agent_sessions.db"),
		AuditLogDBPath:      filepath.Join(dataDir, "audit_log.db"),
		UploadsDir:          filepath.Join(dataDir, "uploads"),
		VaultFilesDir:       filepath.Join(dataDir, "vault_files"),

		VaultMasterKeyB64: utils.GetEnv("VAULT_MASTER_KEY", "", log),

		HTTPPort: utils.GetEnv("HTTP_PORT", "8080", log),

		InferenceBaseURL:       utils.GetEnv("INFERENCE_BASE_URL", "http://localhost:11434", log),
		InferenceModel:         utils.GetEnv("INFERENCE_MODEL", "llama3", log),
		InferenceStreamTimeout: time.Duration(utils.GetEnvAsInt("INFERENCE_STREAM_TIMEOUT_SECONDS", 300, log)) * time.Second,

		RateLimitRPS:   utils.GetEnvAsInt("RATE_LIMIT_RPS", 5, log),
		RateLimitBurst: utils.GetEnvAsInt("RATE_LIMIT_BURST", 10, log),

		RedisAddr:               utils.GetEnv("REDIS_ADDR", "", log),
		SemanticCacheTTLSeconds: utils.GetEnvAsInt("SEMANTIC_CACHE_TTL_SECONDS", 60, log),

		InviteCodeTTLDays:          utils.GetEnvAsInt("INVITE_CODE_TTL_DAYS", 30, log),
		DelayedPromotionDays:       utils.GetEnvAsInt("DELAYED_PROMOTION_DAYS", 21, log),
		AutoPromotionDays:          utils.GetEnvAsInt("AUTO_PROMOTION_DAYS", 7, log),
		OfflineSuperAdminThreshold: time.Duration(utils.GetEnvAsInt("OFFLINE_SUPER_ADMIN_THRESHOLD_SECONDS", 300, log)) * time.Second,
		InviteLockoutMaxAttempts:   utils.GetEnvAsInt("INVITE_LOCKOUT_MAX_ATTEMPTS", 5, log),
		InviteLockoutWindow:        time.Duration(utils.GetEnvAsInt("INVITE_LOCKOUT_WINDOW_SECONDS", 900, log)) * time.Second,
	}
}

// IsProduction mirrors apierr.IsProduction without importing it, keeping
// config free of a dependency on the error package.
func (c Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func (c Config) Validate() error {
	if c.ContextWorkers < 1 {
		return fmt.Errorf("CONTEXT_WORKERS must be >= 1, got %d", c.ContextWorkers)
	}
	if c.ContextRetentionDays < 1 {
		return fmt.Errorf("CONTEXT_RETENTION_DAYS must be >= 1, got %d", c.ContextRetentionDays)
	}
	return nil
}
