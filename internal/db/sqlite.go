// Package db opens the sqlite-backed stores named in §6.3: chat_memory.db,
// app.db, agent_sessions.db, and audit_log.db, each in its own *gorm.DB, in
// WAL journal mode with normal-synchronous durability.
package db

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/nullspire/opencircle/internal/config"
	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/types"
)

// Stores bundles the four sqlite connections the rest of the process
// wires repos against.
type Stores struct {
	ChatMemory     *gorm.DB
	App            *gorm.DB
	AgentSessions  *gorm.DB
	AuditLog       *gorm.DB
	log            *logger.Logger
}

func Open(cfg config.Config, baseLog *logger.Logger) (*Stores, error) {
	dbLog := baseLog.With("component", "db")

	for _, dir := range []string{cfg.DataDir, cfg.UploadsDir, cfg.VaultFilesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
		}
	}

	chatMemory, err := openOne(cfg.ChatMemoryDBPath, dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open chat_memory.db: %w", err)
	}
	app, err := openOne(cfg.AppDBPath, dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open app.db: %w", err)
	}
	agentSessions, err := openOne(cfg.AgentSessionsDBPath, dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open agent_sessions.db: %w", err)
	}
	auditLog, err := openOne(cfg.AuditLogDBPath, dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit_log.db: %w", err)
	}

	return &Stores{
		ChatMemory:    chatMemory,
		App:           app,
		AgentSessions: agentSessions,
		AuditLog:      auditLog,
		log:           dbLog,
	}, nil
}

func openOne(path string, baseLog *logger.Logger) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on", path)

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	baseLog.Info("opening sqlite store", "path", filepath.Base(path))
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: false,
		Logger: gormLog,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows only one writer at a time regardless of pool size;
	// capping connections avoids SQLITE_BUSY under concurrent handlers.
	sqlDB.SetMaxOpenConns(1)

	return database, nil
}

// AutoMigrateAll migrates every aggregate into its owning store.
func (s *Stores) AutoMigrateAll() error {
	s.log.Info("auto migrating chat_memory.db")
	if err := s.ChatMemory.AutoMigrate(
		&types.ChatSession{},
		&types.ChatMessage{},
		&types.ConversationSummary{},
		&types.DocumentChunk{},
		&types.MessageEmbedding{},
	); err != nil {
		return fmt.Errorf("chat_memory.db migration: %w", err)
	}

	s.log.Info("auto migrating app.db")
	if err := s.App.AutoMigrate(
		&types.User{},
		&types.UserToken{},
		&types.Team{},
		&types.TeamMember{},
		&types.InviteCode{},
		&types.InviteAttempt{},
		&types.DelayedPromotion{},
		&types.TempPromotion{},
		&types.ResourcePermission{},
		&types.VaultItem{},
	); err != nil {
		return fmt.Errorf("app.db migration: %w", err)
	}

	s.log.Info("auto migrating agent_sessions.db")
	if err := s.AgentSessions.AutoMigrate(
		&AgentSession{},
	); err != nil {
		return fmt.Errorf("agent_sessions.db migration: %w", err)
	}

	s.log.Info("auto migrating audit_log.db")
	if err := s.AuditLog.AutoMigrate(
		&types.AuditEntry{},
	); err != nil {
		return fmt.Errorf("audit_log.db migration: %w", err)
	}

	return nil
}

// AgentSession is a minimal stand-in for the agent workspace sessions
// §6.3 reserves a store for; the Chat Orchestrator and Memory Store
// described in spec.md don't themselves define its shape, so it is kept
// to the identifying fields a future agent-workspace feature would need.
type AgentSession struct {
	ID        string    `gorm:"type:text;primaryKey" json:"id"`
	UserID    string    `gorm:"index;not null;column:user_id" json:"user_id"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (AgentSession) TableName() string {
	return "agent_session"
}
