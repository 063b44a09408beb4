// Package app wires every component into a running process: config,
// sqlite stores, repos, the Authorization Fabric, Memory Store,
// Embedding Selector, Semantic Index, Vectorization Engine, Vault,
// inference client, Chat Orchestrator, handlers, middleware, and the
// gin router. Grounded on the teacher's own internal/app/app.go
// top-level shape (logger first, config second, stores/repos/services
// built bottom-up, then handlers/middleware/router), generalized from
// its wireRepos/wireServices/wireHandlers/wireRouter split (course-
// generation-specific) to this repo's component graph.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nullspire/opencircle/internal/authz"
	"github.com/nullspire/opencircle/internal/chat"
	"github.com/nullspire/opencircle/internal/config"
	"github.com/nullspire/opencircle/internal/db"
	"github.com/nullspire/opencircle/internal/embedding"
	"github.com/nullspire/opencircle/internal/handlers"
	"github.com/nullspire/opencircle/internal/inference"
	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/memory"
	"github.com/nullspire/opencircle/internal/middleware"
	"github.com/nullspire/opencircle/internal/repos"
	"github.com/nullspire/opencircle/internal/semanticindex"
	"github.com/nullspire/opencircle/internal/server"
	"github.com/nullspire/opencircle/internal/services"
	"github.com/nullspire/opencircle/internal/sse"
	"github.com/nullspire/opencircle/internal/vault"
	"github.com/nullspire/opencircle/internal/vectorengine"
)

type App struct {
	Log    *logger.Logger
	Stores *db.Stores
	Router *gin.Engine
	Cfg    config.Config
	Fabric authz.Fabric

	vectorengine vectorengine.Engine
	cancel       context.CancelFunc
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("loading configuration...")
	cfg := config.Load(log)
	if err := cfg.Validate(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	stores, err := db.Open(cfg, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("open stores: %w", err)
	}
	if err := stores.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	userRepo := repos.NewUserRepo(stores.App, log)
	userTokenRepo := repos.NewUserTokenRepo(stores.App, log)
	teamRepo := repos.NewTeamRepo(stores.App, log)
	teamMemberRepo := repos.NewTeamMemberRepo(stores.App, log)
	resourcePermissionRepo := repos.NewResourcePermissionRepo(stores.App, log)
	inviteCodeRepo := repos.NewInviteCodeRepo(stores.App, log)
	inviteAttemptRepo := repos.NewInviteAttemptRepo(stores.App, log)
	delayedPromotionRepo := repos.NewDelayedPromotionRepo(stores.App, log)
	tempPromotionRepo := repos.NewTempPromotionRepo(stores.App, log)
	vaultItemRepo := repos.NewVaultItemRepo(stores.App, log)
	auditEntryRepo := repos.NewAuditEntryRepo(stores.AuditLog, log)

	chatSessionRepo := repos.NewChatSessionRepo(stores.ChatMemory, log)
	chatMessageRepo := repos.NewChatMessageRepo(stores.ChatMemory, log)
	conversationSummaryRepo := repos.NewConversationSummaryRepo(stores.ChatMemory, log)
	documentChunkRepo := repos.NewDocumentChunkRepo(stores.ChatMemory, log)
	messageEmbeddingRepo := repos.NewMessageEmbeddingRepo(stores.ChatMemory, log)

	fabric := authz.New(
		stores.App, log, cfg,
		userRepo, teamRepo, teamMemberRepo, resourcePermissionRepo,
		inviteCodeRepo, inviteAttemptRepo, delayedPromotionRepo,
		tempPromotionRepo, auditEntryRepo,
	)

	mem := memory.NewStore(
		stores.ChatMemory, log,
		chatSessionRepo, chatMessageRepo, conversationSummaryRepo,
		documentChunkRepo, messageEmbeddingRepo,
	)

	selector := embedding.New(cfg, log, nil)
	index := semanticindex.New(
		log, selector, mem, messageEmbeddingRepo, documentChunkRepo,
		cfg.RedisAddr, cfg.SemanticCacheTTLSeconds,
	)
	engine := vectorengine.New(log, selector, cfg.ContextWorkers, 1024, cfg.ContextRetentionDays)
	inferenceCli := inference.New(cfg, log)
	orchestrator := chat.New(log, fabric, mem, index, selector, inferenceCli, engine, teamMemberRepo)

	var vlt vault.Vault
	if cfg.VaultMasterKeyB64 != "" {
		masterKey, err := vault.DecodeMasterKey(cfg.VaultMasterKeyB64)
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("decode vault master key: %w", err)
		}
		vlt, err = vault.New(vaultItemRepo, fabric, log, masterKey)
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("init vault: %w", err)
		}
	} else {
		log.Warn("VAULT_MASTER_KEY is unset; vault endpoints are disabled")
	}

	authService := services.NewAuthService(stores.App, log, userRepo, userTokenRepo, cfg.JWTSecretKey, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	userService := services.NewUserService(log, userRepo)

	hub := sse.NewSSEHub(log)

	authHandler := handlers.NewAuthHandler(authService)
	userHandler := handlers.NewUserHandler(userService)
	chatHandler := handlers.NewChatHandler(mem, orchestrator, index)
	teamHandler := handlers.NewTeamHandler(fabric, teamRepo, teamMemberRepo, hub)
	sseHandler := handlers.NewSSEHandler(hub)
	authMiddleware := middleware.NewAuthMiddleware(log, authService)

	var vaultHandler *handlers.VaultHandler
	if vlt != nil {
		vaultHandler = handlers.NewVaultHandler(vlt)
	}

	router := server.NewRouter(server.RouterConfig{
		Log:            log,
		Cfg:            cfg,
		AuthHandler:    authHandler,
		AuthMiddleware: authMiddleware,
		UserHandler:    userHandler,
		ChatHandler:    chatHandler,
		TeamHandler:    teamHandler,
		VaultHandler:   vaultHandler,
		SSEHandler:     sseHandler,
	})

	return &App{
		Log:          log,
		Stores:       stores,
		Router:       router,
		Cfg:          cfg,
		Fabric:       fabric,
		vectorengine: engine,
	}, nil
}

// Start launches the background promotion sweep (§4.5.4's delayed and
// automatic guest promotions; the offline-super-admin failsafe is not part
// of it — the fabric itself only exposes RunPromotionSweep, the scheduling
// is an external concern per §6).
// runServer is accepted for parity with the teacher's split-container
// deployment shape but doesn't affect the sweep; runWorker gates it so
// a server-only container can opt out of running the ticker locally.
func (a *App) Start(runServer, runWorker bool) {
	if a == nil || a.cancel != nil || !runWorker {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := a.Fabric.RunPromotionSweep(ctx); err != nil {
					a.Log.Warn("promotion sweep failed", "err", err)
				}
			}
		}
	}()
}

func (a *App) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Router.Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.vectorengine != nil {
		a.vectorengine.Shutdown(5 * time.Second)
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
