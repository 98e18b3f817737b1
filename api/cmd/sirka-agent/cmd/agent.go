package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/user"
	"strconv"

	"github.com/sirka-internal/vps-agent/api/internal/adapters"
	"github.com/sirka-internal/vps-agent/api/internal/config"
	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
	"github.com/sirka-internal/vps-agent/api/internal/core/services"
	"github.com/sirka-internal/vps-agent/api/internal/db"
	"github.com/sirka-internal/vps-agent/api/internal/db/postgres"
	"github.com/sirka-internal/vps-agent/api/internal/infrastructure/archive"
	"github.com/sirka-internal/vps-agent/api/internal/telemetry"
)

// historyPerSite bounds the in-memory deployment history when no database is set.
const historyPerSite = 50

// agent is the fully wired core shared by the daemon and the one-shot commands.
type agent struct {
	kind    domain.BackendKind
	backend domain.RuntimeBackend
	manager *services.ActivationManager
	service *services.DeployService
	hub     *telemetry.Hub
	closers []func()
}

func (a *agent) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newAgent detects the runtime, builds the backend and wires the deploy pipeline.
// It fails fast when no runtime is usable.
func newAgent(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*agent, error) {
	runner := adapters.ExecRunner{}

	kind, err := adapters.SelectBackendKind(ctx, cfg.Runtime, adapters.ExecProbe{Runner: runner}, logger)
	if err != nil {
		return nil, err
	}
	backend, err := adapters.NewBackend(kind, adapters.BackendOptions{
		Runner:         runner,
		DockerNetwork:  cfg.DockerNetwork,
		DockerImage:    cfg.DockerImage,
		SitesAvailable: cfg.NginxSitesAvailable,
		SitesEnabled:   cfg.NginxSitesEnabled,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	stager, err := archive.NewStager(archive.Limits{MaxBytes: cfg.MaxExtractedSize}, nil, logger)
	if err != nil {
		return nil, err
	}
	owner, err := servingOwner(cfg.ServeUser, cfg.ServeGroup)
	if err != nil {
		return nil, err
	}

	a := &agent{kind: kind, backend: backend, hub: telemetry.NewHub()}
	a.manager = services.NewActivationManager(services.ActivationManagerConfig{
		DeployRoot:    cfg.DeployPath,
		DefaultPolicy: cfg.ActivationPolicy,
		Stager:        stager,
		Backend:       backend,
		Locks:         services.NewSiteLocks(cfg.DeployPath),
		Perms:         owner,
		Events:        a.hub,
		Logger:        logger,
	})

	if restored, err := a.manager.RecoverInterrupted(ctx); err != nil {
		logger.Warn("Interrupted swap recovery failed", slog.Any("error", err))
	} else if len(restored) > 0 {
		logger.Warn("Restored sites left dark by an interrupted swap", slog.Any("sites", restored))
	}

	audit, history, err := a.openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a.service = services.NewDeployService(services.DeployServiceConfig{
		Source:      services.NewArtifactSource(&http.Client{}, cfg.FetchTimeout, cfg.MaxArtifactSize),
		Manager:     a.manager,
		Audit:       audit,
		History:     history,
		Events:      a.hub,
		PlatformURL: cfg.PlatformURL,
		Logger:      logger,
	})
	return a, nil
}

// openStores picks PostgreSQL when DATABASE_URL is set and the JSONL audit file
// plus in-memory history otherwise.
func (a *agent) openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.AuditRepository, domain.DeploymentRepository, error) {
	if cfg.DatabaseURL == "" {
		return db.NewFileAuditLog(cfg.AuditLogPath, logger), db.NewMemoryHistory(historyPerSite), nil
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	sqlDB := postgres.SQLX(pool)
	a.closers = append(a.closers, pool.Close, func() { sqlDB.Close() })

	logger.Info("Audit and history stored in PostgreSQL")
	return postgres.NewAuditRepository(pool), postgres.NewDeploymentRepository(sqlDB), nil
}

// servingOwner resolves SERVE_USER / SERVE_GROUP. Without a user the extracted
// tree keeps its owner and only modes are normalized.
func servingOwner(userName, groupName string) (services.OwnershipAdjuster, error) {
	owner := services.OwnershipAdjuster{UID: -1, GID: -1}
	if userName == "" {
		return owner, nil
	}

	u, err := user.Lookup(userName)
	if err != nil {
		return owner, fmt.Errorf("SERVE_USER: %w", err)
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)

	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return owner, fmt.Errorf("SERVE_GROUP: %w", err)
		}
		gid, _ = strconv.Atoi(g.Gid)
	}
	owner.UID, owner.GID = uid, gid
	return owner, nil
}

// buildVerifier chains every configured token source. Local checks come first so
// a deploy does not wait on the platform when the token is verifiable here. The
// returned cache is nil when no platform is configured.
func buildVerifier(cfg *config.Config, logger *slog.Logger) (services.VerifierChain, *services.TokenCache, error) {
	var chain services.VerifierChain

	if cfg.TokenHash != "" {
		static, err := services.NewStaticVerifier(cfg.TokenHash)
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, static)
	}
	if cfg.JWTSecret != "" {
		chain = append(chain, services.NewTokenService(cfg.JWTSecret, cfg.AgentID))
	}

	var cache *services.TokenCache
	if cfg.PlatformURL != "" {
		platform := services.NewPlatformVerifier(cfg.PlatformURL, &http.Client{})
		cache = services.NewTokenCache(platform, cfg.TokenCacheTTL, services.RealClock{}, logger)
		chain = append(chain, cache)
	}

	if len(chain) == 0 {
		logger.Warn("No agent authentication configured; every protected request will be rejected")
	}
	return chain, cache, nil
}
