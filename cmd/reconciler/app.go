package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/settleup/reconciler/internal/api"
	"github.com/settleup/reconciler/internal/config"
	"github.com/settleup/reconciler/internal/currency"
	"github.com/settleup/reconciler/internal/ingestion"
	"github.com/settleup/reconciler/internal/keylock"
	"github.com/settleup/reconciler/internal/orchestrator"
	"github.com/settleup/reconciler/internal/provider"
	"github.com/settleup/reconciler/internal/reconciliation"
	"github.com/settleup/reconciler/internal/repository"
	"github.com/settleup/reconciler/internal/synclog"
	"github.com/settleup/reconciler/internal/tokenstore"
)

// app is the fully wired process shared by every command.
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	db       *sql.DB
	rdb      *redis.Client
	store    *repository.Store
	locker   keylock.Locker
	recorder *synclog.Recorder
	oauth    *tokenstore.OAuthRefresher
	tokens   *tokenstore.Store
	recon    *reconciliation.Service
	ingest   *ingestion.Service
	manager  *orchestrator.Manager
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	a := &app{cfg: cfg, log: log}

	log.WithField("path", cfg.DBPath).Info("initializing database")
	a.db, err = repository.InitDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init db: %w", err)
	}
	a.store = repository.NewStore(a.db)

	a.locker = keylock.NewLocal()
	if cfg.RedisAddress != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		a.rdb, err = config.ConnectRedisWithRetry(dialCtx, cfg.RedisAddress, log)
		cancel()
		if err != nil {
			a.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.locker = keylock.NewRedis(a.rdb, "reconciler:", 0, log)
	}

	a.recorder = synclog.NewRecorder(a.store.SyncLogs, cfg.ProviderTimeout, log)
	if cfg.QBOClientID != "" {
		a.oauth = tokenstore.NewOAuthRefresher(cfg.QBOClientID, cfg.QBOClientSecret,
			cfg.QBOAuthURL, cfg.QBOTokenURL, cfg.QBORedirectURL)
		a.tokens = tokenstore.New(a.store.Tokens, a.oauth, a.locker, a.recorder, log,
			tokenstore.WithLookahead(cfg.TokenLookahead),
			tokenstore.WithTimeout(cfg.ProviderTimeout))
	}

	a.recon = reconciliation.NewService(a.store, reconciliation.Config{
		Tolerance:  currency.Tolerance{Amount: cfg.MatchTolerance, Scale: cfg.MatchScale},
		WindowDays: cfg.MatchWindowDays,
		MaxStates:  cfg.MatchMaxStates,
	}, log)
	a.ingest = ingestion.NewService(a.store, a.locker, log,
		ingestion.WithWorkers(cfg.IngestWorkers),
		ingestion.WithMatchWindow(cfg.MatchWindowDays),
		ingestion.WithImports(a.recorder, a.recon))

	a.manager = orchestrator.NewManager(a.orchestrators()...)
	return a, nil
}

func (a *app) orchestrators() []*orchestrator.Orchestrator {
	cfg := a.cfg
	policy := orchestrator.DefaultPolicy()
	policy.Base = cfg.RetryBase
	policy.Cap = cfg.RetryCap
	policy.MaxAttempts = cfg.RetryMaxAttempts

	var (
		msc provider.BatchFetcher
		qbo provider.DepositFetcher
		bp  provider.TransactionFetcher
		tok orchestrator.Tokens
	)
	if cfg.MSCBaseURL != "" {
		msc = provider.NewMSC(cfg.MSCBaseURL, cfg.MSCAPIKey, cfg.ProviderTimeout, a.log)
	}
	if a.tokens != nil {
		qbo = provider.NewQBO(cfg.QBOBaseURL, cfg.ProviderTimeout, a.log)
		tok = a.tokens
	}
	if cfg.BlueprintReportURL != "" {
		bp = provider.NewBlueprint(cfg.BlueprintReportURL, cfg.BlueprintAPIKey, cfg.ProviderTimeout, a.log)
	}

	out := make([]*orchestrator.Orchestrator, 0, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		out = append(out, orchestrator.New(orchestrator.Deps{
			Tenant:     t,
			MSC:        msc,
			QBO:        qbo,
			Blueprint:  bp,
			Tokens:     tok,
			Recorder:   a.recorder,
			Ingester:   a.ingest,
			Reconciler: a.recon,
			Locker:     a.locker,
			Log:        a.log,
		},
			orchestrator.WithPolicy(policy),
			orchestrator.WithLookback(cfg.SyncLookback),
			orchestrator.WithInterval(cfg.SyncInterval),
		))
	}
	return out
}

func (a *app) apiDeps() api.Deps {
	d := api.Deps{
		Reconciliation: a.recon,
		Importer:       a.ingest,
		Syncs:          a.manager,
		SyncLogs:       a.store.SyncLogs,
		Stale:          a.recorder,
		StaleAfter:     a.cfg.StaleSyncAfter,
		Authorizer:     api.BearerAuthorizer{Token: a.cfg.AdminToken},
		Log:            a.log,
	}
	if a.tokens != nil {
		d.Tokens = a.tokens
		d.OAuth = a.oauth
	}
	return d
}

func (a *app) close() {
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// withApp wires the process for one command run.
func withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
