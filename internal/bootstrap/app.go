// Package bootstrap wires configuration into running services.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	v1 "agent_dispatch/api/v1"
	"agent_dispatch/internal/agentclient"
	"agent_dispatch/internal/audit"
	"agent_dispatch/internal/auth"
	"agent_dispatch/internal/authz"
	"agent_dispatch/internal/cache"
	"agent_dispatch/internal/config"
	"agent_dispatch/internal/db"
	"agent_dispatch/internal/dispatch"
	"agent_dispatch/internal/httpx"
	"agent_dispatch/internal/logx"
	"agent_dispatch/internal/notify"
	"agent_dispatch/internal/queue"
	"agent_dispatch/internal/reaper"
	"agent_dispatch/internal/registry"
	"agent_dispatch/internal/secrets"
	"agent_dispatch/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// App holds every long-lived service of the dispatcher
type App struct {
	Config *config.Config
	Logger *logrus.Entry

	DB          *gorm.DB
	Redis       *redis.Client
	Secrets     secrets.Store
	Paths       secrets.Paths
	Hub         *notify.Hub
	Bridge      *notify.RedisBridge
	Tokens      *auth.Manager
	Registry    *registry.Registry
	Queue       *queue.Store
	Reaper      *reaper.Worker
	Waiter      *dispatch.Waiter
	Audit       *audit.Writer
	Authorizer  authz.Authorizer
	AgentClient *agentclient.Client
	WS          *ws.Server
}

// Options override pieces of the wiring
type Options struct {
	// Secrets replaces the store chosen from configuration
	Secrets secrets.Store
	Now     func() time.Time
}

// New opens the stores and builds the services
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = logx.New(cfg.Log.Level, cfg.Log.Format)
	}
	log := logrus.NewEntry(logger)
	httpx.SetLogger(log.WithField("component", "httpx"))

	a := &App{Config: cfg, Logger: log}

	gdb, err := db.Open(cfg.Database, log)
	if err != nil {
		return nil, err
	}
	a.DB = gdb
	if cfg.Migrate {
		if err := db.Migrate(gdb, log); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.Secrets = opts.Secrets
	if a.Secrets == nil {
		if a.Secrets, err = newSecretStore(cfg.Vault, log); err != nil {
			a.Close()
			return nil, err
		}
	}
	a.Paths = secrets.Paths{Prefix: cfg.Vault.AgentPrefix}

	a.Hub = notify.NewHub(log)
	if cfg.Redis.Enabled {
		if a.Redis, err = cache.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
			a.Close()
			return nil, err
		}
		a.Bridge = notify.NewRedisBridge(a.Redis, cfg.Redis.ChannelPrefix, a.Hub, log)
		a.Hub.AddSink(a.Bridge)
		log.WithField("addr", cfg.Redis.Addr).Info("redis event bridge enabled")
	}

	a.Tokens = auth.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, time.Duration(cfg.JWT.ExpireMinutes)*time.Minute)
	a.Authorizer = authz.NewRoleAuthorizer()
	if cfg.WSEnabled {
		a.WS = ws.NewServer(a.Tokens, a.Authorizer, log)
		a.Hub.AddSink(a.WS.Feed())
	}

	a.Queue = queue.NewStore(gdb, queue.Options{
		DefaultTimeout: time.Duration(cfg.Commands.DefaultTimeoutSec) * time.Second,
		Publisher:      a.Hub,
		Logger:         log,
		Now:            opts.Now,
	})
	a.Reaper = reaper.NewWorker(reaper.Config{
		Expirer:     a.Queue,
		Logger:      log,
		IntervalSec: cfg.Commands.ReapIntervalSec,
	})
	a.Registry = registry.New(gdb, a.Secrets, registry.Options{
		Paths:            a.Paths,
		TokenGrace:       cfg.Agent.TokenGrace(),
		DashboardVersion: cfg.DashboardVersion,
		Logger:           log,
		Now:              opts.Now,
	})
	a.Waiter = dispatch.NewWaiter(a.Queue, a.Hub, dispatch.LimitsFromConfig(cfg.Poll), log)
	a.Audit = audit.NewWriter(gdb, log)
	a.AgentClient = agentclient.NewClient(time.Duration(cfg.Agent.OutboundTimeoutSec)*time.Second, log)

	return a, nil
}

func newSecretStore(cfg config.VaultConfig, log *logrus.Entry) (secrets.Store, error) {
	if !cfg.Enabled {
		log.Warn("VAULT_ENABLED=0: agent tokens are kept in process memory")
		return secrets.NewMemoryStore(), nil
	}
	client, err := secrets.NewVaultClient(cfg.Addr, cfg.Token)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"addr": cfg.Addr, "mount": cfg.Mount}).Info("vault secret store enabled")
	return secrets.NewVaultStore(client, cfg.Mount), nil
}

// Router builds the gin engine with every route
func (a *App) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logx.GinLogger(a.Logger.WithField("component", "http")))

	v1.SetupRouter(r, v1.Deps{
		DB:          a.DB,
		Tokens:      a.Tokens,
		Registry:    a.Registry,
		Queue:       a.Queue,
		Waiter:      a.Waiter,
		Audit:       a.Audit,
		Authorizer:  a.Authorizer,
		Secrets:     a.Secrets,
		Paths:       a.Paths,
		AgentClient: a.AgentClient,
		Logger:      a.Logger,
	})

	if a.WS != nil {
		h := gin.WrapH(a.WS.Handler())
		r.GET("/socket.io/*any", h)
		r.POST("/socket.io/*any", h)
	}
	return r
}

// Run serves HTTP until ctx is done, then shuts down gracefully
func (a *App) Run(ctx context.Context) error {
	if a.Bridge != nil {
		go func() {
			if err := a.Bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.WithError(err).Error("redis event bridge stopped")
			}
		}()
	}
	if a.WS != nil {
		a.WS.Start()
	}
	a.Reaper.Start()
	defer a.Reaper.Stop()

	// long-polls hold the connection up to the max wait
	writeTimeout := time.Duration(a.Config.Poll.MaxTimeoutSec+30) * time.Second
	srv := &http.Server{
		Addr:              a.Config.HTTPAddr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.WithField("addr", a.Config.HTTPAddr).Info("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close releases stores and connections
func (a *App) Close() {
	if a.WS != nil {
		if err := a.WS.Close(); err != nil {
			a.Logger.WithError(err).Warn("failed to close socket.io server")
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		if err := db.Close(a.DB); err != nil {
			a.Logger.WithError(err).Warn("failed to close database")
		}
	}
}
