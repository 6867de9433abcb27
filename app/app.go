// Package app wires repositories, collaborators and services from config.
// cmd/api and cmd/escrowctl share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"escrowflow/actionlog"
	"escrowflow/auth"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/ledger"
	"escrowflow/listing"
	"escrowflow/notify"
	"escrowflow/order"
	"escrowflow/settlement"
	"escrowflow/shipping"
)

type App struct {
	Config config.Config
	Logger *zap.Logger
	Pool   *pgxpool.Pool

	Auth       *auth.Service
	Orders     *order.Service
	Settlement *settlement.Service
	Sweeper    *settlement.Sweeper
	Disputes   *dispute.Service
	Shipping   *shipping.Service
	Transfers  *ledger.Repository

	redis *redis.Client
	async *notify.Async
}

// New connects to Postgres (and Redis when notifications are enabled) and
// builds every service. Call Close when done.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	tokens, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, 0)
	if err != nil {
		return nil, fmt.Errorf("app: auth.jwt_secret: %w", err)
	}

	pool, err := db.NewPool(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, Pool: pool, Auth: tokens}

	if cfg.DB.MigrateOnStart {
		if _, err := db.Migrate(ctx, pool, logger); err != nil {
			a.Close()
			return nil, err
		}
	}

	var notifier notify.Dispatcher = notify.Nop{}
	if cfg.Notify.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, notifications will be dropped", zap.Error(err))
		}
		a.async, err = notify.NewAsync(
			notify.NewRedisDispatcher(a.redis, cfg.Notify.ChannelPrefix),
			cfg.Notify.Workers, cfg.Notify.Timeout, logger,
		)
		if err != nil {
			a.Close()
			return nil, err
		}
		notifier = a.async
	}

	a.Transfers = ledger.NewRepository(pool)
	settler := ledger.NewSettler(
		ledger.NewHTTPGateway(ledger.HTTPConfig{
			BaseURL: cfg.Ledger.BaseURL,
			APIKey:  cfg.Ledger.APIKey,
			Timeout: cfg.Ledger.Timeout,
		}),
		a.Transfers,
		cfg.Ledger.EscrowAccount,
		ledger.Policy{
			MaxAttempts:     cfg.Ledger.MaxAttempts,
			InitialInterval: cfg.Ledger.InitialBackoff,
			MaxInterval:     cfg.Ledger.MaxBackoff,
		},
		logger,
	)

	a.Orders = order.NewService(
		order.NewRepository(pool),
		actionlog.NewReader(pool),
		listing.NewRepository(pool),
		settler, notifier, logger,
	)
	a.Settlement = settlement.NewService(settlement.NewRepository(pool), settler, notifier, logger)
	a.Sweeper = settlement.NewSweeper(a.Settlement, a.Transfers, settlement.SweepConfig{
		AutoConfirmAfter: cfg.Settlement.AutoConfirmAfter,
		RetryGrace:       cfg.Settlement.RetryGrace,
		BatchSize:        cfg.Settlement.BatchSize,
	}, logger)
	a.Disputes = dispute.NewService(dispute.NewRepository(pool), settler, notifier, logger)
	a.Shipping = shipping.NewService(
		shipping.NewRepository(pool),
		shipping.NewHTTPCarrier(shipping.CarrierConfig{
			BaseURL: cfg.Carrier.BaseURL,
			APIKey:  cfg.Carrier.APIKey,
			Timeout: cfg.Carrier.Timeout,
		}),
		notifier, logger,
	)
	return a, nil
}

// Sweep runs one background pass: ledger retries, stranded releases,
// optional auto-confirmation and stale shipment claims.
func (a *App) Sweep(ctx context.Context) error {
	_, err := a.Sweeper.Run(ctx)
	shipped, shipErr := a.Shipping.ResumeStale(ctx, a.Config.Carrier.ClaimTimeout, a.Config.Settlement.BatchSize)
	if shipped > 0 {
		a.Logger.Info("stale shipments resumed", zap.Int("count", shipped))
	}
	if shipErr != nil {
		shipErr = fmt.Errorf("resume shipments: %w", shipErr)
	}
	return errors.Join(err, shipErr)
}

func (a *App) Close() {
	if a.async != nil {
		if err := a.async.Close(5 * time.Second); err != nil {
			a.Logger.Warn("notification pool did not drain", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.Pool.Close()
}
