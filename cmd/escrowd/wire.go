package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	goredis "github.com/redis/go-redis/v9"

	"Handshake-Escrow/internal/config"
	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/internal/faucet"
	"Handshake-Escrow/internal/ledger"
	"Handshake-Escrow/internal/mirror"
	"Handshake-Escrow/internal/observability/alerting"
	"Handshake-Escrow/internal/orchestrator"
	"Handshake-Escrow/internal/reconcile"
	"Handshake-Escrow/internal/registry"
	"Handshake-Escrow/internal/service"
	"Handshake-Escrow/internal/storage/mysql"
	"Handshake-Escrow/internal/storage/postgres"
	redisstore "Handshake-Escrow/internal/storage/redis"
	"Handshake-Escrow/internal/task"
	"Handshake-Escrow/pkg/logger"
)

// components is everything a daemon command needs, built from config.
type components struct {
	local      *ledger.Ledger
	client     ledger.Client
	catalog    *registry.Catalog
	store      mirror.Store
	queue      task.Queue
	processor  *task.Processor
	reconciler *reconcile.Reconciler
	service    *service.Service
	closers    []func() error
}

// Close releases resources in reverse construction order.
func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			logger.L().Warn("close failed", slog.Any("error", err))
		}
	}
}

func build(ctx context.Context, cfg *config.Config, withQueue bool) (_ *components, err error) {
	c := &components{}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	if c.catalog, err = loadCatalog(cfg); err != nil {
		return nil, err
	}
	system, err := systemSigner(cfg.Ledger.SystemKey)
	if err != nil {
		return nil, err
	}

	switch cfg.Ledger.Mode {
	case "embedded":
		if c.local, err = newLocalLedger(cfg, c.catalog, system.Address()); err != nil {
			return nil, err
		}
		c.client = c.local
	case "rpc":
		client, err := ledger.DialRPC(ctx, cfg.Ledger.RPCURL)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() error { client.Close(); return nil })
		c.client = client
	default:
		return nil, fmt.Errorf("unknown ledger mode %q", cfg.Ledger.Mode)
	}

	if c.store, err = openMirror(ctx, cfg.Mirror); err != nil {
		return nil, err
	}
	c.closers = append(c.closers, c.store.Close)

	alerts := newAlerting(cfg.Alerting)
	c.reconciler = reconcile.New(c.client, c.store, c.catalog, reconcile.WithAlertDispatcher(alerts))

	builder := orchestrator.NewBuilder(c.client)
	submitter := orchestrator.NewSubmitter(c.client,
		orchestrator.WithConfirmationTimeout(cfg.Orchestrator.ConfirmationTimeout),
		orchestrator.WithPollInterval(cfg.Orchestrator.PollInterval))

	cooldowns, err := openCooldowns(ctx, cfg.Faucet)
	if err != nil {
		return nil, err
	}
	if closer, ok := cooldowns.(interface{ Close() error }); ok {
		c.closers = append(c.closers, closer.Close)
	}
	fct := faucet.New(c.catalog, builder, system, submitter,
		faucet.WithCooldown(cfg.Faucet.Cooldown),
		faucet.WithStore(cooldowns))

	deps := service.Dependencies{
		Ledger:     c.client,
		Catalog:    c.catalog,
		Store:      c.store,
		Builder:    builder,
		Submitter:  submitter,
		Faucet:     fct,
		Reconciler: c.reconciler,
		System:     system,
	}
	if withQueue {
		if c.queue, err = openQueue(ctx, cfg.Queue); err != nil {
			return nil, err
		}
		c.closers = append(c.closers, c.queue.Close)
		deps.Producer = c.queue
		c.processor = task.NewProcessor(c.reconciler, c.queue,
			task.WithWorkerCount(cfg.Queue.Workers),
			task.WithRetryPolicy(cfg.Queue.MaxRetries, cfg.Queue.RetryBase, cfg.Queue.RetryMax),
			task.WithAlertDispatcher(alerts))
	}

	if c.service, err = service.New(deps, service.WithSweepBatch(cfg.Sweeper.Batch)); err != nil {
		return nil, err
	}
	return c, nil
}

func loadCatalog(cfg *config.Config) (*registry.Catalog, error) {
	catalog, err := registry.LoadFile(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	if cfg.Catalog.Path == "" {
		logger.L().Warn("no catalog configured, only the native asset is available")
	}
	return catalog, nil
}

// systemSigner parses the authority key. An empty key yields an ephemeral
// one, which is only useful for an embedded development ledger.
func systemSigner(hexKey string) (*orchestrator.KeySigner, error) {
	if hexKey != "" {
		return orchestrator.KeySignerFromHex(hexKey)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "generate system key")
	}
	signer := orchestrator.NewKeySigner(key)
	logger.L().Warn("ledger.system_key not set, using an ephemeral authority",
		slog.String("authority", signer.Address().Hex()))
	return signer, nil
}

func newLocalLedger(cfg *config.Config, catalog *registry.Catalog, authority common.Address) (*ledger.Ledger, error) {
	l := ledger.New(ledger.Config{
		Authority:    authority,
		RecentWindow: cfg.Ledger.RecentWindow,
		SlotInterval: cfg.Ledger.SlotInterval,
		Workers:      cfg.Ledger.Workers,
		QueueSize:    cfg.Ledger.QueueSize,
	})
	if err := l.ApplyGenesis(genesisFromCatalog(catalog)); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "apply genesis")
	}
	return l, nil
}

// genesisFromCatalog provisions every catalog asset, pool and balance. The
// native asset lives at the zero address.
func genesisFromCatalog(catalog *registry.Catalog) ledger.Genesis {
	var g ledger.Genesis
	for _, a := range catalog.Assets() {
		g.Assets = append(g.Assets, ledger.Asset{Address: a.Address, Symbol: a.Symbol, Decimals: a.Decimals})
	}
	for _, p := range catalog.Pools() {
		g.Pools = append(g.Pools, ledger.GenesisPool{Asset: p.Asset, Operator: p.Operator, FeeBps: p.FeeBps})
	}
	for _, b := range catalog.Balances() {
		g.Holdings = append(g.Holdings, ledger.GenesisHolding{Owner: b.Owner, Asset: b.Asset, Balance: b.Amount})
	}
	return g
}

func openMirror(ctx context.Context, cfg config.MirrorConfig) (mirror.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return mirror.NewMemoryStore(), nil
	case "mysql":
		return mysql.NewMirrorStore(ctx, mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
	case "postgres":
		return postgres.NewStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown mirror driver %q", cfg.Driver)
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryQueue(cfg.Size), nil
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Name,
		})
	case "rabbitmq":
		name := cfg.RabbitMQ.Queue
		if name == "" {
			name = cfg.Name
		}
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    name,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  true,
		})
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

type redisCooldowns struct {
	*redisstore.Cooldowns
	client *goredis.Client
}

func (r redisCooldowns) Close() error { return r.client.Close() }

func openCooldowns(ctx context.Context, cfg config.FaucetConfig) (faucet.Cooldowns, error) {
	switch cfg.Store {
	case "", "memory":
		return faucet.NewMemoryCooldowns(), nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "connect faucet redis")
		}
		return redisCooldowns{
			Cooldowns: redisstore.NewCooldowns(client, redisstore.WithPrefix(cfg.Prefix)),
			client:    client,
		}, nil
	default:
		return nil, fmt.Errorf("unknown faucet store %q", cfg.Store)
	}
}

func newAlerting(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.WebhookURL,
			Client: &http.Client{Timeout: cfg.Timeout},
		})
	}
	return alerting.NewFanout(notifiers...)
}
