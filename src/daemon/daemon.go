// Package daemon wires the treasury components together.
package daemon

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/0xb10c/treasury-go/src/bitcoinrpcclient"
	"github.com/0xb10c/treasury-go/src/chain"
	"github.com/0xb10c/treasury-go/src/config"
	"github.com/0xb10c/treasury-go/src/indexerclient"
	"github.com/0xb10c/treasury-go/src/keystore"
	"github.com/0xb10c/treasury-go/src/reconciler"
	"github.com/0xb10c/treasury-go/src/scheduler"
	"github.com/0xb10c/treasury-go/src/storage"
	"github.com/0xb10c/treasury-go/src/syncer"
	"github.com/0xb10c/treasury-go/src/treasury"
	"github.com/0xb10c/treasury-go/src/zmqsubscriber"
)

// Services are the components shared by the daemon and the operator CLI.
type Services struct {
	Store      *storage.Storage
	Chain      chain.Client
	Engine     *treasury.Engine
	Syncer     *syncer.Syncer
	Reconciler *reconciler.Reconciler

	closers []func()
}

// NewChainClient builds the configured backend, bounded by the chain timeout
// and with a source transaction cache in front.
func NewChainClient(cfg *config.Config, log logrus.FieldLogger) (*chain.CachingClient, func(), error) {
	var (
		backend      chain.Client
		closeBackend = func() {}
	)
	switch cfg.Chain.Backend {
	case config.BackendRPC:
		rpc, err := bitcoinrpcclient.NewBitcoinRPCClient(cfg.Chain.RPCAddress, cfg.Chain.MinConf, log)
		if err != nil {
			return nil, nil, errors.Wrap(err, "could not set up RPC client")
		}
		backend, closeBackend = rpc, rpc.Shutdown
	case config.BackendIndexer:
		backend = indexerclient.New(cfg.Chain.IndexerURL, cfg.Chain.IndexerKey, nil, log)
	default:
		return nil, nil, errors.Errorf("unknown chain backend %q", cfg.Chain.Backend)
	}

	cached := chain.NewCachingClient(chain.WithTimeout(backend, cfg.Chain.Timeout), cfg.Chain.CacheTTL, cfg.Chain.CacheEntries)
	return cached, func() {
		cached.Close()
		closeBackend()
	}, nil
}

// TreasuryConfig is the withdrawal policy of cfg.
func TreasuryConfig(cfg *config.Config) treasury.Config {
	return treasury.Config{
		Network:       cfg.Network(),
		FeeModel:      cfg.FeeModel(),
		DustThreshold: cfg.Policy.Dust,
		DailyCap:      cfg.Policy.DailyCap,
		MaxWithdrawal: cfg.Policy.MaxWithdrawal,
	}
}

// Open opens the ledger and the chain client and builds the engine and the
// reconciliation tasks on top of them.
func Open(cfg *config.Config, log logrus.FieldLogger) (*Services, error) {
	store, err := storage.NewStorage(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "could not initialize storage")
	}

	c, closeChain, err := NewChainClient(cfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	keys := keystore.New(cfg.Network(), cfg.Wallet.Passphrase)
	return &Services{
		Store:      store,
		Chain:      c,
		Engine:     treasury.New(store, c, keys, TreasuryConfig(cfg), log),
		Syncer:     syncer.New(store, c, cfg.Network(), log),
		Reconciler: reconciler.New(store, c, log),
		closers:    []func(){closeChain},
	}, nil
}

// Close releases the chain client and the database.
func (s *Services) Close() error {
	for _, c := range s.closers {
		c()
	}
	return s.Store.Close()
}

// TreasuryDaemon runs the synchronizer and the reconciler on their intervals,
// triggers early syncs on node notifications and serves metrics.
type TreasuryDaemon struct {
	*Services
	cfg       *config.Config
	sync      *scheduler.Scheduler
	reconcile *scheduler.Scheduler
	zmqSub    *zmqsubscriber.ZMQSubscriber
	log       logrus.FieldLogger
}

// NewTreasuryDaemon initiates a new TreasuryDaemon.
func NewTreasuryDaemon(cfg *config.Config, log logrus.FieldLogger) (*TreasuryDaemon, error) {
	services, err := Open(cfg, log)
	if err != nil {
		return nil, err
	}
	d := &TreasuryDaemon{
		Services: services,
		cfg:      cfg,
		log:      log.WithField("component", "daemon"),
	}

	d.sync = scheduler.New("sync", cfg.Loops.SyncInterval, func(ctx context.Context) error {
		_, err := d.Syncer.Run(ctx)
		return err
	}, log)
	d.reconcile = scheduler.New("reconcile", cfg.Loops.ReconcileInterval, func(ctx context.Context) error {
		_, err := d.Reconciler.Run(ctx)
		return err
	}, log)

	if cfg.Loops.ZMQAddress != "" {
		d.zmqSub, err = zmqsubscriber.NewZMQSubscriber(cfg.Loops.ZMQAddress, func(zmqsubscriber.Notification) {
			d.sync.Trigger()
		}, log)
		if err != nil {
			_ = services.Close()
			return nil, errors.Wrap(err, "could not set up ZMQ subscriber")
		}
	}
	return d, nil
}

// bootstrapWallet imports the configured key when there is no wallet yet.
func (d *TreasuryDaemon) bootstrapWallet(ctx context.Context) error {
	w, err := d.Engine.Wallet(ctx)
	switch {
	case errors.Is(err, storage.ErrNoWallet):
		if d.cfg.Wallet.WIF == "" {
			d.log.Warn("no treasury wallet, create one with treasuryctl create-wallet")
			return nil
		}
		w, err = d.Engine.ImportWallet(ctx, d.cfg.Wallet.WIF)
		if err != nil {
			return errors.Wrap(err, "could not import the configured wallet key")
		}
	case err != nil:
		return err
	}
	d.log.WithField("address", w.Address).Info("treasury wallet loaded")
	return nil
}

// Run blocks until ctx is cancelled or a component fails.
func (d *TreasuryDaemon) Run(ctx context.Context) error {
	if err := d.bootstrapWallet(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.sync.Run(ctx) })
	g.Go(func() error { return d.reconcile.Run(ctx) })
	if d.zmqSub != nil {
		g.Go(func() error { return d.zmqSub.Run(ctx) })
	}
	if d.cfg.Loops.MetricsListen != "" {
		g.Go(func() error { return d.serveMetrics(ctx) })
	}
	return g.Wait()
}

func (d *TreasuryDaemon) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              d.cfg.Loops.MetricsListen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	d.log.WithField("listen", srv.Addr).Info("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server failed")
	}
	return nil
}

// Close stops the subscriber and releases the services.
func (d *TreasuryDaemon) Close() error {
	if d.zmqSub != nil {
		if err := d.zmqSub.Quit(); err != nil {
			d.log.WithError(err).Warn("could not close ZMQ socket")
		}
	}
	return d.Services.Close()
}
