// Command interceptproxy runs the intercepting proxy: it loads configuration
// from the environment, prepares the local CA, connects the shared store,
// and serves the listener until interrupted.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/nullwire/interceptproxy/pkg/ca"
	"github.com/nullwire/interceptproxy/pkg/config"
	"github.com/nullwire/interceptproxy/pkg/handler"
	"github.com/nullwire/interceptproxy/pkg/listener"
	"github.com/nullwire/interceptproxy/pkg/model"
	"github.com/nullwire/interceptproxy/pkg/policy"
	"github.com/nullwire/interceptproxy/pkg/store"
	"github.com/nullwire/interceptproxy/pkg/store/memstore"
	"github.com/nullwire/interceptproxy/pkg/store/sqlitestore"
	"github.com/nullwire/interceptproxy/pkg/upstream"
	"github.com/nullwire/interceptproxy/pkg/wire"
)

func main() {
	if err := run(); err != nil {
		hclog.Default().Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "interceptproxy",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	root, err := ca.LoadOrCreateRoot(cfg.CACertPath, cfg.CAKeyPath)
	if err != nil {
		return err
	}
	authority, err := ca.New(root, ca.Config{
		KeyAlgorithm:  ca.KeyAlgorithm(cfg.CertKeyAlgorithm),
		CacheCapacity: cfg.CertCacheCapacity,
	})
	if err != nil {
		return err
	}
	logger.Info("certificate authority ready", "cert", cfg.CACertPath, "key", cfg.CAKeyPath)

	st, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	metrics := listener.NewMetrics(authority)
	h := handler.New(handler.Deps{
		CA:       authority,
		Store:    st,
		Policy:   policy.NewCachedSource(st, cfg.StoreGracePeriod),
		Upstream: upstream.New(),
		Logger:   logger.Named("handler"),
		Metrics:  metrics,
	}, handler.Config{
		Caps: wire.Caps{
			MaxLineLength:  cfg.MaxLineLength,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
			MaxBodyBytes:   cfg.MaxBodyBytes,
		},
		VerdictTimeout:     cfg.VerdictTimeout,
		ReviewBodyCapBytes: cfg.ReviewBodyCapBytes,
		ReviewResponses:    cfg.ReviewResponses,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := listener.ServeMetrics(ctx, cfg.MetricsAddr, metrics, logger.Named("metrics")); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	ln := listener.New(listener.Config{
		Addr:          cfg.ListenAddr,
		ShutdownGrace: cfg.ShutdownGrace,
	}, h, logger.Named("listener"), metrics)

	return ln.Run(ctx)
}

// openStore selects the configured store backing: SQLite when STORE_DSN is
// set, in-memory otherwise. Whichever store is opened is seeded from the
// YAML policy file when one is configured.
func openStore(cfg config.Config, logger hclog.Logger) (store.Store, func(), error) {
	mode, bl := model.ModeIntercept, model.Blocklist{}
	if cfg.PolicyConfigPath != "" {
		var err error
		mode, bl, err = policy.LoadFile(cfg.PolicyConfigPath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("policy seeded from file", "path", cfg.PolicyConfigPath, "mode", mode,
			"domains", len(bl.Domains), "keywords", len(bl.Keywords))
	}

	if cfg.StoreDSN == "" {
		return memstore.New(mode, bl), func() {}, nil
	}

	st, err := sqlitestore.Open(cfg.StoreDSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.PolicyConfigPath != "" {
		ctx := context.Background()
		if err := st.SetPolicyMode(ctx, mode); err != nil {
			st.Close()
			return nil, nil, err
		}
		if err := st.SetBlocklists(ctx, bl); err != nil {
			st.Close()
			return nil, nil, err
		}
	}
	logger.Info("sqlite store opened", "dsn", cfg.StoreDSN)
	return st, func() { st.Close() }, nil
}
