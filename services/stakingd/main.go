package stakingd

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"stakepool/config"
	"stakepool/core/events"
	"stakepool/crypto"
	"stakepool/internal/passphrase"
	"stakepool/observability"
	"stakepool/observability/logging"
	telemetry "stakepool/observability/otel"
	"stakepool/services/stakingd/journal"
	"stakepool/storage"
)

// Main initialises and runs the staking daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/stakingd/config.yaml", "path to stakingd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("STAKEPOOL_ENV"))
	logOpts := logging.Options{Level: logging.ParseLevel(cfg.Log.Level)}
	if cfg.Log.File != "" {
		logOpts.File = &logging.FileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		}
	}
	logger, logCloser := logging.SetupWithOptions("stakingd", env, logOpts)
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("stakingd", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	secret := passphrase.NewSource(cfg.PassphraseEnv)
	poolPass, err := poolPassphrase(cfg.PoolFile, secret)
	if err != nil {
		return err
	}
	pool, err := config.LoadPool(cfg.PoolFile, poolPass)
	if err != nil {
		return fmt.Errorf("load pool file: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open state db: %w", err)
	}
	defer db.Close()

	journalDB, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	history, err := journal.New(journalDB, logger)
	if err != nil {
		return err
	}
	history.Start(cfg.Journal.Buffer)
	defer history.Close()
	logger.Info("journal opened", slog.String("driver", cfg.Journal.Driver), logging.MaskField("dsn", cfg.Journal.DSN))

	openKey := func() (*crypto.PrivateKey, error) {
		pass, err := secret.Get()
		if err != nil {
			return nil, err
		}
		return crypto.LoadFromKeystore(pool.OperatorKeystorePath, pass)
	}
	emitter := events.Fanout{history, observability.MetricsEmitter{}}
	node, err := NewNode(db, pool, cfg.PausedModules, emitter, openKey, logger)
	if err != nil {
		return err
	}

	server := NewServer(node, history, cfg, logger)
	if !cfg.Idempotency.Disabled {
		idem, err := OpenIdempotencyStore(cfg.Idempotency.Path, nil)
		if err != nil {
			return err
		}
		defer idem.Close()
		if pruned, err := idem.Prune(time.Now()); err != nil {
			logger.Warn("idempotency prune failed", slog.Any("error", err))
		} else if pruned > 0 {
			logger.Info("idempotency records expired", slog.Int("count", pruned))
		}
		server.SetIdempotencyStore(idem)
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("stakingd listening", slog.String("listen", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		logger.Info("stakingd stopped")
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// poolPassphrase resolves the passphrase only when a default pool file and
// keystore have to be generated. Existing deployments defer the prompt until
// the key is actually needed.
func poolPassphrase(path string, src *passphrase.Source) (string, error) {
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	pass, err := src.Get()
	if err != nil {
		return "", fmt.Errorf("operator passphrase: %w", err)
	}
	return pass, nil
}
