package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/config"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/logging"
)

const shutdownTimeout = 30 * time.Second

type brokerFlags struct {
	configPath     string
	listenAddr     string
	wsListenAddr   string
	advertisedAddr string
	healthAddr     string
	metricsAddr    string
	brokerID       string
	clusterID      string
	strategy       string
	drainTimeout   time.Duration
}

func newBrokerCmd() *cobra.Command {
	var f brokerFlags
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Start the broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			return runBroker(cfg, f)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.configPath, "config", "", "path to configuration file")
	fs.StringVar(&f.listenAddr, "listen", "", "override TCP listen address (e.g. :9999)")
	fs.StringVar(&f.wsListenAddr, "ws-listen", "", "override WebSocket listen address")
	fs.StringVar(&f.advertisedAddr, "advertised-addr", "", "override address announced to instances and peers")
	fs.StringVar(&f.healthAddr, "health-addr", "", "override health endpoint address")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "override metrics endpoint address")
	fs.StringVar(&f.brokerID, "broker-id", "", "broker id (default: random uuid)")
	fs.StringVar(&f.clusterID, "cluster-id", "", "override cluster id")
	fs.StringVar(&f.strategy, "strategy", "", "override routing strategy")
	fs.DurationVar(&f.drainTimeout, "drain-timeout", DefaultDrainTimeout, "how long shutdown waits for instances to disconnect")
	return cmd
}

// load reads the configuration and applies flag overrides.
func (f brokerFlags) load() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if f.configPath != "" {
		cfg, err = config.LoadFromPath(f.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if f.listenAddr != "" {
		cfg.Broker.ListenAddr = f.listenAddr
	}
	if f.wsListenAddr != "" {
		cfg.Broker.WSListenAddr = f.wsListenAddr
	}
	if f.advertisedAddr != "" {
		cfg.Broker.AdvertisedAddr = f.advertisedAddr
	}
	if f.healthAddr != "" {
		cfg.Observability.HealthAddr = f.healthAddr
	}
	if f.metricsAddr != "" {
		cfg.Observability.MetricsAddr = f.metricsAddr
	}
	if f.clusterID != "" {
		cfg.Broker.ClusterID = f.clusterID
	}
	if f.strategy != "" {
		cfg.Broker.Strategy = f.strategy
	}
	return cfg, cfg.Validate()
}

func runBroker(cfg *config.Config, f brokerFlags) error {
	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Observability.LogLevel),
		Format: logging.ParseFormat(cfg.Observability.LogFormat),
	})
	logging.SetGlobal(logger)
	defer logger.Sync()

	b, err := NewBroker(BrokerOptions{
		Config:       cfg,
		Logger:       logger,
		BrokerID:     f.brokerID,
		Version:      version,
		GitCommit:    gitCommit,
		BuildTime:    buildTime,
		DrainTimeout: f.drainTimeout,
	})
	if err != nil {
		logger.Errorf("failed to create broker", map[string]any{"error": err.Error()})
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Start(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Infof("received shutdown signal", map[string]any{"signal": sig.String()})
	case runErr = <-errCh:
		if runErr != nil {
			logger.Errorf("broker error", map[string]any{"error": runErr.Error()})
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := b.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
