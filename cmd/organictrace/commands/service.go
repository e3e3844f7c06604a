package commands

import (
	"context"
	"encoding/json"
	"log/slog"
	"organictrace/internal/blob"
	"organictrace/internal/core"
	"organictrace/internal/telemetry"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/spf13/viper"
)

// registry collects the metrics of one CLI run for the Pushgateway.
var registry = prometheus.NewRegistry()

var recorder = telemetry.NewPrometheusRecorder(registry)

// loadConfig layers flags and the optional config file over the
// environment configuration.
func loadConfig() (core.Config, error) {
	cfg, err := core.ConfigFromEnv()
	if err != nil {
		return core.Config{}, err
	}
	if v := viper.GetString("storage-driver"); v != "" {
		cfg.Storage.Driver = core.StorageDriver(v)
	}
	if v := viper.GetString("ledger-driver"); v != "" {
		cfg.Ledger.Driver = core.LedgerDriver(v)
	}
	if v := viper.GetString("ledger-url"); v != "" {
		cfg.Ledger.GatewayURL = v
	}
	if v := viper.GetString("blob-driver"); v != "" {
		cfg.Blob.Driver = blob.Driver(v)
	}
	return cfg, nil
}

func openService(ctx context.Context) (*core.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	opts := []core.Option{
		core.WithLogger(slog.Default()),
		core.WithMetrics(recorder),
	}
	if viper.GetBool("trace") {
		opts = append(opts, core.WithTracer(telemetry.NewJSONTracer(os.Stderr)))
	}
	return core.NewService(ctx, cfg, opts...)
}

// withService opens the service, runs fn and closes the service again.
func withService(ctx context.Context, fn func(*core.Service) error) error {
	svc, err := openService(ctx)
	if err != nil {
		return err
	}
	runErr := fn(svc)
	if err := svc.Close(ctx); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func pushMetrics(ctx context.Context) error {
	url := viper.GetString("pushgateway-url")
	if url == "" {
		return nil
	}
	if err := push.New(url, "organictrace").Gatherer(registry).PushContext(ctx); err != nil {
		slog.Warn("could not push metrics", "url", url, "err", err)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
