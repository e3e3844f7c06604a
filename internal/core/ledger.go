package core

import (
	"fmt"
	"log/slog"
	"organictrace/internal/ledger"
	"os"
	"strconv"
	"time"
)

// LedgerDriver identifies a ledger client implementation.
type LedgerDriver string

const (
	LedgerMemory LedgerDriver = "memory" // in-process simulator
	LedgerHTTP   LedgerDriver = "http"   // JSON ledger gateway
)

// LedgerConfig selects and configures the ledger client.
type LedgerConfig struct {
	Driver      LedgerDriver
	GatewayURL  string
	BearerToken string
	Retry       ledger.RetryConfig
}

// LedgerConfigFromEnv reads the ledger settings.
//
//	ORGANICTRACE_LEDGER_DRIVER: memory|http (default memory)
//	ORGANICTRACE_LEDGER_URL: gateway base URL when driver=http
//	ORGANICTRACE_LEDGER_TOKEN: bearer token sent to the gateway
//	ORGANICTRACE_LEDGER_MAX_ATTEMPTS: submission attempts (default 4)
//	ORGANICTRACE_LEDGER_TIMEOUT: per-attempt timeout (default 30s)
func LedgerConfigFromEnv() (LedgerConfig, error) {
	cfg := LedgerConfig{
		Driver:      LedgerDriver(os.Getenv("ORGANICTRACE_LEDGER_DRIVER")),
		GatewayURL:  os.Getenv("ORGANICTRACE_LEDGER_URL"),
		BearerToken: os.Getenv("ORGANICTRACE_LEDGER_TOKEN"),
		Retry:       ledger.DefaultRetryConfig(),
	}
	if raw := os.Getenv("ORGANICTRACE_LEDGER_MAX_ATTEMPTS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return LedgerConfig{}, fmt.Errorf("invalid ORGANICTRACE_LEDGER_MAX_ATTEMPTS %q", raw)
		}
		cfg.Retry.MaxAttempts = n
	}
	if raw := os.Getenv("ORGANICTRACE_LEDGER_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return LedgerConfig{}, fmt.Errorf("invalid ORGANICTRACE_LEDGER_TIMEOUT %q", raw)
		}
		cfg.Retry.AttemptTimeout = d
	}
	return cfg, nil
}

// CheckDriverPairing rejects a persistent record store paired with the
// in-process ledger simulator. The simulator starts empty on every open, so
// every mirrored row would fail ledger verification on the next run.
func CheckDriverPairing(storage StorageConfig, ledgerCfg LedgerConfig) error {
	storageDriver := storage.Driver
	if storageDriver == "" {
		storageDriver = StorageSQLite
	}
	ledgerDriver := ledgerCfg.Driver
	if ledgerDriver == "" {
		ledgerDriver = LedgerMemory
	}
	if ledgerDriver == LedgerMemory && storageDriver != StorageMemory {
		return fmt.Errorf("storage driver %s needs a durable ledger: set ORGANICTRACE_LEDGER_DRIVER=http or use storage driver memory", storageDriver)
	}
	return nil
}

// OpenLedger builds the configured ledger client wrapped in the retrying
// decorator. The memory simulator is returned alongside for callers that
// need its chain inspection.
func OpenLedger(cfg LedgerConfig, logger *slog.Logger) (ledger.Client, *ledger.Memory, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = LedgerMemory
	}
	switch driver {
	case LedgerMemory:
		mem := ledger.NewMemory()
		return ledger.NewRetrying(mem, cfg.Retry, logger), mem, nil
	case LedgerHTTP:
		if cfg.GatewayURL == "" {
			return nil, nil, fmt.Errorf("ledger driver http requires a gateway url")
		}
		var opts []ledger.HTTPOption
		if cfg.BearerToken != "" {
			opts = append(opts, ledger.WithBearerToken(cfg.BearerToken))
		}
		client, err := ledger.NewHTTPClient(cfg.GatewayURL, opts...)
		if err != nil {
			return nil, nil, err
		}
		return ledger.NewRetrying(client, cfg.Retry, logger), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger driver %s", driver)
	}
}
