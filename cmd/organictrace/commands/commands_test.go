package commands

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	t.Chdir(t.TempDir())
	base := []string{"--storage-driver", "memory", "--ledger-driver", "memory", "--blob-driver", "memory", "--log-level", "error"}
	rootCmd.SetArgs(append(base, args...))
	return Execute(context.Background())
}

func TestLedgerCheckOnEmptyStore(t *testing.T) {
	require.NoError(t, run(t, "ledger", "check"))
}

func TestVerifyUnknownQRCode(t *testing.T) {
	require.NoError(t, run(t, "verify", "qr", "missing", "--location", "Market"))
}

func TestOrphansRepairNeedsTarget(t *testing.T) {
	err := run(t, "orphans", "repair")
	assert.ErrorContains(t, err, "pass tx refs or --all")
}

func TestOrphansRepairUnknownRef(t *testing.T) {
	err := run(t, "orphans", "repair", "tx-unknown")
	assert.ErrorContains(t, err, "still pending")
}

func TestLoadConfigAppliesFlags(t *testing.T) {
	t.Setenv("ORGANICTRACE_STORAGE_DRIVER", "postgres")
	require.NoError(t, run(t, "orphans", "list"))

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.EqualValues(t, "memory", cfg.Storage.Driver)
	assert.EqualValues(t, "memory", cfg.Ledger.Driver)
}
