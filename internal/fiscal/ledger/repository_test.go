package ledger

import (
	"context"
	"io/fs"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fiscal-engine/internal/fiscal"
	"github.com/odyssey-erp/fiscal-engine/internal/platform/db"
	"github.com/odyssey-erp/fiscal-engine/migrations"
)

// testDSNEnv names a disposable database. The tests drop and recreate the
// schema, so never point it at real data.
const testDSNEnv = "FISCAL_TEST_PG_DSN"

func migratedPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", testDSNEnv)
	}
	ctx := context.Background()
	pool, err := db.New(ctx, dsn, db.Options{ApplicationName: "fiscal-engine-test"})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	downs, err := fs.Glob(migrations.FS, "*.down.sql")
	require.NoError(t, err)
	sort.Sort(sort.Reverse(sort.StringSlice(downs)))
	ups, err := fs.Glob(migrations.FS, "*.up.sql")
	require.NoError(t, err)
	sort.Strings(ups)
	for _, name := range append(downs, ups...) {
		raw, err := fs.ReadFile(migrations.FS, name)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, string(raw))
		require.NoError(t, err, name)
	}

	_, err = pool.Exec(ctx, `INSERT INTO tax_types (id, code, name, jurisdiction) VALUES
(1, 'ICMS', 'ICMS', 'estadual'), (2, 'ISS', 'ISS', 'municipal')`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO tax_regimes (id, code, name) VALUES
(1, 'PRESUMIDO', 'Lucro Presumido'), (2, 'REAL', 'Lucro Real')`)
	require.NoError(t, err)
	return pool
}

func insertCalc(t *testing.T, pool *pgxpool.Pool, at time.Time, regime int64, amount string, lines ...fiscal.TaxLine) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `INSERT INTO tax_calculations (operation, regime_id, amount, result, calculated_at)
VALUES ('venda', $1, $2, $3, $4)`, regime, d(amount), []byte(resultJSON(t, amount, lines...)), at)
	require.NoError(t, err)
}

func TestRepositoryCloseWithSeveralRegimesPerTaxType(t *testing.T) {
	pool := migratedPool(t)
	insertCalc(t, pool, inJune(10), 1, "1000", line("ICMS", "180"), line("ISS", "50"))
	insertCalc(t, pool, inJune(11), 2, "500", line("ICMS", "90"))
	svc := NewService(ServiceConfig{Repo: NewRepository(pool), Location: time.UTC})

	res, err := svc.Close(context.Background(), june2025)
	require.NoError(t, err)
	require.Len(t, res.Ledgers, 2)

	icms := res.Ledgers[0]
	assert.Equal(t, int64(1), icms.TaxTypeID)
	assert.Nil(t, icms.RegimeID)
	assert.True(t, d("270").Equal(icms.TotalDebits), icms.TotalDebits.String())
	assert.True(t, d("270").Equal(icms.BalanceDue))
	assert.Equal(t, StatusFechado, icms.Status)

	iss := res.Ledgers[1]
	require.NotNil(t, iss.RegimeID)
	assert.Equal(t, int64(1), *iss.RegimeID)

	again, err := svc.Close(context.Background(), june2025)
	require.NoError(t, err)
	require.Len(t, again.Ledgers, 2)
	assert.Equal(t, icms.UpdatedAt, again.Ledgers[0].UpdatedAt)

	reopened, err := svc.Reopen(context.Background(), june2025)
	require.NoError(t, err)
	require.Len(t, reopened, 2)
	assert.Equal(t, StatusAberto, reopened[0].Status)
	assert.True(t, d("270").Equal(reopened[0].TotalDebits))
}

func TestRepositoryReopenWithoutLedgers(t *testing.T) {
	pool := migratedPool(t)
	svc := NewService(ServiceConfig{Repo: NewRepository(pool), Location: time.UTC})
	_, err := svc.Reopen(context.Background(), june2025)
	require.ErrorIs(t, err, ErrPeriodNotClosed)
}
