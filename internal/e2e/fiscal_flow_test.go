package e2e

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fiscal-engine/internal/app"
	"github.com/odyssey-erp/fiscal-engine/internal/fiscal"
	"github.com/odyssey-erp/fiscal-engine/internal/fiscal/calc"
	fiscalhttp "github.com/odyssey-erp/fiscal-engine/internal/fiscal/http"
	"github.com/odyssey-erp/fiscal-engine/internal/fiscal/ledger"
	"github.com/odyssey-erp/fiscal-engine/internal/fiscal/rules"
	"github.com/odyssey-erp/fiscal-engine/internal/observability"
	"github.com/odyssey-erp/fiscal-engine/internal/platform/cache"
)

var calcTime = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type harness struct {
	db      *memoryDB
	router  http.Handler
	redis   *miniredis.Miniredis
	metrics *prometheus.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	summaries := cache.NewVersioned(client, "fiscal", time.Minute)

	registry := prometheus.NewRegistry()
	metrics := observability.NewFiscalMetrics(registry)
	db := newMemoryDB()

	ruleService := rules.NewService(ruleRepo{db: db}, time.UTC, nil)
	ruleService.WithNow(func() time.Time { return calcTime })
	engine := calc.NewEngine(calc.EngineConfig{
		Rules:    ruleService,
		Store:    calcStore{db: db},
		Cache:    summaries,
		Location: time.UTC,
		Metrics:  metrics,
	})
	engine.WithNow(func() time.Time { return calcTime })
	ledgerService := ledger.NewService(ledger.ServiceConfig{
		Repo:     ledgerRepo{db: db},
		Cache:    summaries,
		Location: time.UTC,
		Metrics:  metrics,
	})

	router := app.NewRouter(app.RouterParams{
		Config: &app.Config{RateLimitPerMinute: 1000},
		FiscalHandler: fiscalhttp.NewHandler(fiscalhttp.Config{
			Rules:  ruleService,
			Calc:   engine,
			Ledger: ledgerService,
		}),
		Metrics: observability.NewMetrics(),
	})
	return &harness{db: db, router: router, redis: mr, metrics: registry}
}

func (h *harness) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func (h *harness) createRule(t *testing.T, taxTypeID int64, method, rate string, priority int) rules.TaxRule {
	t.Helper()
	body := map[string]any{
		"regime_id":   1,
		"tax_type_id": taxTypeID,
		"operation":   "venda",
		"calc_method": method,
		"rate":        rate,
		"priority":    priority,
		"valid_from":  "2025-01-01T00:00:00Z",
	}
	rr := h.do(t, http.MethodPost, "/fiscal/rules", body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[rules.TaxRule](t, rr)
}

type ledgerList struct {
	Period  fiscal.Period      `json:"period"`
	Ledgers []ledger.TaxLedger `json:"ledgers"`
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.RequireFromString(want).Equal(got), "want %s got %s", want, got)
}

func TestCalculateCloseReopenThroughAPI(t *testing.T) {
	h := newHarness(t)
	h.createRule(t, 1, "percentual", "18", 10)

	calcBody := map[string]any{"regime_id": 1, "operation": "venda", "amount": "1000"}
	rr := h.do(t, http.MethodPost, "/fiscal/calculations", calcBody, fiscalhttp.IdempotencyHeader, "order-1")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	first := decode[calc.TaxCalculation](t, rr)
	require.Len(t, first.Result.Taxes, 1)
	requireDecimal(t, "180", first.Result.Taxes[0].Amount)
	requireDecimal(t, "180", first.Result.TotalTax)
	requireDecimal(t, "820", first.Result.NetAmount)

	// replaying the key returns the stored record instead of a second row
	rr = h.do(t, http.MethodPost, "/fiscal/calculations", calcBody, fiscalhttp.IdempotencyHeader, "order-1")
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, first.ID, decode[calc.TaxCalculation](t, rr).ID)
	assert.Len(t, h.db.calcs, 1)

	rr = h.do(t, http.MethodPost, "/fiscal/periods/2025/6/close", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	closed := decode[ledger.CloseResult](t, rr)
	require.Len(t, closed.Ledgers, 1)
	row := closed.Ledgers[0]
	assert.Equal(t, int64(1), row.TaxTypeID)
	assert.Equal(t, ledger.StatusFechado, row.Status)
	requireDecimal(t, "180", row.TotalDebits)
	requireDecimal(t, "0", row.TotalCredits)
	requireDecimal(t, "180", row.BalanceDue)
	require.NotNil(t, row.RegimeID)
	assert.Equal(t, int64(1), *row.RegimeID)

	rr = h.do(t, http.MethodPost, "/fiscal/periods/2025/6/close", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	again := decode[ledger.CloseResult](t, rr)
	require.Len(t, again.Ledgers, 1)
	assert.Equal(t, row.UpdatedAt, again.Ledgers[0].UpdatedAt)

	rr = h.do(t, http.MethodPost, "/fiscal/periods/2025/6/reopen", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	reopened := decode[ledgerList](t, rr)
	require.Len(t, reopened.Ledgers, 1)
	assert.Equal(t, ledger.StatusAberto, reopened.Ledgers[0].Status)
	requireDecimal(t, "180", reopened.Ledgers[0].TotalDebits)
	requireDecimal(t, "180", reopened.Ledgers[0].BalanceDue)
}

func TestSummaryReflectsNewCalculations(t *testing.T) {
	h := newHarness(t)
	h.createRule(t, 1, "percentual", "18", 10)
	h.createRule(t, 2, "percentual", "5", 20)

	rr := h.do(t, http.MethodGet, "/fiscal/periods/2025/6/summary", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	type view struct {
		Summary ledger.PeriodSummary `json:"summary"`
		Ledgers []ledger.TaxLedger   `json:"ledgers"`
	}
	empty := decode[view](t, rr)
	assert.Zero(t, empty.Summary.TotalOperations)
	assert.Empty(t, empty.Ledgers)

	rr = h.do(t, http.MethodPost, "/fiscal/calculations", map[string]any{"regime_id": 1, "operation": "venda", "amount": "1000"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	result := decode[calc.TaxCalculation](t, rr).Result
	require.Len(t, result.Taxes, 2)
	requireDecimal(t, "180", result.Taxes[0].Amount)
	requireDecimal(t, "50", result.Taxes[1].Amount)
	requireDecimal(t, "230", result.TotalTax)
	requireDecimal(t, "770", result.NetAmount)

	// the stored calculation bumped the cache version, so this is rebuilt
	rr = h.do(t, http.MethodGet, "/fiscal/periods/2025/6/summary", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	filled := decode[view](t, rr)
	assert.Equal(t, 1, filled.Summary.TotalOperations)
	requireDecimal(t, "230", filled.Summary.TotalTax)
	require.Contains(t, filled.Summary.TaxBreakdown, "ICMS")
	requireDecimal(t, "180", filled.Summary.TaxBreakdown["ICMS"].Total)
	requireDecimal(t, "50", filled.Summary.TaxBreakdown["ISS"].Total)
}

func TestPreviewDoesNotPersist(t *testing.T) {
	h := newHarness(t)
	h.createRule(t, 1, "valor_fixo", "50", 10)

	rr := h.do(t, http.MethodPost, "/fiscal/calculations/preview", map[string]any{"regime_id": 1, "operation": "venda", "amount": "1000"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	result := decode[fiscal.CalculationResult](t, rr)
	requireDecimal(t, "50", result.TotalTax)
	requireDecimal(t, "950", result.NetAmount)
	assert.Empty(t, h.db.calcs)
}

func TestReopenWithoutCloseIsConflict(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodPost, "/fiscal/periods/2025/6/reopen", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestUnsupportedMethodFailsLoudly(t *testing.T) {
	h := newHarness(t)
	h.createRule(t, 1, "mva", "40", 10)

	rr := h.do(t, http.MethodPost, "/fiscal/calculations", map[string]any{"regime_id": 1, "operation": "venda", "amount": "1000"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, rr.Body.String())
	assert.Empty(t, h.db.calcs)
}
