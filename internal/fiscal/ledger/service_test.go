package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fiscal-engine/internal/fiscal"
	"github.com/odyssey-erp/fiscal-engine/internal/observability"
	"github.com/odyssey-erp/fiscal-engine/internal/platform/cache"
	"github.com/odyssey-erp/fiscal-engine/internal/shared"
)

type storedCalc struct {
	rec CalculationRecord
	at  time.Time
}

type ledgerKey struct {
	month, year int
	taxTypeID   int64
}

type memoryRepo struct {
	mu        sync.Mutex
	calcs     []storedCalc
	taxTypes  map[int64]string
	ledgers   map[ledgerKey]TaxLedger
	nextID    int64
	clock     time.Time
	loads     int
	locks     []fiscal.Period
	upsertErr map[int64]error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		taxTypes:  map[int64]string{1: "ICMS", 2: "ISS", 3: "PIS"},
		ledgers:   make(map[ledgerKey]TaxLedger),
		clock:     time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC),
		upsertErr: make(map[int64]error),
	}
}

func (m *memoryRepo) addCalc(t *testing.T, at time.Time, regime int64, amount string, lines ...fiscal.TaxLine) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	id := int64(len(m.calcs) + 1)
	m.calcs = append(m.calcs, storedCalc{
		rec: CalculationRecord{ID: id, RegimeID: regime, Amount: d(amount), Result: resultJSON(t, amount, lines...)},
		at:  at,
	})
}

func (m *memoryRepo) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make(map[ledgerKey]TaxLedger, len(m.ledgers))
	for k, v := range m.ledgers {
		snapshot[k] = v
	}
	if err := fn(ctx, &memoryTx{m: m}); err != nil {
		m.ledgers = snapshot
		return err
	}
	return nil
}

func (m *memoryRepo) CalculationsBetween(_ context.Context, from, to time.Time) ([]CalculationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.between(from, to), nil
}

func (m *memoryRepo) ListLedgers(_ context.Context, p fiscal.Period) ([]TaxLedger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(p), nil
}

func (m *memoryRepo) between(from, to time.Time) []CalculationRecord {
	m.loads++
	var out []CalculationRecord
	for _, c := range m.calcs {
		if c.at.Before(from) || !c.at.Before(to) {
			continue
		}
		out = append(out, c.rec)
	}
	return out
}

func (m *memoryRepo) list(p fiscal.Period) []TaxLedger {
	var out []TaxLedger
	for k, l := range m.ledgers {
		if k.month == p.Month && k.year == p.Year {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaxTypeID < out[j].TaxTypeID })
	return out
}

// memoryTx runs with memoryRepo.mu held by WithTx.
type memoryTx struct {
	m *memoryRepo
}

func (t *memoryTx) LockPeriod(_ context.Context, p fiscal.Period) error {
	t.m.locks = append(t.m.locks, p)
	return nil
}

func (t *memoryTx) CalculationsBetween(_ context.Context, from, to time.Time) ([]CalculationRecord, error) {
	return t.m.between(from, to), nil
}

func (t *memoryTx) TaxTypeIndex(context.Context) (map[string]int64, error) {
	index := make(map[string]int64, len(t.m.taxTypes))
	for id, name := range t.m.taxTypes {
		index[shared.NormalizeName(name)] = id
	}
	return index, nil
}

func (t *memoryTx) UpsertLedger(_ context.Context, u LedgerUpsert) error {
	if err := t.m.upsertErr[u.TaxTypeID]; err != nil {
		return err
	}
	key := ledgerKey{month: u.Period.Month, year: u.Period.Year, taxTypeID: u.TaxTypeID}
	existing, ok := t.m.ledgers[key]
	if !ok {
		t.m.nextID++
		now := t.m.tick()
		t.m.ledgers[key] = TaxLedger{
			ID: t.m.nextID, PeriodMonth: u.Period.Month, PeriodYear: u.Period.Year,
			TaxTypeID: u.TaxTypeID, TaxTypeName: t.m.taxTypes[u.TaxTypeID], RegimeID: u.RegimeID,
			TotalDebits: u.TotalDebits, TotalCredits: d("0"), BalanceDue: u.TotalDebits,
			Status: StatusFechado, CreatedAt: now, UpdatedAt: now,
		}
		return nil
	}
	balance := u.TotalDebits.Sub(existing.TotalCredits)
	if sameRegime(existing.RegimeID, u.RegimeID) && existing.TotalDebits.Equal(u.TotalDebits) &&
		existing.BalanceDue.Equal(balance) && existing.Status == StatusFechado {
		return nil
	}
	existing.RegimeID = u.RegimeID
	existing.TotalDebits = u.TotalDebits
	existing.BalanceDue = balance
	existing.Status = StatusFechado
	existing.UpdatedAt = t.m.tick()
	t.m.ledgers[key] = existing
	return nil
}

func (t *memoryTx) SetPeriodStatus(_ context.Context, p fiscal.Period, status Status) (int64, error) {
	var n int64
	for k, l := range t.m.ledgers {
		if k.month != p.Month || k.year != p.Year {
			continue
		}
		n++
		if l.Status != status {
			l.Status = status
			l.UpdatedAt = t.m.tick()
			t.m.ledgers[k] = l
		}
	}
	return n, nil
}

func (t *memoryTx) ListLedgers(_ context.Context, p fiscal.Period) ([]TaxLedger, error) {
	return t.m.list(p), nil
}

func sameRegime(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

var june2025 = fiscal.Period{Month: 6, Year: 2025}

func inJune(day int) time.Time {
	return time.Date(2025, 6, day, 12, 0, 0, 0, time.UTC)
}

func newTestService(repo *memoryRepo, c SummaryCache, metrics *observability.FiscalMetrics) *Service {
	return NewService(ServiceConfig{Repo: repo, Cache: c, Location: time.UTC, Metrics: metrics})
}

func TestCloseAndReopenScenarioD(t *testing.T) {
	repo := newMemoryRepo()
	repo.addCalc(t, inJune(10), 1, "1000", line("ICMS", "180"))
	svc := newTestService(repo, nil, nil)
	ctx := context.Background()

	res, err := svc.Close(ctx, june2025)
	require.NoError(t, err)
	assert.Empty(t, res.Skipped)
	require.Len(t, res.Ledgers, 1)
	l := res.Ledgers[0]
	assert.Equal(t, int64(1), l.TaxTypeID)
	assert.Equal(t, "ICMS", l.TaxTypeName)
	assert.Equal(t, "180", l.TotalDebits.String())
	assert.Equal(t, "0", l.TotalCredits.String())
	assert.Equal(t, "180", l.BalanceDue.String())
	assert.Equal(t, StatusFechado, l.Status)
	require.NotNil(t, l.RegimeID)
	assert.Equal(t, int64(1), *l.RegimeID)
	assert.Equal(t, []fiscal.Period{june2025}, repo.locks)

	reopened, err := svc.Reopen(ctx, june2025)
	require.NoError(t, err)
	require.Len(t, reopened, 1)
	assert.Equal(t, StatusAberto, reopened[0].Status)
	assert.Equal(t, "180", reopened[0].TotalDebits.String())
	assert.Equal(t, "180", reopened[0].BalanceDue.String())
}

func TestCloseTwiceLeavesRowsUntouched(t *testing.T) {
	repo := newMemoryRepo()
	repo.addCalc(t, inJune(10), 1, "1000", line("ICMS", "180"), line("ISS", "50"))
	svc := newTestService(repo, nil, nil)
	ctx := context.Background()

	first, err := svc.Close(ctx, june2025)
	require.NoError(t, err)
	second, err := svc.Close(ctx, june2025)
	require.NoError(t, err)

	a, err := json.Marshal(first.Ledgers)
	require.NoError(t, err)
	b, err := json.Marshal(second.Ledgers)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
	assert.Equal(t, first.Ledgers, second.Ledgers)
}

func TestCloseAfterNewCalculationOverwritesTotals(t *testing.T) {
	repo := newMemoryRepo()
	repo.addCalc(t, inJune(10), 1, "1000", line("ICMS", "180"))
	svc := newTestService(repo, nil, nil)
	ctx := context.Background()

	_, err := svc.Close(ctx, june2025)
	require.NoError(t, err)
	_, err = svc.Reopen(ctx, june2025)
	require.NoError(t, err)

	repo.addCalc(t, inJune(20), 1, "500", line("ICMS", "90"))
	res, err := svc.Close(ctx, june2025)
	require.NoError(t, err)
	require.Len(t, res.Ledgers, 1)
	assert.Equal(t, "270", res.Ledgers[0].TotalDebits.String())
	assert.Equal(t, "270", res.Ledgers[0].BalanceDue.String())
	assert.Equal(t, StatusFechado, res.Ledgers[0].Status)
}

func TestCloseIgnoresOtherMonths(t *testing.T) {
	repo := newMemoryRepo()
	repo.addCalc(t, time.Date(2025, 5, 31, 23, 59, 59, 0, time.UTC), 1, "100", line("ICMS", "18"))
	repo.addCalc(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), 1, "1000", line("ICMS", "180"))
	repo.addCalc(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), 1, "100", line("ICMS", "18"))
	svc := newTestService(repo, nil, nil)

	res, err := svc.Close(context.Background(), june2025)
	require.NoError(t, err)
	require.Len(t, res.Ledgers, 1)
	assert.Equal(t, "180", res.Ledgers[0].TotalDebits.String())
	assert.Equal(t, 1, res.Summary.TotalOperations)
}

func TestCloseSkipsUnresolvedTaxTypes(t *testing.T) {
	repo := newMemoryRepo()
	repo.addCalc(t, inJune(10), 1, "1000", line("ICMS", "180"), line("COFINS", "30"))
	registry := prometheus.NewRegistry()
	svc := newTestService(repo, nil, observability.NewFiscalMetrics(registry))

	res, err := svc.Close(context.Background(), june2025)
	require.NoError(t, err)
	require.Len(t, res.Ledgers, 1)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "COFINS", res.Skipped[0].TaxType)
	assert.Equal(t, "30", res.Skipped[0].Total.String())
	assert.Equal(t, 1, res.Skipped[0].Operations)

	count, err := testutil.GatherAndCount(registry, "fiscal_ledger_unresolved_tax_types_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCloseResolvesNamesIgnoringCaseAndSpacing(t *testing.T) {
	repo := newMemoryRepo()
	repo.addCalc(t, inJune(10), 1, "1000", line("ICMS", "180"))
	repo.addCalc(t, inJune(11), 2, "100", line(" icms ", "18"))
	svc := newTestService(repo, nil, nil)

	res, err := svc.Close(context.Background(), june2025)
	require.NoError(t, err)
	assert.Empty(t, res.Skipped)
	require.Len(t, res.Ledgers, 1)
	assert.Equal(t, "198", res.Ledgers[0].TotalDebits.String())
	assert.Nil(t, res.Ledgers[0].RegimeID)
}

func TestCloseRollsBackOnUpsertFailure(t *testing.T) {
	repo := newMemoryRepo()
	repo.addCalc(t, inJune(10), 1, "1000", line("ICMS", "180"), line("ISS", "50"))
	repo.upsertErr[2] = errors.New("deadlock detected")
	svc := newTestService(repo, nil, nil)

	_, err := svc.Close(context.Background(), june2025)
	require.ErrorContains(t, err, "deadlock detected")
	ledgers, err := svc.Ledgers(context.Background(), june2025)
	require.NoError(t, err)
	assert.Empty(t, ledgers)
}

func TestConcurrentClosesProduceSameRows(t *testing.T) {
	repo := newMemoryRepo()
	repo.addCalc(t, inJune(10), 1, "1000", line("ICMS", "180"))
	repo.addCalc(t, inJune(12), 1, "1000", line("ISS", "50"))
	svc := newTestService(repo, nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Close(ctx, june2025)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	ledgers, err := svc.Ledgers(ctx, june2025)
	require.NoError(t, err)
	require.Len(t, ledgers, 2)
	assert.Equal(t, "180", ledgers[0].TotalDebits.String())
	assert.Equal(t, "50", ledgers[1].TotalDebits.String())
	assert.Equal(t, ledgers[0].CreatedAt, ledgers[0].UpdatedAt)
	assert.Len(t, repo.locks, 8)
}

func TestReopenWithoutLedgersFails(t *testing.T) {
	svc := newTestService(newMemoryRepo(), nil, nil)
	_, err := svc.Reopen(context.Background(), june2025)
	require.ErrorIs(t, err, ErrPeriodNotClosed)
}

func TestInvalidPeriodRejected(t *testing.T) {
	svc := newTestService(newMemoryRepo(), nil, nil)
	ctx := context.Background()
	bad := fiscal.Period{Month: 0, Year: 2025}

	_, err := svc.Close(ctx, bad)
	require.ErrorIs(t, err, fiscal.ErrInvalidPeriod)
	_, err = svc.Reopen(ctx, bad)
	require.ErrorIs(t, err, fiscal.ErrInvalidPeriod)
	_, err = svc.Summary(ctx, bad)
	require.ErrorIs(t, err, fiscal.ErrInvalidPeriod)
}

func TestSummaryIsCachedUntilBumped(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	summaries := cache.NewVersioned(client, "fiscal:summary", time.Minute)

	repo := newMemoryRepo()
	repo.addCalc(t, inJune(10), 1, "1000", line("ICMS", "180"))
	svc := newTestService(repo, summaries, nil)
	ctx := context.Background()

	first, err := svc.Summary(ctx, june2025)
	require.NoError(t, err)
	assert.Equal(t, "180", first.TaxBreakdown["ICMS"].Total.String())
	assert.Equal(t, 1, repo.loads)

	repo.addCalc(t, inJune(11), 1, "500", line("ICMS", "90"))
	cached, err := svc.Summary(ctx, june2025)
	require.NoError(t, err)
	assert.Equal(t, "180", cached.TaxBreakdown["ICMS"].Total.String())
	assert.Equal(t, 1, repo.loads)

	require.NoError(t, summaries.Bump(ctx))
	fresh, err := svc.Summary(ctx, june2025)
	require.NoError(t, err)
	assert.Equal(t, "270", fresh.TaxBreakdown["ICMS"].Total.String())
	assert.Equal(t, 2, fresh.TotalOperations)
	assert.Equal(t, 2, repo.loads)
}

// gatedRepo blocks summary loads until release is closed and fails loads
// whose context was cancelled meanwhile.
type gatedRepo struct {
	*memoryRepo
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedRepo) CalculationsBetween(ctx context.Context, from, to time.Time) ([]CalculationRecord, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.memoryRepo.CalculationsBetween(ctx, from, to)
}

func TestSummaryWaiterSurvivesFirstCallerCancel(t *testing.T) {
	repo := &gatedRepo{memoryRepo: newMemoryRepo(), entered: make(chan struct{}), release: make(chan struct{})}
	repo.addCalc(t, inJune(10), 1, "1000", line("ICMS", "180"))
	svc := NewService(ServiceConfig{Repo: repo, Location: time.UTC})

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.Summary(firstCtx, june2025)
		firstErr <- err
	}()
	<-repo.entered

	type outcome struct {
		summary PeriodSummary
		err     error
	}
	second := make(chan outcome, 1)
	go func() {
		summary, err := svc.Summary(context.Background(), june2025)
		second <- outcome{summary, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller kept waiting on the shared load")
	}

	close(repo.release)
	select {
	case got := <-second:
		require.NoError(t, got.err)
		assert.Equal(t, "180", got.summary.TaxBreakdown["ICMS"].Total.String())
	case <-time.After(2 * time.Second):
		t.Fatal("waiting caller did not receive the summary")
	}
}

func TestCloseBumpsSummaryCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	summaries := cache.NewVersioned(client, "fiscal:summary", time.Minute)

	repo := newMemoryRepo()
	repo.addCalc(t, inJune(10), 1, "1000", line("ICMS", "180"))
	svc := newTestService(repo, summaries, nil)
	ctx := context.Background()

	before, err := summaries.Version(ctx)
	require.NoError(t, err)
	_, err = svc.Close(ctx, june2025)
	require.NoError(t, err)
	after, err := summaries.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)
}
