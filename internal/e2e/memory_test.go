package e2e

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fiscal-engine/internal/fiscal"
	"github.com/odyssey-erp/fiscal-engine/internal/fiscal/calc"
	"github.com/odyssey-erp/fiscal-engine/internal/fiscal/ledger"
	"github.com/odyssey-erp/fiscal-engine/internal/fiscal/rules"
	"github.com/odyssey-erp/fiscal-engine/internal/shared"
)

// memoryDB backs the rule, calculation and ledger ports with shared state so
// a calculation stored through the engine is visible to the ledger closer.
type memoryDB struct {
	mu       sync.Mutex
	nextID   int64
	clock    time.Time
	taxTypes map[int64]rules.TaxType
	regimes  map[int64]rules.TaxRegime
	rules    map[int64]rules.TaxRule
	calcs    []calc.TaxCalculation
	ledgers  map[ledgerKey]ledger.TaxLedger
}

type ledgerKey struct {
	month, year int
	taxTypeID   int64
}

func newMemoryDB() *memoryDB {
	return &memoryDB{
		nextID: 100,
		clock:  time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC),
		taxTypes: map[int64]rules.TaxType{
			1: {ID: 1, Code: "ICMS", Name: "ICMS", Jurisdiction: fiscal.Jurisdiction("estadual")},
			2: {ID: 2, Code: "ISS", Name: "ISS", Jurisdiction: fiscal.Jurisdiction("municipal")},
		},
		regimes: map[int64]rules.TaxRegime{
			1: {ID: 1, Code: "PRESUMIDO", Name: "Lucro Presumido"},
		},
		rules:   make(map[int64]rules.TaxRule),
		ledgers: make(map[ledgerKey]ledger.TaxLedger),
	}
}

func (m *memoryDB) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memoryDB) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

// rules.RepositoryPort

type ruleRepo struct{ db *memoryDB }

func (r ruleRepo) ApplicableRules(_ context.Context, q rules.Query) ([]rules.TaxRule, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	all := make([]rules.TaxRule, 0, len(r.db.rules))
	for _, rule := range r.db.rules {
		all = append(all, rule)
	}
	return rules.Filter(all, q), nil
}

func (r ruleRepo) GetRule(_ context.Context, id int64) (rules.TaxRule, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	rule, ok := r.db.rules[id]
	if !ok {
		return rules.TaxRule{}, rules.ErrRuleNotFound
	}
	return rule, nil
}

func (r ruleRepo) ListRules(context.Context, rules.ListFilter) ([]rules.TaxRule, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := make([]rules.TaxRule, 0, len(r.db.rules))
	for _, rule := range r.db.rules {
		out = append(out, rule)
	}
	rules.SortByPriority(out)
	return out, nil
}

func (r ruleRepo) InsertRule(_ context.Context, in rules.RuleInput) (rules.TaxRule, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	tt := r.db.taxTypes[in.TaxTypeID]
	now := r.db.tick()
	rule := rules.TaxRule{
		ID:               r.db.id(),
		RegimeID:         in.RegimeID,
		TaxTypeID:        in.TaxTypeID,
		TaxTypeCode:      tt.Code,
		TaxTypeName:      tt.Name,
		Operation:        in.Operation,
		OriginUF:         in.OriginUF,
		DestinationUF:    in.DestinationUF,
		ClassificationID: in.ClassificationID,
		CalcMethod:       in.CalcMethod,
		Rate:             in.Rate,
		BaseReduction:    in.BaseReduction,
		IsActive:         in.Active(),
		Priority:         in.Priority,
		ValidFrom:        in.ValidFrom,
		ValidTo:          in.ValidTo,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	r.db.rules[rule.ID] = rule
	return rule, nil
}

func (r ruleRepo) UpdateRule(ctx context.Context, id int64, in rules.RuleInput) (rules.TaxRule, error) {
	return rules.TaxRule{}, rules.ErrRuleNotFound
}

func (r ruleRepo) SetRuleActive(_ context.Context, id int64, active bool) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	rule, ok := r.db.rules[id]
	if !ok {
		return rules.ErrRuleNotFound
	}
	rule.IsActive = active
	r.db.rules[id] = rule
	return nil
}

func (r ruleRepo) ListTaxTypes(context.Context) ([]rules.TaxType, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := make([]rules.TaxType, 0, len(r.db.taxTypes))
	for _, tt := range r.db.taxTypes {
		out = append(out, tt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (r ruleRepo) GetTaxType(_ context.Context, id int64) (rules.TaxType, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	tt, ok := r.db.taxTypes[id]
	if !ok {
		return rules.TaxType{}, rules.ErrTaxTypeNotFound
	}
	return tt, nil
}

func (r ruleRepo) InsertTaxType(_ context.Context, in rules.TaxTypeInput) (rules.TaxType, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, tt := range r.db.taxTypes {
		if tt.Code == in.Code {
			return rules.TaxType{}, rules.ErrDuplicateCode
		}
	}
	tt := rules.TaxType{ID: r.db.id(), Code: in.Code, Name: in.Name, Jurisdiction: in.Jurisdiction, CreatedAt: r.db.tick()}
	r.db.taxTypes[tt.ID] = tt
	return tt, nil
}

func (r ruleRepo) ListRegimes(context.Context) ([]rules.TaxRegime, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := make([]rules.TaxRegime, 0, len(r.db.regimes))
	for _, g := range r.db.regimes {
		out = append(out, g)
	}
	return out, nil
}

func (r ruleRepo) GetRegime(_ context.Context, id int64) (rules.TaxRegime, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	g, ok := r.db.regimes[id]
	if !ok {
		return rules.TaxRegime{}, rules.ErrRegimeNotFound
	}
	return g, nil
}

func (r ruleRepo) InsertRegime(context.Context, rules.RegimeInput) (rules.TaxRegime, error) {
	return rules.TaxRegime{}, rules.ErrDuplicateCode
}

func (r ruleRepo) ListClassifications(context.Context, fiscal.ClassificationType) ([]rules.Classification, error) {
	return nil, nil
}

func (r ruleRepo) GetClassification(context.Context, int64) (rules.Classification, error) {
	return rules.Classification{}, rules.ErrClassificationNotFound
}

func (r ruleRepo) InsertClassification(context.Context, rules.ClassificationInput) (rules.Classification, error) {
	return rules.Classification{}, rules.ErrDuplicateCode
}

// calc.Store

type calcStore struct{ db *memoryDB }

func (s calcStore) InsertCalculation(_ context.Context, c calc.TaxCalculation) (calc.TaxCalculation, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if c.IdempotencyKey != "" {
		for _, existing := range s.db.calcs {
			if existing.IdempotencyKey == c.IdempotencyKey {
				return calc.TaxCalculation{}, shared.ErrIdempotencyConflict
			}
		}
	}
	c.ID = s.db.id()
	c.CreatedAt = s.db.tick()
	s.db.calcs = append(s.db.calcs, c)
	return c, nil
}

func (s calcStore) GetCalculation(_ context.Context, id int64) (calc.TaxCalculation, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, c := range s.db.calcs {
		if c.ID == id {
			return c, nil
		}
	}
	return calc.TaxCalculation{}, calc.ErrCalculationNotFound
}

func (s calcStore) GetCalculationByKey(_ context.Context, key string) (calc.TaxCalculation, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, c := range s.db.calcs {
		if c.IdempotencyKey == key {
			return c, nil
		}
	}
	return calc.TaxCalculation{}, calc.ErrCalculationNotFound
}

func (s calcStore) ListCalculations(_ context.Context, from, to time.Time, f calc.ListFilter) ([]calc.TaxCalculation, int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var matched []calc.TaxCalculation
	for _, c := range s.db.calcs {
		if c.CalculatedAt.Before(from) || !c.CalculatedAt.Before(to) {
			continue
		}
		matched = append(matched, c)
	}
	start := (f.Page - 1) * f.PerPage
	if start > len(matched) {
		start = len(matched)
	}
	end := start + f.PerPage
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], len(matched), nil
}

// ledger.RepositoryPort

type ledgerRepo struct{ db *memoryDB }

func (r ledgerRepo) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	snapshot := make(map[ledgerKey]ledger.TaxLedger, len(r.db.ledgers))
	for k, v := range r.db.ledgers {
		snapshot[k] = v
	}
	if err := fn(ctx, ledgerTx{db: r.db}); err != nil {
		r.db.ledgers = snapshot
		return err
	}
	return nil
}

func (r ledgerRepo) CalculationsBetween(_ context.Context, from, to time.Time) ([]ledger.CalculationRecord, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.db.between(from, to)
}

func (r ledgerRepo) ListLedgers(_ context.Context, p fiscal.Period) ([]ledger.TaxLedger, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.db.listLedgers(p), nil
}

func (m *memoryDB) between(from, to time.Time) ([]ledger.CalculationRecord, error) {
	var out []ledger.CalculationRecord
	for _, c := range m.calcs {
		if c.CalculatedAt.Before(from) || !c.CalculatedAt.Before(to) {
			continue
		}
		payload, err := json.Marshal(c.Result)
		if err != nil {
			return nil, err
		}
		out = append(out, ledger.CalculationRecord{ID: c.ID, RegimeID: c.RegimeID, Amount: c.Amount, Result: payload})
	}
	return out, nil
}

func (m *memoryDB) listLedgers(p fiscal.Period) []ledger.TaxLedger {
	var out []ledger.TaxLedger
	for k, l := range m.ledgers {
		if k.month == p.Month && k.year == p.Year {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaxTypeID < out[j].TaxTypeID })
	return out
}

// ledgerTx runs with memoryDB.mu held by WithTx.
type ledgerTx struct{ db *memoryDB }

func (t ledgerTx) LockPeriod(context.Context, fiscal.Period) error { return nil }

func (t ledgerTx) CalculationsBetween(_ context.Context, from, to time.Time) ([]ledger.CalculationRecord, error) {
	return t.db.between(from, to)
}

func (t ledgerTx) TaxTypeIndex(context.Context) (map[string]int64, error) {
	index := make(map[string]int64, len(t.db.taxTypes))
	for id, tt := range t.db.taxTypes {
		index[shared.NormalizeName(tt.Name)] = id
	}
	return index, nil
}

func (t ledgerTx) UpsertLedger(_ context.Context, u ledger.LedgerUpsert) error {
	key := ledgerKey{month: u.Period.Month, year: u.Period.Year, taxTypeID: u.TaxTypeID}
	existing, ok := t.db.ledgers[key]
	if !ok {
		now := t.db.tick()
		t.db.ledgers[key] = ledger.TaxLedger{
			ID: t.db.id(), PeriodMonth: u.Period.Month, PeriodYear: u.Period.Year,
			TaxTypeID: u.TaxTypeID, TaxTypeName: t.db.taxTypes[u.TaxTypeID].Name, RegimeID: u.RegimeID,
			TotalDebits: u.TotalDebits, TotalCredits: decimal.Zero, BalanceDue: u.TotalDebits,
			Status: ledger.StatusFechado, CreatedAt: now, UpdatedAt: now,
		}
		return nil
	}
	balance := u.TotalDebits.Sub(existing.TotalCredits)
	if existing.TotalDebits.Equal(u.TotalDebits) && existing.BalanceDue.Equal(balance) &&
		existing.Status == ledger.StatusFechado {
		return nil
	}
	existing.RegimeID = u.RegimeID
	existing.TotalDebits = u.TotalDebits
	existing.BalanceDue = balance
	existing.Status = ledger.StatusFechado
	existing.UpdatedAt = t.db.tick()
	t.db.ledgers[key] = existing
	return nil
}

func (t ledgerTx) SetPeriodStatus(_ context.Context, p fiscal.Period, status ledger.Status) (int64, error) {
	var n int64
	for k, l := range t.db.ledgers {
		if k.month != p.Month || k.year != p.Year {
			continue
		}
		n++
		if l.Status != status {
			l.Status = status
			l.UpdatedAt = t.db.tick()
			t.db.ledgers[k] = l
		}
	}
	return n, nil
}

func (t ledgerTx) ListLedgers(_ context.Context, p fiscal.Period) ([]ledger.TaxLedger, error) {
	return t.db.listLedgers(p), nil
}
