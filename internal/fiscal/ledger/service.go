package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/fiscal-engine/internal/fiscal"
	"github.com/odyssey-erp/fiscal-engine/internal/observability"
	"github.com/odyssey-erp/fiscal-engine/internal/shared"
)

// TxRepository is the transactional view used by close and reopen.
type TxRepository interface {
	LockPeriod(ctx context.Context, p fiscal.Period) error
	CalculationsBetween(ctx context.Context, from, to time.Time) ([]CalculationRecord, error)
	// TaxTypeIndex maps normalised tax type names to ids.
	TaxTypeIndex(ctx context.Context) (map[string]int64, error)
	UpsertLedger(ctx context.Context, u LedgerUpsert) error
	SetPeriodStatus(ctx context.Context, p fiscal.Period, status Status) (int64, error)
	ListLedgers(ctx context.Context, p fiscal.Period) ([]TaxLedger, error)
}

// RepositoryPort is implemented by Repository.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	CalculationsBetween(ctx context.Context, from, to time.Time) ([]CalculationRecord, error)
	ListLedgers(ctx context.Context, p fiscal.Period) ([]TaxLedger, error)
}

// SummaryCache stores period summaries under versioned keys.
type SummaryCache interface {
	BuildKey(ctx context.Context, parts ...string) (string, error)
	FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error
	Bump(ctx context.Context) error
}

// ServiceConfig wires Service dependencies.
type ServiceConfig struct {
	Repo     RepositoryPort
	Cache    SummaryCache
	Location *time.Location
	Logger   *slog.Logger
	Metrics  *observability.FiscalMetrics
}

// Service aggregates calculations into period summaries and ledgers.
type Service struct {
	repo    RepositoryPort
	cache   SummaryCache
	loc     *time.Location
	logger  *slog.Logger
	metrics *observability.FiscalMetrics
	group   singleflight.Group
}

// NewService constructs the ledger service.
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		repo:    cfg.Repo,
		cache:   cfg.Cache,
		loc:     cfg.Location,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Location returns the fiscal time zone used for period windows.
func (s *Service) Location() *time.Location {
	return s.loc
}

const summaryTimeout = 30 * time.Second

// Summary aggregates the calculations of a period.
func (s *Service) Summary(ctx context.Context, p fiscal.Period) (PeriodSummary, error) {
	if err := p.Validate(); err != nil {
		return PeriodSummary{}, err
	}
	// the shared load outlives any single caller; each caller stops waiting
	// on its own context
	ch := s.group.DoChan(strconv.Itoa(int(p.Key())), func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), summaryTimeout)
		defer cancel()
		return s.cachedSummary(ctx, p)
	})
	select {
	case <-ctx.Done():
		return PeriodSummary{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return PeriodSummary{}, res.Err
		}
		return res.Val.(PeriodSummary), nil
	}
}

func (s *Service) cachedSummary(ctx context.Context, p fiscal.Period) (PeriodSummary, error) {
	if s.cache == nil {
		return s.buildSummary(ctx, p)
	}
	key, err := s.cache.BuildKey(ctx, "fiscal", "summary", p.String())
	if err != nil {
		s.logger.Warn("summary cache unavailable", slog.Any("error", err))
		return s.buildSummary(ctx, p)
	}
	var summary PeriodSummary
	err = s.cache.FetchJSON(ctx, key, &summary, func(ctx context.Context) (any, error) {
		return s.buildSummary(ctx, p)
	})
	return summary, err
}

func (s *Service) buildSummary(ctx context.Context, p fiscal.Period) (PeriodSummary, error) {
	from, to := p.Bounds(s.loc)
	records, err := s.repo.CalculationsBetween(ctx, from, to)
	if err != nil {
		return PeriodSummary{}, fmt.Errorf("ledger: load calculations: %w", err)
	}
	summary := Summarize(p, records)
	s.logMalformed(summary)
	return summary, nil
}

func (s *Service) logMalformed(summary PeriodSummary) {
	if summary.Malformed == 0 {
		return
	}
	s.logger.Warn("calculations with malformed result skipped from breakdown",
		slog.String("period", summary.Period.String()),
		slog.Int("count", summary.Malformed))
}

// Ledgers lists the ledger rows of a period.
func (s *Service) Ledgers(ctx context.Context, p fiscal.Period) ([]TaxLedger, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return s.repo.ListLedgers(ctx, p)
}

type pendingLedger struct {
	total   decimal.Decimal
	regimes map[int64]struct{}
}

// Close upserts one closed ledger row per resolvable tax type of the period.
// Re-running with unchanged calculations leaves the rows as they are.
func (s *Service) Close(ctx context.Context, p fiscal.Period) (CloseResult, error) {
	if err := p.Validate(); err != nil {
		return CloseResult{}, err
	}
	result := CloseResult{Period: p}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockPeriod(ctx, p); err != nil {
			return err
		}
		from, to := p.Bounds(s.loc)
		records, err := tx.CalculationsBetween(ctx, from, to)
		if err != nil {
			return fmt.Errorf("ledger: load calculations: %w", err)
		}
		summary := Summarize(p, records)
		index, err := tx.TaxTypeIndex(ctx)
		if err != nil {
			return fmt.Errorf("ledger: load tax types: %w", err)
		}

		pending := make(map[int64]*pendingLedger)
		skipped := make([]SkippedEntry, 0)
		for _, name := range summary.sortedNames() {
			entry := summary.TaxBreakdown[name]
			id, ok := index[shared.NormalizeName(name)]
			if !ok {
				skipped = append(skipped, SkippedEntry{TaxType: name, Total: entry.Total, Operations: entry.Operations})
				continue
			}
			// labels differing only in case or spacing resolve to one row
			pl := pending[id]
			if pl == nil {
				pl = &pendingLedger{total: decimal.Zero, regimes: make(map[int64]struct{})}
				pending[id] = pl
			}
			pl.total = pl.total.Add(entry.Total)
			for _, regime := range entry.RegimeIDs {
				pl.regimes[regime] = struct{}{}
			}
		}

		ids := make([]int64, 0, len(pending))
		for id := range pending {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			pl := pending[id]
			upsert := LedgerUpsert{Period: p, TaxTypeID: id, TotalDebits: pl.total}
			if len(pl.regimes) == 1 {
				for regime := range pl.regimes {
					upsert.RegimeID = &regime
				}
			}
			if err := tx.UpsertLedger(ctx, upsert); err != nil {
				return err
			}
		}

		ledgers, err := tx.ListLedgers(ctx, p)
		if err != nil {
			return err
		}
		result.Ledgers = ledgers
		result.Skipped = skipped
		result.Summary = summary
		return nil
	})
	if err != nil {
		return CloseResult{}, err
	}

	for _, entry := range result.Skipped {
		s.metrics.UnresolvedTaxType(entry.TaxType)
		s.logger.Warn("tax type not resolvable, ledger entry skipped",
			slog.String("period", p.String()),
			slog.String("tax_type", entry.TaxType),
			slog.String("total", entry.Total.String()),
			slog.Int("operations", entry.Operations))
	}
	s.logMalformed(result.Summary)
	s.bump(ctx)
	s.logger.Info("fiscal period closed",
		slog.String("period", p.String()),
		slog.Int("ledgers", len(result.Ledgers)),
		slog.Int("skipped", len(result.Skipped)),
		slog.String("total_tax", result.Summary.TotalTax.String()))
	return result, nil
}

// Reopen flips every ledger row of the period back to aberto. Totals are
// kept as they are.
func (s *Service) Reopen(ctx context.Context, p fiscal.Period) ([]TaxLedger, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	var ledgers []TaxLedger
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockPeriod(ctx, p); err != nil {
			return err
		}
		n, err := tx.SetPeriodStatus(ctx, p, StatusAberto)
		if err != nil {
			return fmt.Errorf("ledger: reopen: %w", err)
		}
		if n == 0 {
			return ErrPeriodNotClosed
		}
		ledgers, err = tx.ListLedgers(ctx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.bump(ctx)
	s.logger.Info("fiscal period reopened",
		slog.String("period", p.String()),
		slog.Int("ledgers", len(ledgers)))
	return ledgers, nil
}

func (s *Service) bump(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("summary cache bump failed", slog.Any("error", err))
	}
}
