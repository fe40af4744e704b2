package obligations

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/fiscal-engine/internal/fiscal"
	"github.com/odyssey-erp/fiscal-engine/internal/observability"
	"github.com/odyssey-erp/fiscal-engine/internal/shared"
)

// TxRepository is the locked view used for status changes.
type TxRepository interface {
	LockObligation(ctx context.Context, id int64) (Obligation, error)
	UpdateObligation(ctx context.Context, id int64, u StatusUpdate) (Obligation, error)
	InsertFile(ctx context.Context, f File) (File, error)
}

// RepositoryPort is implemented by Repository.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListKinds(ctx context.Context) ([]Kind, error)
	GetKind(ctx context.Context, id int64) (Kind, error)
	InsertKind(ctx context.Context, in KindInput) (Kind, error)
	InsertObligation(ctx context.Context, in CreateInput) (Obligation, error)
	GetObligation(ctx context.Context, id int64) (Obligation, error)
	ListObligations(ctx context.Context, f ListFilter) ([]Obligation, error)
	ListFiles(ctx context.Context, obligationID int64) ([]File, error)
	GetFile(ctx context.Context, id int64) (File, error)
	DeleteFile(ctx context.Context, id int64) error
}

// ServiceConfig wires Service dependencies.
type ServiceConfig struct {
	Repo     RepositoryPort
	Renderer Renderer
	Store    Store
	Logger   *slog.Logger
	Metrics  *observability.FiscalMetrics
}

// Service drives obligations through their lifecycle.
type Service struct {
	repo     RepositoryPort
	renderer Renderer
	store    Store
	logger   *slog.Logger
	metrics  *observability.FiscalMetrics
	now      func() time.Time
	newID    func() string
}

// NewService constructs the obligation service.
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		repo:     cfg.Repo,
		renderer: cfg.Renderer,
		store:    cfg.Store,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// ListKinds enumerates obligation kinds.
func (s *Service) ListKinds(ctx context.Context) ([]Kind, error) {
	return s.repo.ListKinds(ctx)
}

// CreateKind registers an obligation kind.
func (s *Service) CreateKind(ctx context.Context, in KindInput) (Kind, error) {
	in.Code = strings.ToUpper(strings.TrimSpace(in.Code))
	in.Name = strings.TrimSpace(in.Name)
	if err := shared.ValidateStruct(in); err != nil {
		return Kind{}, err
	}
	return s.repo.InsertKind(ctx, in)
}

// Create opens an obligation in rascunho for a kind and period.
func (s *Service) Create(ctx context.Context, in CreateInput) (Obligation, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return Obligation{}, err
	}
	if _, err := s.repo.GetKind(ctx, in.KindID); err != nil {
		return Obligation{}, err
	}
	ob, err := s.repo.InsertObligation(ctx, in)
	if err != nil {
		return Obligation{}, err
	}
	s.logger.Info("obligation created",
		slog.Int64("obligation_id", ob.ID),
		slog.String("kind", ob.KindCode),
		slog.String("period", ob.Period().String()))
	return ob, nil
}

// Get loads one obligation.
func (s *Service) Get(ctx context.Context, id int64) (Obligation, error) {
	if id <= 0 {
		return Obligation{}, ErrObligationNotFound
	}
	return s.repo.GetObligation(ctx, id)
}

// List returns obligations matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Obligation, error) {
	if f.Month != 0 || f.Year != 0 {
		if f.Month != 0 && (f.Month < 1 || f.Month > 12) {
			return nil, fmt.Errorf("%w: month %d", fiscal.ErrInvalidPeriod, f.Month)
		}
		if f.Year != 0 && (f.Year < 1900 || f.Year > 9999) {
			return nil, fmt.Errorf("%w: year %d", fiscal.ErrInvalidPeriod, f.Year)
		}
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, shared.FieldError("status", "is not a known status")
	}
	return s.repo.ListObligations(ctx, f)
}

// Generate asks the render function for the obligation file and records it.
// The render call runs outside any transaction; on failure the obligation
// moves to erro and ErrRenderFailed (or ErrStorage) is returned.
func (s *Service) Generate(ctx context.Context, id int64, in GenerateInput) (Obligation, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return Obligation{}, err
	}
	var ob Obligation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cur, err := tx.LockObligation(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(cur.Status, StatusGerado) {
			return invalidTransition(cur.Status, StatusGerado)
		}
		started := s.now()
		ob, err = tx.UpdateObligation(ctx, id, StatusUpdate{Status: cur.Status, StartedAt: &started})
		return err
	})
	if err != nil {
		return Obligation{}, concurrentUpdate(id, err)
	}

	fileType := strings.TrimSpace(in.FileType)
	if fileType == "" {
		fileType = ob.KindCode
	}
	format := strings.TrimSpace(in.Format)
	if format == "" {
		format = DefaultFormat
	}
	req := RenderRequest{ObligationID: id, FileType: fileType, Format: format, RequestID: s.newID()}
	if s.renderer == nil {
		return s.fail(ctx, id, fmt.Errorf("%w: renderer not configured", ErrRenderFailed))
	}

	rendered, err := s.renderer.Render(ctx, req)
	if err != nil {
		s.metrics.RenderOutcome("failure")
		return s.fail(ctx, id, fmt.Errorf("%w: %v", ErrRenderFailed, err))
	}
	s.metrics.RenderOutcome("success")
	// a caller that gave up while the render ran gets a failed generation
	if err := ctx.Err(); err != nil {
		return s.fail(ctx, id, fmt.Errorf("%w: %v", ErrRenderFailed, err))
	}

	content, err := rendered.Decode()
	if err != nil {
		return s.fail(ctx, id, fmt.Errorf("%w: invalid file content: %v", ErrRenderFailed, err))
	}
	file := File{
		ObligationID: id,
		FilePath:     rendered.Path,
		FileType:     firstNonEmpty(rendered.Type, fileType),
		Format:       firstNonEmpty(rendered.Format, format),
	}
	if content != nil {
		if s.store == nil {
			return s.fail(ctx, id, fmt.Errorf("%w: object store not configured", ErrStorage))
		}
		name := strings.TrimSpace(rendered.Name)
		if name == "" {
			name = req.RequestID + "." + file.Format
		}
		key := ObjectKey(id, name)
		if err := s.store.Put(ctx, key, content, ContentType(file.Format)); err != nil {
			return s.fail(ctx, id, fmt.Errorf("%w: put %s: %v", ErrStorage, key, err))
		}
		file.FilePath = key
	}

	out, err := s.complete(ctx, id, file, req.RequestID)
	if err == nil {
		return out, nil
	}
	if content != nil {
		s.discard(ctx, id, file.FilePath)
	}
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrObligationNotFound) ||
		errors.Is(err, shared.ErrConflict) {
		return Obligation{}, err
	}
	return s.fail(ctx, id, fmt.Errorf("%w: record file: %v", ErrStorage, err))
}

// discard removes an object written for a generation that was not recorded.
// Failures only leave an orphan behind, so they are logged.
func (s *Service) discard(ctx context.Context, id int64, key string) {
	if err := s.store.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Warn("orphaned obligation object",
			slog.Int64("obligation_id", id),
			slog.String("key", key),
			slog.Any("error", err))
	}
}

func (s *Service) complete(ctx context.Context, id int64, file File, requestID string) (Obligation, error) {
	var (
		from Status
		out  Obligation
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cur, err := tx.LockObligation(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(cur.Status, StatusGerado) {
			return invalidTransition(cur.Status, StatusGerado)
		}
		from = cur.Status
		finished := s.now()
		file.GeneratedAt = finished
		if _, err := tx.InsertFile(ctx, file); err != nil {
			return fmt.Errorf("obligations: record file: %w", err)
		}
		cleared := ""
		out, err = tx.UpdateObligation(ctx, id, StatusUpdate{
			Status:            StatusGerado,
			GeneratedFilePath: &file.FilePath,
			FinishedAt:        &finished,
			Message:           &cleared,
		})
		return err
	})
	if err != nil {
		return Obligation{}, concurrentUpdate(id, err)
	}
	s.recordTransition(id, from, StatusGerado)
	s.logger.Info("obligation file generated",
		slog.Int64("obligation_id", id),
		slog.String("request_id", requestID),
		slog.String("file", file.FilePath))
	return out, nil
}

// fail records cause on the obligation and returns it. The write uses a
// context detached from cancellation so a cancelled caller still leaves the
// obligation in erro.
func (s *Service) fail(ctx context.Context, id int64, cause error) (Obligation, error) {
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	var from Status
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cur, err := tx.LockObligation(ctx, id)
		if err != nil {
			return err
		}
		from = cur.Status
		if cur.Status != StatusErro && !CanTransition(cur.Status, StatusErro) {
			return invalidTransition(cur.Status, StatusErro)
		}
		finished := s.now()
		_, err = tx.UpdateObligation(ctx, id, StatusUpdate{Status: StatusErro, FinishedAt: &finished, Message: &msg})
		return err
	})
	if err != nil {
		s.logger.Error("failed to record obligation error",
			slog.Int64("obligation_id", id),
			slog.String("cause", msg),
			slog.Any("error", err))
		return Obligation{}, cause
	}
	if from != StatusErro {
		s.recordTransition(id, from, StatusErro)
	}
	s.logger.Warn("obligation generation failed",
		slog.Int64("obligation_id", id),
		slog.String("error", msg))
	return Obligation{}, cause
}

// Validate marks a generated obligation as validated.
func (s *Service) Validate(ctx context.Context, id int64) (Obligation, error) {
	return s.transition(ctx, id, StatusValidado, StatusUpdate{})
}

// Submit records the submission protocol of a validated obligation.
func (s *Service) Submit(ctx context.Context, id int64, protocol string) (Obligation, error) {
	protocol = strings.TrimSpace(protocol)
	if protocol == "" {
		return Obligation{}, shared.FieldError("protocol", "is required")
	}
	finished := s.now()
	return s.transition(ctx, id, StatusEnviado, StatusUpdate{Protocol: &protocol, FinishedAt: &finished})
}

// MarkError moves the obligation to erro with a message.
func (s *Service) MarkError(ctx context.Context, id int64, message string) (Obligation, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return Obligation{}, shared.FieldError("message", "is required")
	}
	finished := s.now()
	return s.transition(ctx, id, StatusErro, StatusUpdate{Message: &message, FinishedAt: &finished})
}

// Reset returns an obligation in erro to rascunho.
func (s *Service) Reset(ctx context.Context, id int64) (Obligation, error) {
	cleared := ""
	return s.transition(ctx, id, StatusRascunho, StatusUpdate{Message: &cleared})
}

func (s *Service) transition(ctx context.Context, id int64, to Status, u StatusUpdate) (Obligation, error) {
	var (
		from Status
		out  Obligation
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cur, err := tx.LockObligation(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(cur.Status, to) {
			return invalidTransition(cur.Status, to)
		}
		from = cur.Status
		u.Status = to
		out, err = tx.UpdateObligation(ctx, id, u)
		return err
	})
	if err != nil {
		return Obligation{}, concurrentUpdate(id, err)
	}
	s.recordTransition(id, from, to)
	return out, nil
}

func (s *Service) recordTransition(id int64, from, to Status) {
	s.metrics.ObligationTransition(string(from), string(to))
	s.logger.Info("obligation status changed",
		slog.Int64("obligation_id", id),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
}

// ListFiles returns the generation history of an obligation.
func (s *Service) ListFiles(ctx context.Context, obligationID int64) ([]File, error) {
	if _, err := s.Get(ctx, obligationID); err != nil {
		return nil, err
	}
	return s.repo.ListFiles(ctx, obligationID)
}

// OpenFile returns the file row and a reader over its object. Callers close
// the reader.
func (s *Service) OpenFile(ctx context.Context, fileID int64) (File, io.ReadCloser, error) {
	file, err := s.repo.GetFile(ctx, fileID)
	if err != nil {
		return File{}, nil, err
	}
	if s.store == nil {
		return File{}, nil, fmt.Errorf("%w: object store not configured", ErrStorage)
	}
	body, err := s.store.Get(ctx, file.FilePath)
	if errors.Is(err, ErrObjectNotFound) {
		return File{}, nil, ErrFileNotFound
	}
	if err != nil {
		return File{}, nil, fmt.Errorf("%w: get %s: %v", ErrStorage, file.FilePath, err)
	}
	return file, body, nil
}

// DeleteFile removes the object first and the row second. When the object
// cannot be removed the row is kept and ErrStorage is returned.
func (s *Service) DeleteFile(ctx context.Context, fileID int64) error {
	file, err := s.repo.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	if s.store == nil {
		return fmt.Errorf("%w: object store not configured", ErrStorage)
	}
	if err := s.store.Delete(ctx, file.FilePath); err != nil {
		s.logger.Error("obligation file object not deleted",
			slog.Int64("file_id", fileID),
			slog.String("path", file.FilePath),
			slog.Any("error", err))
		return fmt.Errorf("%w: delete %s: %v", ErrStorage, file.FilePath, err)
	}
	if err := s.repo.DeleteFile(ctx, fileID); err != nil {
		return err
	}
	s.logger.Info("obligation file deleted",
		slog.Int64("file_id", fileID),
		slog.Int64("obligation_id", file.ObligationID))
	return nil
}

// concurrentUpdate maps a serialization failure or deadlock on the row lock
// to a conflict the caller can retry.
func concurrentUpdate(id int64, err error) error {
	if shared.IsSerializationFailure(err) {
		return fmt.Errorf("%w: obligation %d changed concurrently: %v", shared.ErrConflict, id, err)
	}
	return err
}

func invalidTransition(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
