// Package scheduler отменяет заказы, зависшие в промежуточных статусах дольше заданного таймаута.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/orderflow/internal/lifecycle"
	"github.com/mmeshcher/orderflow/internal/model"
	"github.com/mmeshcher/orderflow/internal/repository"
)

// ErrSweepInProgress возвращается, если обход уже выполняет другой экземпляр сервиса.
var ErrSweepInProgress = errors.New("sweep already in progress")

// ErrLeaseLost возвращается, если блокировка обхода истекла или перешла к другому экземпляру во время обхода.
var ErrLeaseLost = errors.New("sweep lease lost")

const (
	defaultInterval  = time.Minute
	defaultTimeout   = 5 * time.Minute
	defaultBatchSize = 1000
	defaultLeaseTTL  = 30 * time.Second
)

// Repository описывает доступ к заказам, нужный планировщику.
type Repository interface {
	ListStaleOrders(ctx context.Context, q repository.StaleQuery) ([]model.OrderOverview, error)
	UpdateOrder(ctx context.Context, id uuid.UUID, fn repository.UpdateFunc) (*model.Order, error)
}

// ActivityLogger записывает отмены в журнал действий.
type ActivityLogger interface {
	LogActivity(ctx context.Context, a model.Activity) error
}

// Notifier публикует события отмены.
type Notifier interface {
	Publish(ctx context.Context, e model.TransitionEvent) error
}

// Lease не даёт нескольким экземплярам сервиса выполнять обход одновременно.
// Extend продлевает блокировку владельца и возвращает false, если она уже потеряна.
type Lease interface {
	TryAcquire(ctx context.Context, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, ttl time.Duration) (bool, error)
	Release(ctx context.Context) error
}

// Config задаёт параметры планировщика.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	// ExpirePending включает отмену неоплаченных заказов в статусе pending.
	// Заказы с оплатой по договору в статусе pending не отменяются никогда.
	ExpirePending bool
	BatchSize     int
	LeaseTTL      time.Duration
}

// Candidate описывает заказ, подлежащий отмене.
type Candidate struct {
	OrderID       uuid.UUID           `json:"id"`
	Number        string              `json:"number"`
	CustomerID    int64               `json:"customer_id"`
	Status        model.OrderStatus   `json:"status"`
	PaymentMethod model.PaymentMethod `json:"payment_method,omitempty"`
	Amount        decimal.Decimal     `json:"amount"`
	UpdatedAt     time.Time           `json:"updated_at"`
	Age           time.Duration       `json:"-"`
}

// SweepOptions задаёт режим одного обхода.
type SweepOptions struct {
	DryRun bool
	// Timeout переопределяет настроенный таймаут, если больше нуля.
	Timeout time.Duration
}

// SweepReport содержит результат одного обхода.
type SweepReport struct {
	DryRun     bool
	Timeout    time.Duration
	Candidates []Candidate
	Cancelled  []Candidate
	// Skipped считает заказы, оплаченные или изменённые к моменту отмены.
	Skipped int
	Failed  int
}

// CancelledCount возвращает число отменённых заказов.
func (r *SweepReport) CancelledCount() int {
	return len(r.Cancelled)
}

// Scheduler выполняет обходы заказов и фоновый цикл.
type Scheduler struct {
	repo     Repository
	activity ActivityLogger
	notifier Notifier
	lease    Lease
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time

	timeout atomic.Int64

	mu     sync.Mutex
	handle *Handle
}

// Option настраивает необязательных участников планировщика.
type Option func(*Scheduler)

// WithNotifier задаёт публикацию событий отмены.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithLease задаёт межпроцессную блокировку обхода.
func WithLease(l Lease) Option {
	return func(s *Scheduler) { s.lease = l }
}

// New создаёт планировщик.
func New(repo Repository, activity ActivityLogger, cfg Config, logger *zap.Logger, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		repo:     repo,
		activity: activity,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
	s.timeout.Store(int64(cfg.Timeout))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetTimeout меняет таймаут; новое значение действует со следующего обхода.
func (s *Scheduler) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout.Store(int64(d))
	}
}

// Timeout возвращает текущий таймаут.
func (s *Scheduler) Timeout() time.Duration {
	return time.Duration(s.timeout.Load())
}

func (s *Scheduler) statuses() []model.OrderStatus {
	if s.cfg.ExpirePending {
		return []model.OrderStatus{model.OrderStatusProcessing, model.OrderStatusPending}
	}
	return []model.OrderStatus{model.OrderStatusProcessing}
}

// eligible решает, можно ли отменить заказ. Используется и при отборе, и внутри транзакции отмены.
func (s *Scheduler) eligible(o *model.Order, paid bool, cutoff time.Time) bool {
	if paid || !lifecycle.Expirable(o.Status) || !o.UpdatedAt.Before(cutoff) {
		return false
	}
	if o.Status == model.OrderStatusPending {
		return s.cfg.ExpirePending && o.PaymentMethod != model.PaymentMethodTerms
	}
	return true
}

// candidates отбирает до BatchSize заказов для отмены. Пробный и настоящий обходы используют один и тот же отбор.
// Неподходящие строки пропускаются постранично, чтобы они не вытесняли из выборки подходящие заказы.
func (s *Scheduler) candidates(ctx context.Context, now time.Time, timeout time.Duration) ([]Candidate, int, time.Time, error) {
	cutoff := now.Add(-timeout)
	q := repository.StaleQuery{
		Statuses: s.statuses(),
		Cutoff:   cutoff,
		Limit:    s.cfg.BatchSize,
	}

	var (
		res     []Candidate
		skipped int
	)
	for len(res) < s.cfg.BatchSize {
		overviews, err := s.repo.ListStaleOrders(ctx, q)
		if err != nil {
			return nil, 0, cutoff, fmt.Errorf("list stale orders: %w", err)
		}

		for _, ov := range overviews {
			o := ov.Order
			if !s.eligible(&o, ov.Paid, cutoff) {
				if ov.Paid {
					skipped++
				}
				continue
			}
			if len(res) == s.cfg.BatchSize {
				break
			}
			res = append(res, Candidate{
				OrderID:       o.ID,
				Number:        o.Number,
				CustomerID:    o.CustomerID,
				Status:        o.Status,
				PaymentMethod: o.PaymentMethod,
				Amount:        o.FinalAmount,
				UpdatedAt:     o.UpdatedAt,
				Age:           now.Sub(o.UpdatedAt),
			})
		}

		if len(overviews) < q.Limit {
			break
		}
		last := overviews[len(overviews)-1].Order
		q.AfterUpdatedAt, q.AfterID = last.UpdatedAt, last.ID
	}
	return res, skipped, cutoff, nil
}

// Sweep выполняет один обход. В пробном режиме заказы только отбираются.
func (s *Scheduler) Sweep(ctx context.Context, opts SweepOptions) (*SweepReport, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.Timeout()
	}

	if !opts.DryRun && s.lease != nil {
		ok, err := s.lease.TryAcquire(ctx, s.cfg.LeaseTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire sweep lease: %w", err)
		}
		if !ok {
			return nil, ErrSweepInProgress
		}
		defer func() {
			if err := s.lease.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("release sweep lease error", zap.Error(err))
			}
		}()

		var cancel context.CancelCauseFunc
		ctx, cancel = context.WithCancelCause(ctx)
		defer cancel(nil)
		stop := s.keepLease(ctx, cancel)
		defer stop()
	}

	now := s.now()
	candidates, skipped, cutoff, err := s.candidates(ctx, now, timeout)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{
		DryRun:     opts.DryRun,
		Timeout:    timeout,
		Candidates: candidates,
		Skipped:    skipped,
	}
	if opts.DryRun {
		return report, nil
	}

	for _, c := range candidates {
		if ctx.Err() != nil {
			return report, context.Cause(ctx)
		}

		cancelled, err := s.expire(ctx, c, cutoff)
		switch {
		case err != nil:
			report.Failed++
			s.logger.Error("expire order error",
				zap.Error(err),
				zap.String("order", c.Number),
				zap.String("transition", string(c.Status)+" -> "+string(model.OrderStatusCancelled)),
				zap.String("actor", string(model.RoleSystem)),
			)
		case cancelled:
			report.Cancelled = append(report.Cancelled, c)
		default:
			report.Skipped++
		}
	}

	s.logger.Info("sweep finished",
		zap.Int("candidates", len(report.Candidates)),
		zap.Int("cancelled", report.CancelledCount()),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("timeout", timeout),
	)
	return report, nil
}

// keepLease продлевает блокировку каждые LeaseTTL/3, пока обход не завершится.
// Если блокировка потеряна, обход отменяется с причиной ErrLeaseLost.
func (s *Scheduler) keepLease(ctx context.Context, lost context.CancelCauseFunc) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()

		ticker := time.NewTicker(max(s.cfg.LeaseTTL/3, time.Millisecond))
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := s.lease.Extend(ctx, s.cfg.LeaseTTL)
				if err != nil {
					s.logger.Warn("extend sweep lease error", zap.Error(err))
					continue
				}
				if !ok {
					s.logger.Error("sweep lease lost, stopping sweep")
					lost(ErrLeaseLost)
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

// expire отменяет один заказ. Оплата, статус и давность проверяются повторно под блокировкой строки.
func (s *Scheduler) expire(ctx context.Context, c Candidate, cutoff time.Time) (bool, error) {
	var (
		from    model.OrderStatus
		changed bool
	)
	o, err := s.repo.UpdateOrder(ctx, c.OrderID, func(o *model.Order, paid bool) error {
		if !s.eligible(o, paid, cutoff) {
			return repository.ErrUnchanged
		}
		from = o.Status
		var err error
		changed, err = lifecycle.Apply(o, model.OrderStatusCancelled, lifecycle.FactsOf(o, paid, model.SystemActor))
		if err != nil {
			return err
		}
		if !changed {
			return repository.ErrUnchanged
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return false, nil
		}
		return false, err
	}
	if !changed {
		return false, nil
	}

	now := s.now()
	if s.activity != nil {
		err := s.activity.LogActivity(ctx, model.Activity{
			OrderID: o.ID,
			Action:  string(model.OrderStatusCancelled),
			Description: fmt.Sprintf("order %s expired after %s in %s, amount %s",
				o.Number, c.Age.Round(time.Second), from, o.FinalAmount.StringFixed(2)),
			CreatedAt: now,
		})
		if err != nil {
			s.logger.Warn("activity log error", zap.Error(err), zap.String("order", o.Number))
		}
	}
	if s.notifier != nil {
		if err := s.notifier.Publish(ctx, model.NewTransitionEvent(o, from, now)); err != nil {
			s.logger.Warn("publish transition error", zap.Error(err), zap.String("order", o.Number))
		}
	}

	s.logger.Info("order expired",
		zap.String("order", o.Number),
		zap.String("from", string(from)),
		zap.Duration("age", c.Age),
	)
	return true, nil
}

// Handle управляет запущенным фоновым циклом.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Done закрывается после остановки цикла.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Stop останавливает цикл и ждёт его завершения.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

func (h *Handle) running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Start запускает фоновый цикл обходов. Повторный вызов, пока цикл работает, возвращает тот же Handle.
func (s *Scheduler) Start(ctx context.Context) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil && s.handle.running() {
		return s.handle
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	s.handle = h

	go func() {
		defer close(h.done)

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		s.logger.Info("scheduler started", zap.Duration("interval", s.cfg.Interval), zap.Duration("timeout", s.Timeout()))
		for {
			select {
			case <-loopCtx.Done():
				s.logger.Info("scheduler stopped")
				return
			case <-ticker.C:
				s.tick(loopCtx)
			}
		}
	}()

	return h
}

// tick выполняет обход цикла; ошибки и паники не останавливают цикл.
func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweep panic", zap.Any("panic", r))
		}
	}()

	_, err := s.Sweep(ctx, SweepOptions{})
	switch {
	case err == nil:
	case errors.Is(err, ErrSweepInProgress):
		s.logger.Debug("sweep skipped, lease held elsewhere")
	case ctx.Err() != nil:
	default:
		s.logger.Error("sweep error", zap.Error(err))
	}
}
