package scheduler

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/orderflow/internal/model"
	"github.com/mmeshcher/orderflow/internal/repository"
)

type stubRepo struct {
	mu        sync.Mutex
	orders    map[uuid.UUID]*model.Order
	paid      map[uuid.UUID]bool
	failOn    map[uuid.UUID]error
	listErr   error
	lists     int
	updates   int
	delay     time.Duration
	payDuring map[uuid.UUID]bool
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		orders:    make(map[uuid.UUID]*model.Order),
		paid:      make(map[uuid.UUID]bool),
		failOn:    make(map[uuid.UUID]error),
		payDuring: make(map[uuid.UUID]bool),
	}
}

func (r *stubRepo) add(status model.OrderStatus, method model.PaymentMethod, age time.Duration, now time.Time) *model.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := &model.Order{
		ID:            uuid.New(),
		Number:        model.NewOrderNumber(now),
		CustomerID:    7,
		Status:        status,
		PaymentMethod: method,
		TotalAmount:   decimal.NewFromInt(100000),
		FinalAmount:   decimal.NewFromInt(100000),
		CreatedAt:     now.Add(-age),
		UpdatedAt:     now.Add(-age),
		Items:         []model.OrderItem{{ID: 1, ProductID: 1, Quantity: 1, PaymentMethod: method}},
	}
	r.orders[o.ID] = o
	return o
}

func (r *stubRepo) status(id uuid.UUID) model.OrderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[id].Status
}

func staleBefore(a, b *model.Order) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.Before(b.UpdatedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

// ListStaleOrders отдаёт страницы в порядке (updated_at, id) без отсева неподходящих заказов.
func (r *stubRepo) ListStaleOrders(ctx context.Context, q repository.StaleQuery) ([]model.OrderOverview, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lists++
	if r.listErr != nil {
		return nil, r.listErr
	}
	after := &model.Order{ID: q.AfterID, UpdatedAt: q.AfterUpdatedAt}
	var res []model.OrderOverview
	for id, o := range r.orders {
		match := false
		for _, s := range q.Statuses {
			if o.Status == s {
				match = true
			}
		}
		if !match || !o.UpdatedAt.Before(q.Cutoff) || !staleBefore(after, o) {
			continue
		}
		res = append(res, model.OrderOverview{Order: *o, ItemCount: len(o.Items), Paid: r.paid[id]})
	}
	sort.Slice(res, func(i, j int) bool { return staleBefore(&res[i].Order, &res[j].Order) })
	if len(res) > q.Limit {
		res = res[:q.Limit]
	}
	return res, nil
}

func (r *stubRepo) UpdateOrder(ctx context.Context, id uuid.UUID, fn repository.UpdateFunc) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failOn[id]; err != nil {
		return nil, err
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	stored, ok := r.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	// оплата, прошедшая между отбором и отменой
	if r.payDuring[id] {
		r.paid[id] = true
	}
	o := *stored
	if err := fn(&o, r.paid[id]); err != nil {
		if errors.Is(err, repository.ErrUnchanged) {
			return &o, nil
		}
		return nil, err
	}
	r.updates++
	o.UpdatedAt = time.Now()
	r.orders[id] = &o
	return &o, nil
}

type stubActivity struct {
	mu      sync.Mutex
	entries []model.Activity
}

func (a *stubActivity) LogActivity(ctx context.Context, act model.Activity) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, act)
	return nil
}

func (a *stubActivity) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

type stubLease struct {
	mu       sync.Mutex
	held     bool
	lost     bool
	acquired int
	extended int
	released int
}

func (l *stubLease) TryAcquire(ctx context.Context, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	l.acquired++
	return true, nil
}

func (l *stubLease) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lost {
		return false, nil
	}
	l.extended++
	return true, nil
}

func (l *stubLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return nil
}

func (l *stubLease) extendCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.extended
}

func newTestScheduler(repo *stubRepo, act *stubActivity, cfg Config, now time.Time, opts ...Option) *Scheduler {
	s := New(repo, act, cfg, zap.NewNop(), opts...)
	s.now = func() time.Time { return now }
	return s
}

func TestSweep_CancelsStaleUnpaidOrder(t *testing.T) {
	now := time.Now()
	repo := newStubRepo()
	act := &stubActivity{}
	o := repo.add(model.OrderStatusProcessing, model.PaymentMethodCash, 10*time.Minute, now)

	s := newTestScheduler(repo, act, Config{Timeout: 5 * time.Minute}, now)
	report, err := s.Sweep(context.Background(), SweepOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.CancelledCount())
	assert.Equal(t, model.OrderStatusCancelled, repo.status(o.ID))
	require.Equal(t, 1, act.count())
	assert.Equal(t, "cancelled", act.entries[0].Action)
	assert.Nil(t, act.entries[0].ActorID)
	assert.Contains(t, act.entries[0].Description, o.Number)
	assert.Contains(t, act.entries[0].Description, "10m0s")
	assert.Contains(t, act.entries[0].Description, "100000.00")
}

func TestSweep_SkipsPaidOrder(t *testing.T) {
	now := time.Now()
	repo := newStubRepo()
	act := &stubActivity{}
	o := repo.add(model.OrderStatusProcessing, model.PaymentMethodCash, 10*time.Minute, now)
	repo.paid[o.ID] = true

	s := newTestScheduler(repo, act, Config{Timeout: 5 * time.Minute}, now)
	report, err := s.Sweep(context.Background(), SweepOptions{})
	require.NoError(t, err)

	assert.Equal(t, 0, report.CancelledCount())
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, model.OrderStatusProcessing, repo.status(o.ID))
	assert.Zero(t, act.count())
}

func TestSweep_RechecksPaymentInsideTransaction(t *testing.T) {
	now := time.Now()
	repo := newStubRepo()
	act := &stubActivity{}
	o := repo.add(model.OrderStatusProcessing, model.PaymentMethodCash, 10*time.Minute, now)
	repo.payDuring[o.ID] = true

	s := newTestScheduler(repo, act, Config{Timeout: 5 * time.Minute}, now)
	report, err := s.Sweep(context.Background(), SweepOptions{})
	require.NoError(t, err)

	assert.Len(t, report.Candidates, 1)
	assert.Equal(t, 0, report.CancelledCount())
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, model.OrderStatusProcessing, repo.status(o.ID))
}

func TestSweep_Idempotent(t *testing.T) {
	now := time.Now()
	repo := newStubRepo()
	act := &stubActivity{}
	repo.add(model.OrderStatusProcessing, model.PaymentMethodCash, 10*time.Minute, now)

	s := newTestScheduler(repo, act, Config{Timeout: 5 * time.Minute}, now)
	first, err := s.Sweep(context.Background(), SweepOptions{})
	require.NoError(t, err)
	second, err := s.Sweep(context.Background(), SweepOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, first.CancelledCount())
	assert.Empty(t, second.Candidates)
	assert.Equal(t, 0, second.CancelledCount())
	assert.Equal(t, 1, act.count())
}

func TestSweep_DryRunMatchesRealRunWithoutMutation(t *testing.T) {
	now := time.Now()
	repo := newStubRepo()
	act := &stubActivity{}
	repo.add(model.OrderStatusProcessing, model.PaymentMethodCash, 10*time.Minute, now)
	repo.add(model.OrderStatusPending, model.PaymentMethodCash, 20*time.Minute, now)
	repo.add(model.OrderStatusPending, model.PaymentMethodTerms, 20*time.Minute, now)
	repo.add(model.OrderStatusProcessing, model.PaymentMethodCash, time.Minute, now)

	s := newTestScheduler(repo, act, Config{Timeout: 5 * time.Minute, ExpirePending: true}, now)
	dry, err := s.Sweep(context.Background(), SweepOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, dry.DryRun)
	assert.Len(t, dry.Candidates, 2)
	assert.Zero(t, repo.updates)
	assert.Zero(t, act.count())

	run, err := s.Sweep(context.Background(), SweepOptions{})
	require.NoError(t, err)
	assert.Equal(t, dry.Candidates, run.Candidates)
	assert.Equal(t, 2, run.CancelledCount())
}

func TestSweep_IneligibleOrdersDoNotStarveBatch(t *testing.T) {
	now := time.Now()
	repo := newStubRepo()
	act := &stubActivity{}
	repo.add(model.OrderStatusPending, model.PaymentMethodTerms, 3*time.Hour, now)
	repo.add(model.OrderStatusPending, model.PaymentMethodTerms, 2*time.Hour, now)
	paid := repo.add(model.OrderStatusProcessing, model.PaymentMethodCash, time.Hour, now)
	repo.paid[paid.ID] = true
	stale := repo.add(model.OrderStatusProcessing, model.PaymentMethodCash, 10*time.Minute, now)

	s := newTestScheduler(repo, act, Config{Timeout: 5 * time.Minute, ExpirePending: true, BatchSize: 2}, now)
	report, err := s.Sweep(context.Background(), SweepOptions{})
	require.NoError(t, err)

	require.Len(t, report.Candidates, 1)
	assert.Equal(t, stale.ID, report.Candidates[0].OrderID)
	assert.Equal(t, 1, report.CancelledCount())
	assert.Equal(t, model.OrderStatusCancelled, repo.status(stale.ID))
	assert.Equal(t, model.OrderStatusProcessing, repo.status(paid.ID))
}

func TestSweep_BatchSizeCapsCandidates(t *testing.T) {
	now := time.Now()
	repo := newStubRepo()
	act := &stubActivity{}
	oldest := repo.add(model.OrderStatusProcessing, model.PaymentMethodCash, 30*time.Minute, now)
	next := repo.add(model.OrderStatusProcessing, model.PaymentMethodCash, 20*time.Minute, now)
	repo.add(model.OrderStatusProcessing, model.PaymentMethodCash, 10*time.Minute, now)

	s := newTestScheduler(repo, act, Config{Timeout: 5 * time.Minute, BatchSize: 2}, now)
	report, err := s.Sweep(context.Background(), SweepOptions{DryRun: true})
	require.NoError(t, err)

	require.Len(t, report.Candidates, 2)
	assert.Equal(t, oldest.ID, report.Candidates[0].OrderID)
	assert.Equal(t, next.ID, report.Candidates[1].OrderID)
	assert.Equal(t, 1, repo.lists)
}

func TestSweep_PendingPolicy(t *testing.T) {
	now := time.Now()
	repo := newStubRepo()
	act := &stubActivity{}
	cashPending := repo.add(model.OrderStatusPending, model.PaymentMethodCash, 10*time.Minute, now)
	termsPending := repo.add(model.OrderStatusPending, model.PaymentMethodTerms, 10*time.Minute, now)

	s := newTestScheduler(repo, act, Config{Timeout: 5 * time.Minute}, now)
	report, err := s.Sweep(context.Background(), SweepOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.CancelledCount())

	s = newTestScheduler(repo, act, Config{Timeout: 5 * time.Minute, ExpirePending: true}, now)
	report, err = s.Sweep(context.Background(), SweepOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.CancelledCount())
	assert.Equal(t, model.OrderStatusCancelled, repo.status(cashPending.ID))
	assert.Equal(t, model.OrderStatusPending, repo.status(termsPending.ID))
}

func TestSweep_TimeoutOverrideAndRuntimeChange(t *testing.T) {
	now := time.Now()
	repo := newStubRepo()
	act := &stubActivity{}
	repo.add(model.OrderStatusProcessing, model.PaymentMethodCash, 10*time.Minute, now)

	s := newTestScheduler(repo, act, Config{Timeout: 30 * time.Minute}, now)
	report, err := s.Sweep(context.Background(), SweepOptions{DryRun: true})
	require.NoError(t, err)
	assert.Empty(t, report.Candidates)

	report, err = s.Sweep(context.Background(), SweepOptions{DryRun: true, Timeout: 5 * time.Minute})
	require.NoError(t, err)
	assert.Len(t, report.Candidates, 1)

	s.SetTimeout(time.Minute)
	assert.Equal(t, time.Minute, s.Timeout())
	report, err = s.Sweep(context.Background(), SweepOptions{})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, report.Timeout)
	assert.Equal(t, 1, report.CancelledCount())
}

func TestSweep_FailureIsolatedPerOrder(t *testing.T) {
	now := time.Now()
	repo := newStubRepo()
	act := &stubActivity{}
	broken := repo.add(model.OrderStatusProcessing, model.PaymentMethodCash, 20*time.Minute, now)
	ok := repo.add(model.OrderStatusProcessing, model.PaymentMethodCash, 10*time.Minute, now)
	repo.failOn[broken.ID] = errors.New("connection refused")

	s := newTestScheduler(repo, act, Config{Timeout: 5 * time.Minute}, now)
	report, err := s.Sweep(context.Background(), SweepOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.CancelledCount())
	assert.Equal(t, model.OrderStatusCancelled, repo.status(ok.ID))
	assert.Equal(t, model.OrderStatusProcessing, repo.status(broken.ID))
}

func TestSweep_Lease(t *testing.T) {
	now := time.Now()
	repo := newStubRepo()
	act := &stubActivity{}
	repo.add(model.OrderStatusProcessing, model.PaymentMethodCash, 10*time.Minute, now)

	lease := &stubLease{held: true}
	s := newTestScheduler(repo, act, Config{Timeout: 5 * time.Minute}, now, WithLease(lease))

	_, err := s.Sweep(context.Background(), SweepOptions{})
	require.ErrorIs(t, err, ErrSweepInProgress)

	dry, err := s.Sweep(context.Background(), SweepOptions{DryRun: true})
	require.NoError(t, err)
	assert.Len(t, dry.Candidates, 1)

	lease.held = false
	report, err := s.Sweep(context.Background(), SweepOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.CancelledCount())
	assert.Equal(t, 1, lease.acquired)
	assert.Equal(t, 1, lease.released)
}

func TestSweep_ExtendsLeaseDuringLongSweep(t *testing.T) {
	now := time.Now()
	repo := newStubRepo()
	repo.delay = 20 * time.Millisecond
	act := &stubActivity{}
	for i := 0; i < 3; i++ {
		repo.add(model.OrderStatusProcessing, model.PaymentMethodCash, time.Duration(10+i)*time.Minute, now)
	}

	lease := &stubLease{}
	s := newTestScheduler(repo, act, Config{Timeout: 5 * time.Minute, LeaseTTL: 15 * time.Millisecond}, now, WithLease(lease))
	report, err := s.Sweep(context.Background(), SweepOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, report.CancelledCount())
	assert.Positive(t, lease.extendCount())
	assert.Equal(t, 1, lease.released)
}

func TestSweep_StopsWhenLeaseLost(t *testing.T) {
	now := time.Now()
	repo := newStubRepo()
	repo.delay = 20 * time.Millisecond
	act := &stubActivity{}
	for i := 0; i < 5; i++ {
		repo.add(model.OrderStatusProcessing, model.PaymentMethodCash, time.Duration(10+i)*time.Minute, now)
	}

	lease := &stubLease{lost: true}
	s := newTestScheduler(repo, act, Config{Timeout: 5 * time.Minute, LeaseTTL: 15 * time.Millisecond}, now, WithLease(lease))
	report, err := s.Sweep(context.Background(), SweepOptions{})
	require.ErrorIs(t, err, ErrLeaseLost)

	require.NotNil(t, report)
	assert.Less(t, report.CancelledCount(), 5)
	assert.Equal(t, 1, lease.released)
}

func TestStart_ReturnsSameHandleWhileRunning(t *testing.T) {
	now := time.Now()
	repo := newStubRepo()
	act := &stubActivity{}
	o := repo.add(model.OrderStatusProcessing, model.PaymentMethodCash, 10*time.Minute, now)

	s := newTestScheduler(repo, act, Config{Interval: 10 * time.Millisecond, Timeout: 5 * time.Minute}, now)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h1 := s.Start(ctx)
	h2 := s.Start(ctx)
	assert.Same(t, h1, h2)

	require.Eventually(t, func() bool {
		return repo.status(o.ID) == model.OrderStatusCancelled
	}, time.Second, 10*time.Millisecond)

	h1.Stop()
	select {
	case <-h1.Done():
	default:
		t.Fatal("handle must be done after Stop")
	}

	h3 := s.Start(ctx)
	assert.NotSame(t, h1, h3)
	h3.Stop()
	assert.Equal(t, 1, act.count())
}

func TestStart_LoopSurvivesSweepErrors(t *testing.T) {
	repo := newStubRepo()
	repo.listErr = errors.New("database unavailable")

	s := newTestScheduler(repo, &stubActivity{}, Config{Interval: 5 * time.Millisecond}, time.Now())
	h := s.Start(context.Background())

	time.Sleep(30 * time.Millisecond)
	select {
	case <-h.Done():
		t.Fatal("loop must keep running after sweep errors")
	default:
	}
	h.Stop()
}
