package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/orderflow/internal/model"
)

// setupRepo подключается к БД из DATABASE_URI и создаёт покупателя и товар для теста.
func setupRepo(t *testing.T) (*PostgresRepository, int64, int64) {
	t.Helper()

	dsn := os.Getenv("DATABASE_URI")
	if dsn == "" {
		t.Skip("DATABASE_URI not set")
	}

	repo, err := NewPostgresRepository(dsn)
	if err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
	}

	ctx := context.Background()
	var customerID, productID int64
	require.NoError(t, repo.pool.QueryRow(ctx,
		`INSERT INTO customers (name) VALUES ('integration') RETURNING id`).Scan(&customerID))
	require.NoError(t, repo.pool.QueryRow(ctx,
		`INSERT INTO products (name, price) VALUES ('widget', 1000.00) RETURNING id`).Scan(&productID))

	t.Cleanup(func() {
		ctx := context.Background()
		repo.pool.Exec(ctx, `DELETE FROM payments WHERE order_id IN (SELECT id FROM orders WHERE customer_id = $1)`, customerID)
		repo.pool.Exec(ctx, `DELETE FROM activity_log WHERE order_id IN (SELECT id FROM orders WHERE customer_id = $1)`, customerID)
		repo.pool.Exec(ctx, `DELETE FROM orders WHERE customer_id = $1`, customerID)
		repo.pool.Exec(ctx, `DELETE FROM products WHERE id = $1`, productID)
		repo.pool.Exec(ctx, `DELETE FROM customers WHERE id = $1`, customerID)
		repo.Close()
	})

	return repo, customerID, productID
}

func newDraft(customerID int64) *model.Order {
	now := time.Now()
	return &model.Order{
		ID:                 uuid.New(),
		Number:             model.NewOrderNumber(now),
		CustomerID:         customerID,
		Status:             model.OrderStatusProcessing,
		DiscountPercentage: decimal.Zero,
		CreatedAt:          now,
	}
}

func TestPostgres_CreateDraftIsUniquePerCustomer(t *testing.T) {
	repo, customerID, _ := setupRepo(t)
	ctx := context.Background()

	first, err := repo.CreateDraft(ctx, newDraft(customerID))
	require.NoError(t, err)

	second, err := repo.CreateDraft(ctx, newDraft(customerID))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got, err := repo.GetDraft(ctx, customerID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestPostgres_UpdateOrderLifecycle(t *testing.T) {
	repo, customerID, productID := setupRepo(t)
	ctx := context.Background()

	o := newDraft(customerID)
	o.Status = model.OrderStatusPending
	require.NoError(t, o.AddItems(model.NewItem(productID, 2, decimal.NewFromInt(1000), model.PaymentMethodCash)))
	require.NoError(t, repo.InsertOrder(ctx, o))

	got, err := repo.GetOrderByNumber(ctx, o.Number)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.True(t, decimal.NewFromInt(2000).Equal(got.FinalAmount))

	unchanged, err := repo.UpdateOrder(ctx, o.ID, func(*model.Order, bool) error { return ErrUnchanged })
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPending, unchanged.Status)

	q := StaleQuery{
		Statuses: []model.OrderStatus{model.OrderStatusPending},
		Cutoff:   time.Now().Add(time.Minute),
		Limit:    100,
	}
	assert.True(t, listsOrder(t, repo, q, o.ID), "pending order must be listed as stale")

	_, err = repo.pool.Exec(ctx, `INSERT INTO payments (order_id, status, amount) VALUES ($1, 'success', 200000)`, o.ID)
	require.NoError(t, err)
	assert.False(t, listsOrder(t, repo, q, o.ID), "paid order must not be listed as stale")

	updated, err := repo.UpdateOrder(ctx, o.ID, func(o *model.Order, paid bool) error {
		if !paid {
			return errors.New("payment not visible inside transaction")
		}
		o.Status = model.OrderStatusConfirmed
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusConfirmed, updated.Status)

	_, err = repo.UpdateOrder(ctx, uuid.New(), func(*model.Order, bool) error { return nil })
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func listsOrder(t *testing.T, repo *PostgresRepository, q StaleQuery, id uuid.UUID) bool {
	t.Helper()

	stale, err := repo.ListStaleOrders(context.Background(), q)
	require.NoError(t, err)
	for _, ov := range stale {
		if ov.Order.ID == id {
			assert.False(t, ov.Paid)
			return true
		}
	}
	return false
}

func TestPostgres_ListStaleOrdersExcludesTermsAwaitingApprovalAndPages(t *testing.T) {
	repo, customerID, productID := setupRepo(t)
	ctx := context.Background()

	insert := func(method model.PaymentMethod) *model.Order {
		o := newDraft(customerID)
		o.Status = model.OrderStatusPending
		require.NoError(t, o.AddItems(model.NewItem(productID, 1, decimal.NewFromInt(1000), method)))
		require.NoError(t, repo.InsertOrder(ctx, o))
		return o
	}
	terms := insert(model.PaymentMethodTerms)
	first := insert(model.PaymentMethodCash)
	second := insert(model.PaymentMethodCash)

	// обход страницами по одной строке видит каждый заказ ровно один раз
	q := StaleQuery{
		Statuses: []model.OrderStatus{model.OrderStatusPending},
		Cutoff:   time.Now().Add(time.Minute),
		Limit:    1,
	}
	seen := make(map[uuid.UUID]int)
	for {
		page, err := repo.ListStaleOrders(ctx, q)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		last := page[len(page)-1].Order
		seen[last.ID]++
		q.AfterUpdatedAt, q.AfterID = last.UpdatedAt, last.ID
	}

	assert.Zero(t, seen[terms.ID])
	assert.Equal(t, 1, seen[first.ID])
	assert.Equal(t, 1, seen[second.ID])
}

func TestPostgres_DeleteEmptyDraft(t *testing.T) {
	repo, customerID, _ := setupRepo(t)
	ctx := context.Background()

	draft, err := repo.CreateDraft(ctx, newDraft(customerID))
	require.NoError(t, err)

	_, err = repo.pool.Exec(ctx, `INSERT INTO payments (order_id, status, amount) VALUES ($1, 'failed', 100)`, draft.ID)
	require.NoError(t, err)

	require.ErrorIs(t, repo.DeleteEmptyDraft(ctx, draft.ID, false), ErrOrderHasPayments)
	require.NoError(t, repo.DeleteEmptyDraft(ctx, draft.ID, true))

	_, err = repo.GetOrder(ctx, draft.ID)
	require.ErrorIs(t, err, ErrOrderNotFound)
}
