// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/orderflow/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrProductNotFound возвращается, если товар не найден.
	ErrProductNotFound = errors.New("product not found")
	// ErrCustomerNotFound возвращается, если покупатель не найден.
	ErrCustomerNotFound = errors.New("customer not found")
	// ErrNotDraft возвращается при попытке удалить заказ, который уже не является черновиком.
	ErrNotDraft = errors.New("order is not a draft")
	// ErrOrderNotEmpty возвращается при попытке удалить черновик с позициями.
	ErrOrderNotEmpty = errors.New("order has items")
	// ErrOrderHasPayments возвращается при удалении черновика с платежами без флага force.
	ErrOrderHasPayments = errors.New("order has payments")
	// ErrDuplicateOrder возвращается при конфликте уникального номера заказа.
	ErrDuplicateOrder = errors.New("order already exists")
	// ErrUnchanged возвращается из UpdateFunc, когда сохранять нечего.
	ErrUnchanged = errors.New("order unchanged")
)

// UpdateFunc изменяет заказ внутри транзакции. Заказ заблокирован на время вызова,
// paid отражает наличие успешного платежа на момент блокировки.
// Ошибка отменяет транзакцию и возвращается вызывающему без изменений.
type UpdateFunc func(o *model.Order, paid bool) error

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

var retryDelays = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil || !isRetryable(err) || i == len(retryDelays) {
			return err
		}

		timer := time.NewTimer(retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// inTx выполняет fn в транзакции, повторяя её при конфликтах сериализации и взаимных блокировках.
func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(tx); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const orderColumns = `o.id, o.number, o.customer_id, o.status, o.payment_method,
	o.total_amount, o.discount_percentage, o.final_amount, o.created_by, o.created_at, o.updated_at`

func scanOrder(row pgx.Row, extra ...any) (*model.Order, error) {
	var (
		o      model.Order
		status string
		method string
	)
	dest := []any{
		&o.ID, &o.Number, &o.CustomerID, &status, &method,
		&o.TotalAmount, &o.DiscountPercentage, &o.FinalAmount, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	o.PaymentMethod = model.PaymentMethod(method)
	return &o, nil
}

func loadItems(ctx context.Context, q querier, ids []uuid.UUID) (map[uuid.UUID][]model.OrderItem, error) {
	res := make(map[uuid.UUID][]model.OrderItem, len(ids))
	if len(ids) == 0 {
		return res, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, id.String())
	}

	rows, err := q.Query(ctx,
		`SELECT id, order_id, product_id, quantity, unit_price, total_price, payment_method
		 FROM order_items
		 WHERE order_id = ANY($1::uuid[])
		 ORDER BY id`,
		keys,
	)
	if err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			it     model.OrderItem
			method string
		)
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &it.UnitPrice, &it.TotalPrice, &method); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		it.PaymentMethod = model.PaymentMethod(method)
		res[it.OrderID] = append(res[it.OrderID], it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func (r *PostgresRepository) getOrder(ctx context.Context, q querier, where string, arg any) (*model.Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders o WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	items, err := loadItems(ctx, q, []uuid.UUID{o.ID})
	if err != nil {
		return nil, err
	}
	o.Items = items[o.ID]

	return o, nil
}

// GetOrder возвращает заказ вместе с позициями.
func (r *PostgresRepository) GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	return r.getOrder(ctx, r.pool, `o.id = $1`, id)
}

// GetOrderByNumber возвращает заказ по человекочитаемому номеру.
func (r *PostgresRepository) GetOrderByNumber(ctx context.Context, number string) (*model.Order, error) {
	return r.getOrder(ctx, r.pool, `o.number = $1`, number)
}

// GetDraft возвращает черновик покупателя или ErrOrderNotFound.
func (r *PostgresRepository) GetDraft(ctx context.Context, customerID int64) (*model.Order, error) {
	return r.getOrder(ctx, r.pool, `o.customer_id = $1 AND o.status = 'processing'`, customerID)
}

// CreateDraft создаёт черновик покупателя. Если черновик уже существует, возвращается он.
func (r *PostgresRepository) CreateDraft(ctx context.Context, draft *model.Order) (*model.Order, error) {
	var res *model.Order
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO orders (id, number, customer_id, status, discount_percentage, created_by, created_at, updated_at)
			 VALUES ($1, $2, $3, 'processing', $4, $5, $6, $6)
			 ON CONFLICT (customer_id) WHERE status = 'processing' DO NOTHING`,
			draft.ID, draft.Number, draft.CustomerID, draft.DiscountPercentage, draft.CreatedBy, draft.CreatedAt,
		)
		if err != nil {
			return mapWriteError("insert draft", err)
		}

		res, err = r.getOrder(ctx, tx, `o.customer_id = $1 AND o.status = 'processing'`, draft.CustomerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// InsertOrder сохраняет новый заказ вместе с позициями в одной транзакции.
func (r *PostgresRepository) InsertOrder(ctx context.Context, o *model.Order) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO orders (id, number, customer_id, status, payment_method, total_amount,
			                     discount_percentage, final_amount, created_by, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
			o.ID, o.Number, o.CustomerID, string(o.Status), string(o.PaymentMethod), o.TotalAmount,
			o.DiscountPercentage, o.FinalAmount, o.CreatedBy, o.CreatedAt,
		)
		if err != nil {
			return mapWriteError("insert order", err)
		}
		return insertItems(ctx, tx, o.Items)
	})
}

func insertItems(ctx context.Context, tx pgx.Tx, items []model.OrderItem) error {
	for i := range items {
		if items[i].ID != 0 {
			continue
		}
		err := tx.QueryRow(ctx,
			`INSERT INTO order_items (order_id, product_id, quantity, unit_price, total_price, payment_method)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			items[i].OrderID, items[i].ProductID, items[i].Quantity, items[i].UnitPrice, items[i].TotalPrice,
			string(items[i].PaymentMethod),
		).Scan(&items[i].ID)
		if err != nil {
			return fmt.Errorf("insert item: %w", err)
		}
	}
	return nil
}

func mapWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// UpdateOrder блокирует заказ, передаёт его в fn и сохраняет изменения статуса, сумм и новые позиции.
// Наличие успешного платежа проверяется внутри той же транзакции.
func (r *PostgresRepository) UpdateOrder(ctx context.Context, id uuid.UUID, fn UpdateFunc) (*model.Order, error) {
	var res *model.Order
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		o, err := r.getOrder(ctx, tx, `o.id = $1 FOR UPDATE`, id)
		if err != nil {
			return err
		}

		paid, err := hasSuccessPayment(ctx, tx, id)
		if err != nil {
			return err
		}

		before := o.Status
		if err := fn(o, paid); err != nil {
			if errors.Is(err, ErrUnchanged) {
				res = o
				return nil
			}
			return err
		}

		err = tx.QueryRow(ctx,
			`UPDATE orders
			 SET status = $2, payment_method = $3, total_amount = $4, discount_percentage = $5,
			     final_amount = $6, updated_at = now()
			 WHERE id = $1 AND status = $7
			 RETURNING updated_at`,
			o.ID, string(o.Status), string(o.PaymentMethod), o.TotalAmount, o.DiscountPercentage,
			o.FinalAmount, string(before),
		).Scan(&o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		if err := insertItems(ctx, tx, o.Items); err != nil {
			return err
		}

		res = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DeleteEmptyDraft удаляет черновик без позиций. Черновик с платежами удаляется только с force,
// вместе с платежами в той же транзакции.
func (r *PostgresRepository) DeleteEmptyDraft(ctx context.Context, id uuid.UUID, force bool) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}
		if model.OrderStatus(status) != model.OrderStatusProcessing {
			return ErrNotDraft
		}

		var items, payments int
		err = tx.QueryRow(ctx,
			`SELECT (SELECT count(*) FROM order_items WHERE order_id = $1),
			        (SELECT count(*) FROM payments WHERE order_id = $1)`,
			id,
		).Scan(&items, &payments)
		if err != nil {
			return fmt.Errorf("count order rows: %w", err)
		}

		if items > 0 {
			return ErrOrderNotEmpty
		}
		if payments > 0 {
			if !force {
				return ErrOrderHasPayments
			}
			if _, err := tx.Exec(ctx, `DELETE FROM payments WHERE order_id = $1`, id); err != nil {
				return fmt.Errorf("delete payments: %w", err)
			}
		}

		if _, err := tx.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete order: %w", err)
		}
		return nil
	})
}

const overviewColumns = `,
	(SELECT count(*) FROM order_items i WHERE i.order_id = o.id),
	(SELECT count(*) FROM payments p WHERE p.order_id = o.id),
	EXISTS (SELECT 1 FROM payments p WHERE p.order_id = o.id AND p.status = 'success')`

func (r *PostgresRepository) listOverviews(ctx context.Context, query string, args ...any) ([]model.OrderOverview, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var (
		res []model.OrderOverview
		ids []uuid.UUID
	)
	for rows.Next() {
		var ov model.OrderOverview
		o, err := scanOrder(rows, &ov.ItemCount, &ov.PaymentCount, &ov.Paid)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		ov.Order = *o
		res = append(res, ov)
		ids = append(ids, o.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	items, err := loadItems(ctx, r.pool, ids)
	if err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Order.Items = items[res[i].Order.ID]
	}

	return res, nil
}

// ListOpenOrders возвращает незавершённые заказы покупателя со сведениями о платежах.
func (r *PostgresRepository) ListOpenOrders(ctx context.Context, customerID int64) ([]model.OrderOverview, error) {
	return r.listOverviews(ctx,
		`SELECT `+orderColumns+overviewColumns+`
		 FROM orders o
		 WHERE o.customer_id = $1 AND o.status IN ('processing', 'pending')
		 ORDER BY o.created_at DESC`,
		customerID,
	)
}

// StaleQuery задаёт страницу выборки зависших заказов.
// AfterUpdatedAt и AfterID указывают последнюю строку предыдущей страницы; нулевые значения означают первую страницу.
type StaleQuery struct {
	Statuses       []model.OrderStatus
	Cutoff         time.Time
	AfterUpdatedAt time.Time
	AfterID        uuid.UUID
	Limit          int
}

// ListStaleOrders возвращает заказы в указанных статусах, не изменявшиеся с момента cutoff,
// в порядке (updated_at, id). Оплаченные заказы и заказы по договору, ожидающие подтверждения, не попадают в выборку.
func (r *PostgresRepository) ListStaleOrders(ctx context.Context, q StaleQuery) ([]model.OrderOverview, error) {
	values := make([]string, 0, len(q.Statuses))
	for _, s := range q.Statuses {
		values = append(values, string(s))
	}

	return r.listOverviews(ctx,
		`SELECT `+orderColumns+overviewColumns+`
		 FROM orders o
		 WHERE o.status = ANY($1) AND o.updated_at < $2
		   AND NOT (o.status = 'pending' AND o.payment_method = 'terms')
		   AND NOT EXISTS (SELECT 1 FROM payments p WHERE p.order_id = o.id AND p.status = 'success')
		   AND (o.updated_at, o.id) > ($3::timestamptz, $4::uuid)
		 ORDER BY o.updated_at, o.id
		 LIMIT $5`,
		values, q.Cutoff, q.AfterUpdatedAt, q.AfterID, q.Limit,
	)
}

func hasSuccessPayment(ctx context.Context, q querier, orderID uuid.UUID) (bool, error) {
	var paid bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM payments WHERE order_id = $1 AND status = $2)`,
		orderID, string(model.PaymentStatusSuccess),
	).Scan(&paid)
	if err != nil {
		return false, fmt.Errorf("check payments: %w", err)
	}
	return paid, nil
}

// HasSuccessPayment сообщает, есть ли у заказа успешный платёж.
func (r *PostgresRepository) HasSuccessPayment(ctx context.Context, orderID uuid.UUID) (bool, error) {
	return hasSuccessPayment(ctx, r.pool, orderID)
}

// GetProduct возвращает товар каталога.
func (r *PostgresRepository) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	var p model.Product
	err := r.pool.QueryRow(ctx, `SELECT id, name, price FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

// IsCustomerBlocked сообщает, заблокирована ли учётная запись покупателя.
func (r *PostgresRepository) IsCustomerBlocked(ctx context.Context, customerID int64) (bool, error) {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status FROM customers WHERE id = $1`, customerID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrCustomerNotFound
		}
		return false, fmt.Errorf("get customer: %w", err)
	}
	return model.CustomerStatus(status) == model.CustomerStatusBlocked, nil
}

// LogActivity добавляет запись в журнал действий по заказу.
func (r *PostgresRepository) LogActivity(ctx context.Context, a model.Activity) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO activity_log (order_id, action, description, actor_id) VALUES ($1, $2, $3, $4)`,
		a.OrderID, a.Action, a.Description, a.ActorID,
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}
