package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/luxeja/storefront-system/internal/model"
)

// ErrInvalidTransition возвращается при недопустимом переходе статуса заказа.
var ErrInvalidTransition = errors.New("invalid status transition")

// generateOrderNumber возвращает номер заказа из временной и случайной
// составляющих. Случайная часть делает коллизии при конкурентном создании
// практически невозможными; обнаруженная коллизия приводит к повторной
// генерации, а не к ошибке для вызывающего.
func generateOrderNumber() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:10]
	return fmt.Sprintf("ORD%d%s", time.Now().UnixMilli(), suffix)
}

// CreateOrder атомарно создаёт заказ: проверяет остатки, фиксирует заказ с
// историей статусов, начисляет и списывает баллы и уменьшает остатки. Любая
// ошибка откатывает все эффекты попытки. Повтор с тем же ключом идемпотентности
// возвращает ранее созданный заказ без побочных эффектов.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order, idempotencyKey string) (*model.Order, error) {
	if idempotencyKey != "" {
		existing, err := r.orderByIdempotencyKey(ctx, idempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrOrderNotFound) {
			return nil, err
		}
	}

	var number string
	err := r.withRetry(ctx, func(ctx context.Context) error {
		n, err := r.createOrderTx(ctx, o, idempotencyKey)
		if err != nil {
			return err
		}
		number = n
		return nil
	})
	if err != nil {
		// Конкурентный повтор с тем же ключом мог создать заказ первым.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == "orders_idempotency_key_key" {
			return r.orderByIdempotencyKey(ctx, idempotencyKey)
		}
		return nil, err
	}

	return r.GetOrderByNumber(ctx, number)
}

func (r *PostgresRepository) createOrderTx(ctx context.Context, o *model.Order, idempotencyKey string) (string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Строка пользователя блокируется первой: это сериализует конкурентные
	// оформления и операции с баллами одного пользователя.
	var dummy int
	err = tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, o.UserID).Scan(&dummy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("lock user: %w", err)
	}

	// Остатки блокируются в фиксированном порядке во избежание дедлоков.
	items := make([]model.OrderItem, len(o.Items))
	copy(items, o.Items)
	sort.Slice(items, func(i, j int) bool {
		if items[i].ProductID != items[j].ProductID {
			return items[i].ProductID < items[j].ProductID
		}
		return items[i].Size < items[j].Size
	})

	for _, it := range items {
		var stock int64
		err := tx.QueryRow(ctx,
			`SELECT stock FROM product_sizes WHERE product_id = $1 AND size = $2 FOR UPDATE`,
			it.ProductID, it.Size,
		).Scan(&stock)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return "", fmt.Errorf("%w: product %d size %s", ErrOutOfStock, it.ProductID, it.Size)
			}
			return "", fmt.Errorf("lock stock: %w", err)
		}
		if stock < it.Quantity {
			return "", fmt.Errorf("%w: product %d size %s", ErrOutOfStock, it.ProductID, it.Size)
		}
	}

	shippingAddr, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return "", fmt.Errorf("marshal shipping address: %w", err)
	}
	billingAddr, err := json.Marshal(o.BillingAddress)
	if err != nil {
		return "", fmt.Errorf("marshal billing address: %w", err)
	}

	number := generateOrderNumber()

	var orderID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO orders (number, user_id, status, subtotal, discount_amount, tax_amount,
		        shipping_amount, total_amount, points_earned, points_redeemed, coupon_code,
		        shipping_address, billing_address, payment_method, payment_status, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13, $14, $15, NULLIF($16, ''))
		 RETURNING id`,
		number, o.UserID, string(model.OrderStatusPending),
		o.Subtotal, o.DiscountAmount, o.TaxAmount, o.ShippingAmount, o.TotalAmount,
		o.PointsEarned, o.PointsRedeemed, o.CouponCode,
		shippingAddr, billingAddr, string(o.PaymentMethod), string(model.PaymentStatusPending),
		idempotencyKey,
	).Scan(&orderID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == "orders_number_key" {
			return "", errOrderNumberCollision
		}
		return "", fmt.Errorf("insert order: %w", err)
	}

	for _, it := range o.Items {
		_, err := tx.Exec(ctx,
			`INSERT INTO order_items (order_id, product_id, size, color, quantity, unit_price, unit_sale_price)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			orderID, it.ProductID, it.Size, it.Color, it.Quantity, it.UnitPrice, it.UnitSalePrice,
		)
		if err != nil {
			return "", fmt.Errorf("insert order item: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO order_status_history (order_id, status, note) VALUES ($1, $2, $3)`,
		orderID, string(model.OrderStatusPending), "order created",
	)
	if err != nil {
		return "", fmt.Errorf("insert status history: %w", err)
	}

	// Списание проверяется по балансу до начисления за этот же заказ.
	if err := r.debitForRedemptionTx(ctx, tx, o.UserID, o.PointsRedeemed); err != nil {
		return "", err
	}
	if err := r.creditForOrderTx(ctx, tx, o.UserID, o.PointsEarned, o.TotalAmount); err != nil {
		return "", err
	}

	for _, it := range items {
		cmdTag, err := tx.Exec(ctx,
			`UPDATE product_sizes SET stock = stock - $3
			 WHERE product_id = $1 AND size = $2 AND stock >= $3`,
			it.ProductID, it.Size, it.Quantity,
		)
		if err != nil {
			return "", fmt.Errorf("decrement stock: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return "", fmt.Errorf("%w: product %d size %s", ErrOutOfStock, it.ProductID, it.Size)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}

	return number, nil
}

func (r *PostgresRepository) orderByIdempotencyKey(ctx context.Context, key string) (*model.Order, error) {
	var number string
	err := r.pool.QueryRow(ctx, `SELECT number FROM orders WHERE idempotency_key = $1`, key).Scan(&number)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("select order by idempotency key: %w", err)
	}
	return r.GetOrderByNumber(ctx, number)
}

// GetOrderByNumber возвращает заказ со всеми позициями и историей статусов.
func (r *PostgresRepository) GetOrderByNumber(ctx context.Context, number string) (*model.Order, error) {
	o, err := r.scanOrderRow(r.pool.QueryRow(ctx, orderSelect+` WHERE number = $1`, number))
	if err != nil {
		return nil, err
	}

	if err := r.attachOrderDetails(ctx, o); err != nil {
		return nil, err
	}

	return o, nil
}

// ListOrdersByUser возвращает заказы пользователя в порядке убывания даты
// создания.
func (r *PostgresRepository) ListOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx, orderSelect+` WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := r.scanOrderRow(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for i := range orders {
		if err := r.attachOrderDetails(ctx, &orders[i]); err != nil {
			return nil, err
		}
	}

	return orders, nil
}

const orderSelect = `SELECT id, number, user_id, status, subtotal, discount_amount, tax_amount,
	shipping_amount, total_amount, points_earned, points_redeemed,
	COALESCE(coupon_code, ''), shipping_address, billing_address,
	payment_method, payment_status, COALESCE(payment_intent_id, ''), created_at
	FROM orders`

func (r *PostgresRepository) scanOrderRow(row pgx.Row) (*model.Order, error) {
	var (
		o                        model.Order
		status, method, payState string
		shippingRaw, billingRaw  []byte
	)
	err := row.Scan(
		&o.ID, &o.Number, &o.UserID, &status, &o.Subtotal, &o.DiscountAmount,
		&o.TaxAmount, &o.ShippingAmount, &o.TotalAmount, &o.PointsEarned,
		&o.PointsRedeemed, &o.CouponCode, &shippingRaw, &billingRaw,
		&method, &payState, &o.PaymentIntentID, &o.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	o.Status = model.OrderStatus(status)
	o.PaymentMethod = model.PaymentMethod(method)
	o.PaymentStatus = model.PaymentStatus(payState)

	if err := json.Unmarshal(shippingRaw, &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("unmarshal shipping address: %w", err)
	}
	if err := json.Unmarshal(billingRaw, &o.BillingAddress); err != nil {
		return nil, fmt.Errorf("unmarshal billing address: %w", err)
	}

	return &o, nil
}

func (r *PostgresRepository) attachOrderDetails(ctx context.Context, o *model.Order) error {
	rows, err := r.pool.Query(ctx,
		`SELECT product_id, size, color, quantity, unit_price, unit_sale_price
		 FROM order_items WHERE order_id = $1 ORDER BY id`,
		o.ID,
	)
	if err != nil {
		return fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	o.Items = nil
	for rows.Next() {
		var it model.OrderItem
		if err := rows.Scan(&it.ProductID, &it.Size, &it.Color, &it.Quantity, &it.UnitPrice, &it.UnitSalePrice); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	histRows, err := r.pool.Query(ctx,
		`SELECT status, note, created_at FROM order_status_history WHERE order_id = $1 ORDER BY created_at, id`,
		o.ID,
	)
	if err != nil {
		return fmt.Errorf("select status history: %w", err)
	}
	defer histRows.Close()

	o.StatusHistory = nil
	for histRows.Next() {
		var (
			sc     model.StatusChange
			status string
		)
		if err := histRows.Scan(&status, &sc.Note, &sc.At); err != nil {
			return fmt.Errorf("scan status history: %w", err)
		}
		sc.Status = model.OrderStatus(status)
		o.StatusHistory = append(o.StatusHistory, sc)
	}
	if err := histRows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	return nil
}

// SetPaymentIntent сохраняет идентификатор платёжной сессии заказа.
func (r *PostgresRepository) SetPaymentIntent(ctx context.Context, number, intentID string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET payment_intent_id = $2 WHERE number = $1`,
		number, intentID,
	)
	if err != nil {
		return fmt.Errorf("set payment intent: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// AwaitingPayment описывает заказ с незавершённой платёжной сессией.
type AwaitingPayment struct {
	Number   string
	IntentID string
}

// OrdersAwaitingPayment возвращает заказы, для которых нужно опросить платёжный
// шлюз.
func (r *PostgresRepository) OrdersAwaitingPayment(ctx context.Context, limit int) ([]AwaitingPayment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT number, payment_intent_id FROM orders
		 WHERE payment_status = $1 AND payment_intent_id IS NOT NULL
		 ORDER BY created_at
		 LIMIT $2`,
		string(model.PaymentStatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select awaiting payment: %w", err)
	}
	defer rows.Close()

	var res []AwaitingPayment
	for rows.Next() {
		var a AwaitingPayment
		if err := rows.Scan(&a.Number, &a.IntentID); err != nil {
			return nil, fmt.Errorf("scan awaiting payment: %w", err)
		}
		res = append(res, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ApplyPaymentOutcome применяет итог платежа к заказу ровно один раз. Повторная
// доставка того же итога не имеет эффекта; противоречащий итог отклоняется.
// Неуспешный платёж отменяет заказ и в той же транзакции компенсирует его
// эффекты: возвращает остатки, откатывает начисленные баллы и накопленную
// сумму, возвращает списанные баллы.
func (r *PostgresRepository) ApplyPaymentOutcome(ctx context.Context, number string, outcome model.PaymentOutcome) (*model.Order, error) {
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.applyPaymentOutcomeTx(ctx, number, outcome)
	})
	if err != nil {
		return nil, err
	}
	return r.GetOrderByNumber(ctx, number)
}

// paymentDecision описывает эффект применения итога платежа к заказу:
// целевой статус платежа, новый статус заказа и необходимость компенсации.
type paymentDecision struct {
	noop       bool
	target     model.PaymentStatus
	newStatus  model.OrderStatus
	note       string
	compensate bool
}

// decidePaymentOutcome — чистая проверка перехода платежа. Повторная доставка
// того же итога — пустая операция; противоречащий итог после завершения
// платежа — ErrPaymentSettled; недопустимый переход статуса заказа —
// ErrInvalidTransition.
func decidePaymentOutcome(outcome model.PaymentOutcome, current model.PaymentStatus, status model.OrderStatus) (paymentDecision, error) {
	target := model.PaymentStatusPaid
	if outcome == model.PaymentOutcomeFailed {
		target = model.PaymentStatusFailed
	}

	if current == target {
		return paymentDecision{noop: true}, nil
	}
	if current != model.PaymentStatusPending {
		return paymentDecision{}, ErrPaymentSettled
	}

	d := paymentDecision{
		target:    target,
		newStatus: model.OrderStatusConfirmed,
		note:      "payment confirmed",
	}
	if outcome == model.PaymentOutcomeFailed {
		d.newStatus = model.OrderStatusCancelled
		d.note = "payment failed"
		d.compensate = true
	}

	if !model.CanTransition(status, d.newStatus) {
		return paymentDecision{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, d.newStatus)
	}

	return d, nil
}

func (r *PostgresRepository) applyPaymentOutcomeTx(ctx context.Context, number string, outcome model.PaymentOutcome) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		orderID, userID               int64
		status, payState              string
		totalAmount, earned, redeemed int64
	)
	err = tx.QueryRow(ctx,
		`SELECT id, user_id, status, payment_status, total_amount, points_earned, points_redeemed
		 FROM orders WHERE number = $1 FOR UPDATE`,
		number,
	).Scan(&orderID, &userID, &status, &payState, &totalAmount, &earned, &redeemed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("lock order: %w", err)
	}

	d, err := decidePaymentOutcome(outcome, model.PaymentStatus(payState), model.OrderStatus(status))
	if err != nil {
		return err
	}
	if d.noop {
		return nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET payment_status = $2, status = $3 WHERE id = $1`,
		orderID, string(d.target), string(d.newStatus),
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO order_status_history (order_id, status, note) VALUES ($1, $2, $3)`,
		orderID, string(d.newStatus), d.note,
	)
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}

	if d.compensate {
		if err := r.compensateOrderTx(ctx, tx, orderID, userID, totalAmount, earned, redeemed); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// compensateOrderTx откатывает эффекты заказа при неуспешной оплате: остатки,
// баллы и накопленную сумму покупок.
func (r *PostgresRepository) compensateOrderTx(ctx context.Context, tx pgx.Tx, orderID, userID, totalAmount, earned, redeemed int64) error {
	_, err := tx.Exec(ctx,
		`UPDATE product_sizes ps SET stock = ps.stock + oi.quantity
		 FROM order_items oi
		 WHERE oi.order_id = $1 AND ps.product_id = oi.product_id AND ps.size = oi.size`,
		orderID,
	)
	if err != nil {
		return fmt.Errorf("restore stock: %w", err)
	}

	var totalSpent int64
	err = tx.QueryRow(ctx, `SELECT total_spent FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&totalSpent)
	if err != nil {
		return fmt.Errorf("lock user: %w", err)
	}

	newSpent := totalSpent - totalAmount
	if newSpent < 0 {
		newSpent = 0
	}
	tier := r.cfg.TierFor(newSpent)

	_, err = tx.Exec(ctx,
		`UPDATE users SET reward_points = GREATEST(0, reward_points - $2 + $3),
		        total_spent = $4, loyalty_tier = $5
		 WHERE id = $1`,
		userID, earned, redeemed, newSpent, string(tier),
	)
	if err != nil {
		return fmt.Errorf("reverse loyalty: %w", err)
	}

	return nil
}

// AppendOrderStatus переводит заказ в новый статус с записью в историю.
// Недопустимый переход отклоняется.
func (r *PostgresRepository) AppendOrderStatus(ctx context.Context, number string, status model.OrderStatus, note string) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			orderID int64
			current string
		)
		err = tx.QueryRow(ctx, `SELECT id, status FROM orders WHERE number = $1 FOR UPDATE`, number).Scan(&orderID, &current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}

		if !model.CanTransition(model.OrderStatus(current), status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
		}

		_, err = tx.Exec(ctx, `UPDATE orders SET status = $2 WHERE id = $1`, orderID, string(status))
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO order_status_history (order_id, status, note) VALUES ($1, $2, $3)`,
			orderID, string(status), note,
		)
		if err != nil {
			return fmt.Errorf("insert status history: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}
