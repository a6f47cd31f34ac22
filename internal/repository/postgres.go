// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/luxeja/storefront-system/internal/model"
	"github.com/luxeja/storefront-system/internal/pricing"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке зарегистрировать уже занятый email.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrAlreadyVerified возвращается при повторном подтверждении почты.
	ErrAlreadyVerified = errors.New("email already verified")
	// ErrProductNotFound возвращается, если товар не найден или неактивен.
	ErrProductNotFound = errors.New("product not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOutOfStock возвращается, если запрошенное количество превышает остаток.
	ErrOutOfStock = errors.New("out of stock")
	// ErrInsufficientPoints возвращается при списании баллов сверх баланса.
	ErrInsufficientPoints = errors.New("insufficient points")
	// ErrInvalidCoupon возвращается для неизвестного или просроченного промокода.
	ErrInvalidCoupon = errors.New("invalid coupon")
	// ErrPaymentSettled возвращается при попытке применить противоречащий итог
	// платежа к уже завершённому заказу.
	ErrPaymentSettled = errors.New("payment already settled")
	// ErrStoryNotFound возвращается, если история не найдена.
	ErrStoryNotFound = errors.New("story not found")
)

// errOrderNumberCollision сигнализирует о коллизии сгенерированного номера
// заказа: транзакция создания повторяется с новым номером.
var errOrderNumberCollision = errors.New("order number collision")

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
	cfg  pricing.Config
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД
// через миграции. Конфигурация лояльности нужна для пересчёта уровня при
// изменении накопленной суммы покупок.
func NewPostgresRepository(dsn string, cfg pricing.Config) (*PostgresRepository, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool, cfg: cfg}

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

// withRetry повторяет операцию при сбоях сериализации, дедлоках и коллизии
// номера заказа. Остальные ошибки возвращаются сразу.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, errOrderNumberCollision) {
			return retry.RetryableError(err)
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
		}

		return err
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя и единожды начисляет ему
// приветственный бонус.
func (r *PostgresRepository) CreateUser(ctx context.Context, email string, passwordHash []byte, firstName, lastName string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO users (email, password_hash, first_name, last_name, reward_points)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, reward_points, total_spent, loyalty_tier, email_verified, created_at`,
		email, string(passwordHash), firstName, lastName, r.cfg.WelcomeBonus,
	)

	u := model.User{
		Email:        email,
		PasswordHash: passwordHash,
		FirstName:    firstName,
		LastName:     lastName,
	}
	var tier string
	err := row.Scan(&u.ID, &u.RewardPoints, &u.TotalSpent, &tier, &u.EmailVerified, &u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrUserExists, email)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	u.Tier = model.LoyaltyTier(tier)

	return &u, nil
}

// GetUserByEmail возвращает пользователя по адресу почты.
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.getUser(ctx, `SELECT id, email, password_hash, first_name, last_name, reward_points,
		total_spent, loyalty_tier, email_verified, created_at FROM users WHERE email = $1`, email)
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return r.getUser(ctx, `SELECT id, email, password_hash, first_name, last_name, reward_points,
		total_spent, loyalty_tier, email_verified, created_at FROM users WHERE id = $1`, id)
}

func (r *PostgresRepository) getUser(ctx context.Context, query string, arg any) (*model.User, error) {
	var (
		u    model.User
		hash string
		tier string
	)
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&u.ID, &u.Email, &hash, &u.FirstName, &u.LastName,
		&u.RewardPoints, &u.TotalSpent, &tier, &u.EmailVerified, &u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.PasswordHash = []byte(hash)
	u.Tier = model.LoyaltyTier(tier)

	return &u, nil
}

// VerifyEmail отмечает почту подтверждённой и единожды начисляет бонус за
// подтверждение. Повторный вызов возвращает ErrAlreadyVerified и бонус не
// начисляет.
func (r *PostgresRepository) VerifyEmail(ctx context.Context, userID int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE users SET email_verified = TRUE, reward_points = reward_points + $2
		 WHERE id = $1 AND email_verified = FALSE`,
		userID, r.cfg.VerifyEmailBonus,
	)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}

	if cmdTag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return ErrUserNotFound
	}

	return ErrAlreadyVerified
}

// CreditForOrder начисляет пользователю баллы и увеличивает накопленную сумму
// покупок, пересчитывая уровень лояльности. Используется как самостоятельная
// операция; в составе создания заказа вызывается вариант в транзакции.
func (r *PostgresRepository) CreditForOrder(ctx context.Context, userID, pointsEarned, totalAmount int64) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := r.creditForOrderTx(ctx, tx, userID, pointsEarned, totalAmount); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// DebitForRedemption списывает баллы пользователя. Возвращает
// ErrInsufficientPoints, если баллов недостаточно; в этом случае баланс не
// изменяется.
func (r *PostgresRepository) DebitForRedemption(ctx context.Context, userID, pointsRedeemed int64) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := r.debitForRedemptionTx(ctx, tx, userID, pointsRedeemed); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// creditForOrderTx выполняет начисление в рамках переданной транзакции.
// Строка пользователя блокируется для сериализации конкурентных изменений
// баланса.
func (r *PostgresRepository) creditForOrderTx(ctx context.Context, tx pgx.Tx, userID, pointsEarned, totalAmount int64) error {
	var totalSpent int64
	err := tx.QueryRow(ctx,
		`SELECT total_spent FROM users WHERE id = $1 FOR UPDATE`,
		userID,
	).Scan(&totalSpent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("lock user: %w", err)
	}

	newSpent := totalSpent + totalAmount
	tier := r.cfg.TierFor(newSpent)

	_, err = tx.Exec(ctx,
		`UPDATE users SET reward_points = reward_points + $2, total_spent = $3, loyalty_tier = $4
		 WHERE id = $1`,
		userID, pointsEarned, newSpent, string(tier),
	)
	if err != nil {
		return fmt.Errorf("credit points: %w", err)
	}

	return nil
}

// debitForRedemptionTx выполняет списание в рамках переданной транзакции.
// Условное обновление гарантирует, что баланс не уйдёт в минус.
func (r *PostgresRepository) debitForRedemptionTx(ctx context.Context, tx pgx.Tx, userID, pointsRedeemed int64) error {
	if pointsRedeemed <= 0 {
		return nil
	}

	cmdTag, err := tx.Exec(ctx,
		`UPDATE users SET reward_points = reward_points - $2
		 WHERE id = $1 AND reward_points >= $2`,
		userID, pointsRedeemed,
	)
	if err != nil {
		return fmt.Errorf("debit points: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
			return fmt.Errorf("check user: %w", err)
		}
		if !exists {
			return ErrUserNotFound
		}
		return ErrInsufficientPoints
	}

	return nil
}
