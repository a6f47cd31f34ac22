// Package service реализует бизнес-логику сервиса интернет-магазина.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/luxeja/storefront-system/internal/cache"
	"github.com/luxeja/storefront-system/internal/catalog"
	"github.com/luxeja/storefront-system/internal/model"
	"github.com/luxeja/storefront-system/internal/payment"
	"github.com/luxeja/storefront-system/internal/pricing"
	"github.com/luxeja/storefront-system/internal/repository"
)

// ErrInvalidCredentials возвращается при неверной паре email/пароль.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrMissingIdempotencyKey возвращается, если оформление заказа запрошено
	// без ключа идемпотентности.
	ErrMissingIdempotencyKey = errors.New("idempotency key required")
	// ErrInvalidPaymentMethod возвращается для неизвестного способа оплаты.
	ErrInvalidPaymentMethod = errors.New("invalid payment method")
	// ErrPaymentInitiation возвращается, если платёжный шлюз не создал сессию.
	// Заказ при этом уже создан и остаётся неоплаченным.
	ErrPaymentInitiation = errors.New("payment initiation failed")
)

const bcryptCost = 12

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	ListProducts(ctx context.Context, f catalog.Filter) (*catalog.Page, error)
	GetProduct(ctx context.Context, id int64) (*model.Product, error)
	IncrementProductViews(ctx context.Context, id int64) error
	FeaturedProducts(ctx context.Context, limit int) ([]model.Product, error)
	BestSellers(ctx context.Context, limit int) ([]model.Product, error)

	CreateUser(ctx context.Context, email string, passwordHash []byte, firstName, lastName string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	VerifyEmail(ctx context.Context, userID int64) error

	CreditForOrder(ctx context.Context, userID, pointsEarned, totalAmount int64) error
	DebitForRedemption(ctx context.Context, userID, pointsRedeemed int64) error

	CreateOrder(ctx context.Context, o *model.Order, idempotencyKey string) (*model.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*model.Order, error)
	ListOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	SetPaymentIntent(ctx context.Context, number, intentID string) error
	OrdersAwaitingPayment(ctx context.Context, limit int) ([]repository.AwaitingPayment, error)
	ApplyPaymentOutcome(ctx context.Context, number string, outcome model.PaymentOutcome) (*model.Order, error)

	ActiveStories(ctx context.Context) ([]model.Story, error)
	IncrementStoryViews(ctx context.Context, id int64) error

	GetCoupon(ctx context.Context, code string) (*model.Coupon, error)
}

// Gateway описывает контракт платёжного шлюза.
type Gateway interface {
	CreateIntent(ctx context.Context, orderNumber string, amount int64) (*payment.Intent, error)
	GetIntent(ctx context.Context, intentID string) (*payment.Intent, int, time.Duration, error)
}

// Notifier отправляет уведомления пользователю. Отправка не блокирует
// обработку запроса, её результат не влияет на исход операции.
type Notifier interface {
	OrderConfirmed(ctx context.Context, email string, order *model.Order)
}

// Service содержит бизнес-логику сервиса интернет-магазина.
type Service struct {
	repo     Repository
	calc     *pricing.Calculator
	gateway  Gateway
	notifier Notifier
	featured *cache.FeaturedCache
}

// NewService создаёт новый сервис. Шлюз, кэш и нотификатор опциональны.
func NewService(repo Repository, calc *pricing.Calculator, gateway Gateway, notifier Notifier, featured *cache.FeaturedCache) *Service {
	return &Service{
		repo:     repo,
		calc:     calc,
		gateway:  gateway,
		notifier: notifier,
		featured: featured,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.featured != nil {
		_ = s.featured.Close()
	}
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// QueryCatalog возвращает страницу каталога под указанным фильтром.
func (s *Service) QueryCatalog(ctx context.Context, f catalog.Filter) (*catalog.Page, error) {
	return s.repo.ListProducts(ctx, f)
}

// GetProduct возвращает товар и увеличивает счётчик его просмотров.
func (s *Service) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	p, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.repo.IncrementProductViews(ctx, id); err == nil {
		p.Views++
	}

	return p, nil
}

// FeaturedProducts возвращает рекомендуемую подборку через кэш.
func (s *Service) FeaturedProducts(ctx context.Context) ([]model.Product, error) {
	return s.featured.Featured(ctx, func(ctx context.Context) ([]model.Product, error) {
		return s.repo.FeaturedProducts(ctx, 8)
	})
}

// BestSellers возвращает бестселлеры магазина.
func (s *Service) BestSellers(ctx context.Context) ([]model.Product, error) {
	return s.repo.BestSellers(ctx, 12)
}

// Register регистрирует нового пользователя с приветственным бонусом.
func (s *Service) Register(ctx context.Context, email, password, firstName, lastName string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	return s.repo.CreateUser(ctx, email, hash, firstName, lastName)
}

// Authenticate проверяет email и пароль пользователя.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*model.User, error) {
	u, err := s.repo.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

// VerifyEmail подтверждает почту пользователя. Бонус начисляется только при
// первом подтверждении; повторный вызов — безопасная пустая операция.
func (s *Service) VerifyEmail(ctx context.Context, userID int64) error {
	err := s.repo.VerifyEmail(ctx, userID)
	if errors.Is(err, repository.ErrAlreadyVerified) {
		return nil
	}
	return err
}

// Loyalty возвращает состояние программы лояльности пользователя.
func (s *Service) Loyalty(ctx context.Context, userID int64) (*model.User, error) {
	return s.repo.GetUserByID(ctx, userID)
}

// CreditForOrder начисляет баллы и накопленную сумму покупок пользователю.
func (s *Service) CreditForOrder(ctx context.Context, userID, pointsEarned, totalAmount int64) error {
	return s.repo.CreditForOrder(ctx, userID, pointsEarned, totalAmount)
}

// DebitForRedemption списывает баллы пользователя.
func (s *Service) DebitForRedemption(ctx context.Context, userID, pointsRedeemed int64) error {
	return s.repo.DebitForRedemption(ctx, userID, pointsRedeemed)
}

// ComputeTotals рассчитывает суммы заказа для корзины пользователя с учётом
// промокода и списания баллов. Хранилище не изменяется.
func (s *Service) ComputeTotals(ctx context.Context, userID int64, items []model.CartItem, redeemPoints int64, couponCode string) (*pricing.Totals, error) {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	couponDiscount, err := s.resolveCoupon(ctx, items, couponCode)
	if err != nil {
		return nil, err
	}

	return s.calc.ComputeTotals(items, u.RewardPoints, redeemPoints, couponDiscount)
}

// resolveCoupon превращает промокод в сумму скидки. Пустой код означает
// отсутствие скидки; недействительный код или недостаточная сумма корзины —
// ошибка.
func (s *Service) resolveCoupon(ctx context.Context, items []model.CartItem, code string) (int64, error) {
	if code == "" {
		return 0, nil
	}

	c, err := s.repo.GetCoupon(ctx, code)
	if err != nil {
		return 0, err
	}

	subtotal, err := pricing.Subtotal(items)
	if err != nil {
		return 0, err
	}
	if subtotal < c.MinSubtotal {
		return 0, fmt.Errorf("%w: subtotal below %d", repository.ErrInvalidCoupon, c.MinSubtotal)
	}

	return c.Discount, nil
}

// CheckoutRequest описывает данные оформления заказа.
type CheckoutRequest struct {
	Items           []model.CartItem
	RedeemPoints    int64
	CouponCode      string
	ShippingAddress model.Address
	BillingAddress  model.Address
	PaymentMethod   model.PaymentMethod
	IdempotencyKey  string
}

// Checkout оформляет заказ: пересчитывает суммы на сервере, атомарно создаёт
// заказ с обновлением остатков и баллов и для безналичных способов оплаты
// инициирует платёжную сессию. Повтор с тем же ключом идемпотентности
// возвращает ранее созданный заказ.
func (s *Service) Checkout(ctx context.Context, userID int64, req CheckoutRequest) (*model.Order, error) {
	if req.IdempotencyKey == "" {
		return nil, ErrMissingIdempotencyKey
	}
	if !req.PaymentMethod.Valid() {
		return nil, ErrInvalidPaymentMethod
	}

	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	couponDiscount, err := s.resolveCoupon(ctx, req.Items, req.CouponCode)
	if err != nil {
		return nil, err
	}

	totals, err := s.calc.ComputeTotals(req.Items, u.RewardPoints, req.RedeemPoints, couponDiscount)
	if err != nil {
		return nil, err
	}

	items := make([]model.OrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, model.OrderItem{
			ProductID:     it.ProductID,
			Size:          it.Size,
			Color:         it.Color,
			Quantity:      it.Quantity,
			UnitPrice:     it.UnitPrice,
			UnitSalePrice: it.UnitSalePrice,
		})
	}

	order := &model.Order{
		UserID:          userID,
		Items:           items,
		Subtotal:        totals.Subtotal,
		DiscountAmount:  totals.DiscountAmount,
		TaxAmount:       totals.TaxAmount,
		ShippingAmount:  totals.ShippingAmount,
		TotalAmount:     totals.TotalAmount,
		PointsEarned:    totals.PointsEarned,
		PointsRedeemed:  totals.PointsRedeemed,
		CouponCode:      req.CouponCode,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		PaymentMethod:   req.PaymentMethod,
	}

	created, err := s.repo.CreateOrder(ctx, order, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	if req.PaymentMethod.RequiresCapture() && created.PaymentIntentID == "" && s.gateway != nil {
		intent, err := s.gateway.CreateIntent(ctx, created.Number, created.TotalAmount)
		if err != nil {
			return created, fmt.Errorf("%w: %s", ErrPaymentInitiation, err)
		}
		if err := s.repo.SetPaymentIntent(ctx, created.Number, intent.ID); err != nil {
			return created, fmt.Errorf("%w: %s", ErrPaymentInitiation, err)
		}
		created.PaymentIntentID = intent.ID
	}

	if s.notifier != nil {
		go s.notifier.OrderConfirmed(context.WithoutCancel(ctx), u.Email, created)
	}

	return created, nil
}

// GetOrder возвращает заказ пользователя по номеру.
func (s *Service) GetOrder(ctx context.Context, userID int64, number string) (*model.Order, error) {
	o, err := s.repo.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, repository.ErrOrderNotFound
	}
	return o, nil
}

// ListOrders возвращает заказы пользователя от новых к старым.
func (s *Service) ListOrders(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.ListOrdersByUser(ctx, userID)
}

// ApplyPaymentOutcome применяет итог платежа к заказу.
func (s *Service) ApplyPaymentOutcome(ctx context.Context, number string, outcome model.PaymentOutcome) (*model.Order, error) {
	return s.repo.ApplyPaymentOutcome(ctx, number, outcome)
}

// ActiveStories возвращает активные промо-истории.
func (s *Service) ActiveStories(ctx context.Context) ([]model.Story, error) {
	return s.repo.ActiveStories(ctx)
}

// ViewStory увеличивает счётчик просмотров истории.
func (s *Service) ViewStory(ctx context.Context, id int64) error {
	return s.repo.IncrementStoryViews(ctx, id)
}

// StartPaymentUpdates запускает фоновый процесс опроса платёжного шлюза для
// заказов с незавершённой оплатой.
func (s *Service) StartPaymentUpdates(ctx context.Context) {
	if s.gateway == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processPaymentBatch(ctx)
			}
		}
	}()
}

func (s *Service) processPaymentBatch(ctx context.Context) {
	awaiting, err := s.repo.OrdersAwaitingPayment(ctx, 100)
	if err != nil {
		return
	}

	for _, a := range awaiting {
		intent, statusCode, retryAfter, err := s.gateway.GetIntent(ctx, a.IntentID)
		if err != nil {
			continue
		}

		if statusCode == 429 {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		if intent == nil {
			continue
		}

		switch intent.Status {
		case payment.IntentStatusPaid:
			_, _ = s.repo.ApplyPaymentOutcome(ctx, a.Number, model.PaymentOutcomePaid)
		case payment.IntentStatusFailed:
			_, _ = s.repo.ApplyPaymentOutcome(ctx, a.Number, model.PaymentOutcomeFailed)
		}
	}
}
