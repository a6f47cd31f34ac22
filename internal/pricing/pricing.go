// Package pricing реализует расчёт итоговых сумм заказа и правила программы
// лояльности. Расчёт детерминирован и не имеет побочных эффектов.
package pricing

import (
	"errors"

	"github.com/luxeja/storefront-system/internal/model"
)

// ErrInvalidCart возвращается для пустой корзины или позиции с некорректным
// количеством либо ценой.
var (
	ErrInvalidCart = errors.New("invalid cart")
	// ErrRedemptionExceedsBalance возвращается, если запрошенное списание баллов
	// превышает доступный баланс пользователя.
	ErrRedemptionExceedsBalance = errors.New("redemption exceeds balance")
)

// Config содержит параметры расчёта сумм и программы лояльности. Значения
// неизменяемы после создания и передаются явно, что позволяет тестировать
// альтернативные тарифные сетки.
type Config struct {
	// FreeShippingThreshold — сумма корзины, строго выше которой доставка бесплатна.
	FreeShippingThreshold int64
	// ShippingFee — фиксированная стоимость доставки ниже порога.
	ShippingFee int64
	// TaxRateBP — ставка налога в базисных пунктах (1800 = 18%).
	TaxRateBP int64
	// TaxAfterDiscount определяет базу налога: false — налог считается от суммы
	// корзины до скидок, true — от суммы за вычетом скидки по промокоду.
	TaxAfterDiscount bool
	// EarnRateAmount и EarnRatePoints задают начисление баллов: за каждые полные
	// EarnRateAmount единиц итоговой суммы начисляется EarnRatePoints баллов.
	EarnRateAmount int64
	EarnRatePoints int64
	// RedeemUnitValue — стоимость одного балла в единицах валюты при списании.
	RedeemUnitValue int64
	// WelcomeBonus начисляется один раз при регистрации.
	WelcomeBonus int64
	// VerifyEmailBonus начисляется один раз при подтверждении почты.
	VerifyEmailBonus int64
	// Пороги накопленной суммы покупок для уровней лояльности.
	SilverThreshold   int64
	GoldThreshold     int64
	PlatinumThreshold int64
}

// DefaultConfig возвращает эталонные параметры магазина.
func DefaultConfig() Config {
	return Config{
		FreeShippingThreshold: 5000,
		ShippingFee:           299,
		TaxRateBP:             1800,
		TaxAfterDiscount:      false,
		EarnRateAmount:        100,
		EarnRatePoints:        10,
		RedeemUnitValue:       1,
		WelcomeBonus:          500,
		VerifyEmailBonus:      200,
		SilverThreshold:       20000,
		GoldThreshold:         50000,
		PlatinumThreshold:     100000,
	}
}

// TierFor возвращает уровень лояльности как чистую функцию накопленной суммы
// покупок.
func (c Config) TierFor(totalSpent int64) model.LoyaltyTier {
	switch {
	case totalSpent >= c.PlatinumThreshold:
		return model.TierPlatinum
	case totalSpent >= c.GoldThreshold:
		return model.TierGold
	case totalSpent >= c.SilverThreshold:
		return model.TierSilver
	default:
		return model.TierBronze
	}
}

// Totals содержит результат расчёта сумм заказа. PointsRedeemed — фактически
// применённое списание баллов после ограничения суммой к оплате.
type Totals struct {
	Subtotal       int64 `json:"subtotal"`
	DiscountAmount int64 `json:"discount_amount"`
	TaxAmount      int64 `json:"tax_amount"`
	ShippingAmount int64 `json:"shipping_amount"`
	TotalAmount    int64 `json:"total_amount"`
	PointsEarned   int64 `json:"points_earned"`
	PointsRedeemed int64 `json:"points_redeemed"`
}

// Calculator вычисляет суммы заказа по заданной конфигурации.
type Calculator struct {
	cfg Config
}

// NewCalculator создаёт калькулятор с указанной конфигурацией.
func NewCalculator(cfg Config) *Calculator {
	return &Calculator{cfg: cfg}
}

// Config возвращает конфигурацию калькулятора.
func (c *Calculator) Config() Config {
	return c.cfg
}

// Subtotal возвращает сумму корзины по действующим ценам позиций. Корзина
// предварительно валидируется.
func Subtotal(items []model.CartItem) (int64, error) {
	if err := ValidateCart(items); err != nil {
		return 0, err
	}

	var sum int64
	for i := range items {
		sum += items[i].EffectiveUnitPrice() * items[i].Quantity
	}
	return sum, nil
}

// ValidateCart проверяет корзину: она не пуста, количество каждой позиции
// положительно, цены заданы корректно и цена со скидкой не превышает базовую.
func ValidateCart(items []model.CartItem) error {
	if len(items) == 0 {
		return ErrInvalidCart
	}
	for i := range items {
		it := &items[i]
		if it.Quantity <= 0 {
			return ErrInvalidCart
		}
		if it.UnitPrice <= 0 {
			return ErrInvalidCart
		}
		if it.UnitSalePrice != nil && (*it.UnitSalePrice < 0 || *it.UnitSalePrice > it.UnitPrice) {
			return ErrInvalidCart
		}
	}
	return nil
}

// ComputeTotals вычисляет суммы заказа в фиксированном порядке: сумма корзины,
// доставка, налог, скидка (промокод плюс списание баллов), итог, начисляемые
// баллы. Списание больше баланса — ошибка; списание больше суммы к оплате
// ограничивается так, чтобы итог не стал отрицательным.
func (c *Calculator) ComputeTotals(items []model.CartItem, balance, redeemPoints, couponDiscount int64) (*Totals, error) {
	if redeemPoints < 0 || couponDiscount < 0 {
		return nil, ErrInvalidCart
	}

	subtotal, err := Subtotal(items)
	if err != nil {
		return nil, err
	}

	if redeemPoints > balance {
		return nil, ErrRedemptionExceedsBalance
	}

	var shipping int64
	if subtotal <= c.cfg.FreeShippingThreshold {
		shipping = c.cfg.ShippingFee
	}

	taxBase := subtotal
	if c.cfg.TaxAfterDiscount {
		taxBase = subtotal - couponDiscount
		if taxBase < 0 {
			taxBase = 0
		}
	}
	tax := roundHalfUpBP(taxBase, c.cfg.TaxRateBP)

	// Списание баллов не может увести итог ниже нуля: ограничиваем его суммой,
	// оставшейся к оплате после промокода.
	redeemValue := redeemPoints * c.cfg.RedeemUnitValue
	payable := subtotal - couponDiscount + tax + shipping
	if payable < 0 {
		payable = 0
	}
	if redeemValue > payable {
		redeemValue = payable
	}
	pointsRedeemed := redeemValue / c.cfg.RedeemUnitValue

	discount := couponDiscount + redeemValue

	total := subtotal - discount + tax + shipping
	if total < 0 {
		total = 0
	}

	earned := total / c.cfg.EarnRateAmount * c.cfg.EarnRatePoints

	return &Totals{
		Subtotal:       subtotal,
		DiscountAmount: discount,
		TaxAmount:      tax,
		ShippingAmount: shipping,
		TotalAmount:    total,
		PointsEarned:   earned,
		PointsRedeemed: pointsRedeemed,
	}, nil
}

// roundHalfUpBP умножает сумму на ставку в базисных пунктах с округлением
// половины вверх до целой единицы валюты.
func roundHalfUpBP(amount, rateBP int64) int64 {
	return (amount*rateBP + 5000) / 10000
}
