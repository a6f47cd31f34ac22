// Package model содержит доменные сущности сервиса интернет-магазина.
package model

import "time"

// OccasionTag описывает повод, к которому подходит товар.
type OccasionTag string

const (
	OccasionWedding  OccasionTag = "wedding"
	OccasionParty    OccasionTag = "party"
	OccasionCasual   OccasionTag = "casual"
	OccasionWork     OccasionTag = "work"
	OccasionCocktail OccasionTag = "cocktail"
	OccasionFormal   OccasionTag = "formal"
)

// SizeStock описывает остаток товара по конкретному размеру.
type SizeStock struct {
	Size  string `json:"size"`
	Stock int64  `json:"stock"`
}

// ColorVariant описывает цветовой вариант товара.
type ColorVariant struct {
	Name   string   `json:"name"`
	Hex    string   `json:"hex"`
	Images []string `json:"images"`
}

// Product представляет карточку товара каталога. Все цены хранятся в целых
// единицах валюты.
type Product struct {
	ID           int64
	SKU          string
	Name         string
	Description  string
	BasePrice    int64
	SalePrice    *int64
	CategoryID   int64
	OccasionTags []string
	Sizes        []SizeStock
	Colors       []ColorVariant
	IsFeatured   bool
	IsBestSeller bool
	Views        int64
	RatingAvg    float64
	RatingCount  int64
	IsActive     bool
	CreatedAt    time.Time
}

// EffectivePrice возвращает цену со скидкой, если она задана, иначе базовую цену.
func (p *Product) EffectivePrice() int64 {
	if p.SalePrice != nil {
		return *p.SalePrice
	}
	return p.BasePrice
}

// CartItem описывает позицию корзины со снимком цен на момент добавления.
type CartItem struct {
	ProductID     int64  `json:"product_id"`
	Size          string `json:"size"`
	Color         string `json:"color"`
	Quantity      int64  `json:"quantity"`
	UnitPrice     int64  `json:"unit_price"`
	UnitSalePrice *int64 `json:"unit_sale_price,omitempty"`
}

// EffectiveUnitPrice возвращает действующую цену позиции: цену со скидкой,
// если она задана, иначе базовую.
func (i *CartItem) EffectiveUnitPrice() int64 {
	if i.UnitSalePrice != nil {
		return *i.UnitSalePrice
	}
	return i.UnitPrice
}

// OrderStatus описывает статус обработки заказа.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusReturned   OrderStatus = "returned"
)

// orderTransitions задаёт допустимые переходы статуса заказа. Отмена и возврат
// возможны до отгрузки; после доставки заказ терминален.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusCancelled, OrderStatusReturned},
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusCancelled, OrderStatusReturned},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled, OrderStatusReturned},
	OrderStatusShipped:    {OrderStatusDelivered},
}

// CanTransition сообщает, допустим ли переход статуса заказа from -> to.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PaymentMethod описывает выбранный способ оплаты заказа.
type PaymentMethod string

const (
	PaymentMethodCard       PaymentMethod = "card"
	PaymentMethodUPI        PaymentMethod = "upi"
	PaymentMethodNetbanking PaymentMethod = "netbanking"
	PaymentMethodCOD        PaymentMethod = "cod"
)

// Valid сообщает, является ли способ оплаты одним из поддерживаемых.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCard, PaymentMethodUPI, PaymentMethodNetbanking, PaymentMethodCOD:
		return true
	}
	return false
}

// RequiresCapture сообщает, требует ли способ оплаты создания платёжной сессии
// во внешнем шлюзе. Оплата при получении собирается при выдаче заказа.
func (m PaymentMethod) RequiresCapture() bool {
	return m != PaymentMethodCOD
}

// PaymentStatus описывает состояние оплаты заказа.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// PaymentOutcome описывает итог платежа, доставленный внешним шлюзом.
type PaymentOutcome string

const (
	PaymentOutcomePaid   PaymentOutcome = "paid"
	PaymentOutcomeFailed PaymentOutcome = "failed"
)

// Address содержит почтовый адрес доставки или выставления счёта.
type Address struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	Country string `json:"country"`
	ZipCode string `json:"zip_code"`
}

// OrderItem описывает позицию заказа с зафиксированной на момент оформления ценой.
type OrderItem struct {
	ProductID     int64
	Size          string
	Color         string
	Quantity      int64
	UnitPrice     int64
	UnitSalePrice *int64
}

// StatusChange описывает одну запись истории статусов заказа.
type StatusChange struct {
	Status OrderStatus
	At     time.Time
	Note   string
}

// Order представляет неизменяемую после создания финансовую запись заказа.
// Итоговая сумма всегда пересчитывается на сервере и никогда не берётся из
// входных данных клиента.
type Order struct {
	ID              int64
	Number          string
	UserID          int64
	Items           []OrderItem
	Status          OrderStatus
	Subtotal        int64
	DiscountAmount  int64
	TaxAmount       int64
	ShippingAmount  int64
	TotalAmount     int64
	PointsEarned    int64
	PointsRedeemed  int64
	CouponCode      string
	ShippingAddress Address
	BillingAddress  Address
	PaymentMethod   PaymentMethod
	PaymentStatus   PaymentStatus
	PaymentIntentID string
	StatusHistory   []StatusChange
	CreatedAt       time.Time
}

// LoyaltyTier описывает уровень лояльности пользователя.
type LoyaltyTier string

const (
	TierBronze   LoyaltyTier = "bronze"
	TierSilver   LoyaltyTier = "silver"
	TierGold     LoyaltyTier = "gold"
	TierPlatinum LoyaltyTier = "platinum"
)

// User представляет зарегистрированного пользователя магазина. Баланс баллов
// и накопленная сумма покупок изменяются только операциями программы
// лояльности.
type User struct {
	ID            int64
	Email         string
	PasswordHash  []byte
	FirstName     string
	LastName      string
	RewardPoints  int64
	TotalSpent    int64
	Tier          LoyaltyTier
	EmailVerified bool
	CreatedAt     time.Time
}

// StoryMediaType описывает тип медиа промо-истории.
type StoryMediaType string

const (
	StoryMediaImage StoryMediaType = "image"
	StoryMediaVideo StoryMediaType = "video"
)

// Story представляет временный промо-баннер на главной странице.
type Story struct {
	ID         int64
	Title      string
	MediaURL   string
	MediaType  StoryMediaType
	LinkURL    string
	Position   int64
	ViewsCount int64
	IsActive   bool
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Coupon описывает промокод с фиксированной суммой скидки.
type Coupon struct {
	Code        string
	Discount    int64
	MinSubtotal int64
	ValidFrom   time.Time
	ValidTo     time.Time
	IsActive    bool
}
