// Package handler содержит HTTP-обработчики API сервиса интернет-магазина.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/luxeja/storefront-system/internal/catalog"
	"github.com/luxeja/storefront-system/internal/middleware"
	"github.com/luxeja/storefront-system/internal/model"
	"github.com/luxeja/storefront-system/internal/pricing"
	"github.com/luxeja/storefront-system/internal/repository"
	"github.com/luxeja/storefront-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	QueryCatalog(ctx context.Context, f catalog.Filter) (*catalog.Page, error)
	GetProduct(ctx context.Context, id int64) (*model.Product, error)
	FeaturedProducts(ctx context.Context) ([]model.Product, error)
	BestSellers(ctx context.Context) ([]model.Product, error)

	Register(ctx context.Context, email, password, firstName, lastName string) (*model.User, error)
	Authenticate(ctx context.Context, email, password string) (*model.User, error)
	VerifyEmail(ctx context.Context, userID int64) error
	Loyalty(ctx context.Context, userID int64) (*model.User, error)

	ComputeTotals(ctx context.Context, userID int64, items []model.CartItem, redeemPoints int64, couponCode string) (*pricing.Totals, error)
	Checkout(ctx context.Context, userID int64, req service.CheckoutRequest) (*model.Order, error)
	GetOrder(ctx context.Context, userID int64, number string) (*model.Order, error)
	ListOrders(ctx context.Context, userID int64) ([]model.Order, error)
	ApplyPaymentOutcome(ctx context.Context, number string, outcome model.PaymentOutcome) (*model.Order, error)

	ActiveStories(ctx context.Context) ([]model.Story, error)
	ViewStory(ctx context.Context, id int64) error
}

// Handler реализует HTTP-обработчики API сервиса интернет-магазина.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

// writeError переводит ошибку бизнес-логики в HTTP-статус.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch {
	case errors.Is(err, pricing.ErrInvalidCart),
		errors.Is(err, repository.ErrInvalidCoupon),
		errors.Is(err, service.ErrMissingIdempotencyKey),
		errors.Is(err, service.ErrInvalidPaymentMethod):
		status = http.StatusBadRequest
	case errors.Is(err, pricing.ErrRedemptionExceedsBalance),
		errors.Is(err, repository.ErrInsufficientPoints):
		status = http.StatusPaymentRequired
	case errors.Is(err, repository.ErrUserNotFound),
		errors.Is(err, repository.ErrProductNotFound),
		errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrStoryNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repository.ErrUserExists),
		errors.Is(err, repository.ErrOutOfStock),
		errors.Is(err, repository.ErrPaymentSettled):
		status = http.StatusConflict
	case errors.Is(err, service.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrPaymentInitiation):
		status = http.StatusBadGateway
	default:
		h.logger.Error("request error",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		status = http.StatusInternalServerError
	}

	http.Error(w, http.StatusText(status), status)
}

type credentialsRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

type userResponse struct {
	ID            int64  `json:"id"`
	Email         string `json:"email"`
	FirstName     string `json:"first_name,omitempty"`
	LastName      string `json:"last_name,omitempty"`
	RewardPoints  int64  `json:"reward_points"`
	TotalSpent    int64  `json:"total_spent"`
	Tier          string `json:"tier"`
	EmailVerified bool   `json:"email_verified"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:            u.ID,
		Email:         u.Email,
		FirstName:     u.FirstName,
		LastName:      u.LastName,
		RewardPoints:  u.RewardPoints,
		TotalSpent:    u.TotalSpent,
		Tier:          string(u.Tier),
		EmailVerified: u.EmailVerified,
	}
}

type authResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.Register(r.Context(), req.Email, req.Password, req.FirstName, req.LastName)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	token, err := h.authMiddleware.IssueToken(user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, authResponse{Token: token, User: toUserResponse(user)})
}

// Login выполняет аутентификацию пользователя и выдачу токена.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	token, err := h.authMiddleware.IssueToken(user.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, authResponse{Token: token, User: toUserResponse(user)})
}

// VerifyEmail подтверждает почту текущего пользователя.
func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if err := h.service.VerifyEmail(r.Context(), userID); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetLoyalty возвращает состояние программы лояльности текущего пользователя.
func (h *Handler) GetLoyalty(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	user, err := h.service.Loyalty(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toUserResponse(user))
}

type productResponse struct {
	ID           int64                `json:"id"`
	SKU          string               `json:"sku"`
	Name         string               `json:"name"`
	Description  string               `json:"description,omitempty"`
	BasePrice    int64                `json:"base_price"`
	SalePrice    *int64               `json:"sale_price,omitempty"`
	CategoryID   int64                `json:"category_id"`
	OccasionTags []string             `json:"occasion_tags,omitempty"`
	Sizes        []model.SizeStock    `json:"sizes,omitempty"`
	Colors       []model.ColorVariant `json:"colors,omitempty"`
	IsFeatured   bool                 `json:"is_featured"`
	IsBestSeller bool                 `json:"is_best_seller"`
	Views        int64                `json:"views"`
	RatingAvg    float64              `json:"rating_avg"`
	RatingCount  int64                `json:"rating_count"`
}

func toProductResponse(p *model.Product) productResponse {
	return productResponse{
		ID:           p.ID,
		SKU:          p.SKU,
		Name:         p.Name,
		Description:  p.Description,
		BasePrice:    p.BasePrice,
		SalePrice:    p.SalePrice,
		CategoryID:   p.CategoryID,
		OccasionTags: p.OccasionTags,
		Sizes:        p.Sizes,
		Colors:       p.Colors,
		IsFeatured:   p.IsFeatured,
		IsBestSeller: p.IsBestSeller,
		Views:        p.Views,
		RatingAvg:    p.RatingAvg,
		RatingCount:  p.RatingCount,
	}
}

func toProductResponses(products []model.Product) []productResponse {
	resp := make([]productResponse, 0, len(products))
	for i := range products {
		resp = append(resp, toProductResponse(&products[i]))
	}
	return resp
}

type catalogResponse struct {
	Products   []productResponse `json:"products"`
	Total      int64             `json:"total"`
	TotalPages int               `json:"total_pages"`
	Page       int               `json:"page"`
}

// ListProducts возвращает страницу каталога под фильтром из параметров запроса.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	page, err := h.service.QueryCatalog(r.Context(), catalog.ParseFilter(r.URL.Query()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, catalogResponse{
		Products:   toProductResponses(page.Items),
		Total:      page.Total,
		TotalPages: page.TotalPages,
		Page:       page.Page,
	})
}

// GetProduct возвращает карточку товара по идентификатору.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	p, err := h.service.GetProduct(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toProductResponse(p))
}

// FeaturedProducts возвращает рекомендуемую подборку товаров.
func (h *Handler) FeaturedProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.FeaturedProducts(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toProductResponses(products))
}

// BestSellers возвращает бестселлеры магазина.
func (h *Handler) BestSellers(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.BestSellers(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toProductResponses(products))
}

type totalsRequest struct {
	Items        []model.CartItem `json:"items"`
	RedeemPoints int64            `json:"redeem_points"`
	CouponCode   string           `json:"coupon_code"`
}

// ComputeTotals рассчитывает суммы заказа без изменения данных.
func (h *Handler) ComputeTotals(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req totalsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	totals, err := h.service.ComputeTotals(r.Context(), userID, req.Items, req.RedeemPoints, req.CouponCode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, totals)
}

type checkoutRequest struct {
	Items           []model.CartItem `json:"items"`
	RedeemPoints    int64            `json:"redeem_points"`
	CouponCode      string           `json:"coupon_code"`
	ShippingAddress model.Address    `json:"shipping_address"`
	BillingAddress  model.Address    `json:"billing_address"`
	PaymentMethod   string           `json:"payment_method"`
}

type orderItemResponse struct {
	ProductID     int64  `json:"product_id"`
	Size          string `json:"size"`
	Color         string `json:"color,omitempty"`
	Quantity      int64  `json:"quantity"`
	UnitPrice     int64  `json:"unit_price"`
	UnitSalePrice *int64 `json:"unit_sale_price,omitempty"`
}

type statusChangeResponse struct {
	Status string `json:"status"`
	At     string `json:"at"`
	Note   string `json:"note,omitempty"`
}

type orderResponse struct {
	Number          string                 `json:"number"`
	Status          string                 `json:"status"`
	Items           []orderItemResponse    `json:"items"`
	Subtotal        int64                  `json:"subtotal"`
	DiscountAmount  int64                  `json:"discount_amount"`
	TaxAmount       int64                  `json:"tax_amount"`
	ShippingAmount  int64                  `json:"shipping_amount"`
	TotalAmount     int64                  `json:"total_amount"`
	PointsEarned    int64                  `json:"points_earned"`
	PointsRedeemed  int64                  `json:"points_redeemed"`
	CouponCode      string                 `json:"coupon_code,omitempty"`
	ShippingAddress model.Address          `json:"shipping_address"`
	BillingAddress  model.Address          `json:"billing_address"`
	PaymentMethod   string                 `json:"payment_method"`
	PaymentStatus   string                 `json:"payment_status"`
	PaymentIntentID string                 `json:"payment_intent_id,omitempty"`
	StatusHistory   []statusChangeResponse `json:"status_history,omitempty"`
	CreatedAt       string                 `json:"created_at"`
}

func toOrderResponse(o *model.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemResponse{
			ProductID:     it.ProductID,
			Size:          it.Size,
			Color:         it.Color,
			Quantity:      it.Quantity,
			UnitPrice:     it.UnitPrice,
			UnitSalePrice: it.UnitSalePrice,
		})
	}

	history := make([]statusChangeResponse, 0, len(o.StatusHistory))
	for _, sc := range o.StatusHistory {
		history = append(history, statusChangeResponse{
			Status: string(sc.Status),
			At:     sc.At.Format(time.RFC3339),
			Note:   sc.Note,
		})
	}

	return orderResponse{
		Number:          o.Number,
		Status:          string(o.Status),
		Items:           items,
		Subtotal:        o.Subtotal,
		DiscountAmount:  o.DiscountAmount,
		TaxAmount:       o.TaxAmount,
		ShippingAmount:  o.ShippingAmount,
		TotalAmount:     o.TotalAmount,
		PointsEarned:    o.PointsEarned,
		PointsRedeemed:  o.PointsRedeemed,
		CouponCode:      o.CouponCode,
		ShippingAddress: o.ShippingAddress,
		BillingAddress:  o.BillingAddress,
		PaymentMethod:   string(o.PaymentMethod),
		PaymentStatus:   string(o.PaymentStatus),
		PaymentIntentID: o.PaymentIntentID,
		StatusHistory:   history,
		CreatedAt:       o.CreatedAt.Format(time.RFC3339),
	}
}

type checkoutResponse struct {
	orderResponse
	// PaymentInitiationFailed сообщает клиенту, что заказ создан, но платёжная
	// сессия не открыта и оплату нужно инициировать повторно.
	PaymentInitiationFailed bool `json:"payment_initiation_failed,omitempty"`
}

// Checkout оформляет заказ текущего пользователя. Заголовок Idempotency-Key
// обязателен: повтор с тем же ключом возвращает ранее созданный заказ.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.Checkout(r.Context(), userID, service.CheckoutRequest{
		Items:           req.Items,
		RedeemPoints:    req.RedeemPoints,
		CouponCode:      req.CouponCode,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		PaymentMethod:   model.PaymentMethod(req.PaymentMethod),
		IdempotencyKey:  r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		// Заказ создан, но платёжная сессия не инициирована: клиент получает
		// заказ с явным признаком неудачи и может повторить оплату позже.
		if order != nil && errors.Is(err, service.ErrPaymentInitiation) {
			h.logger.Warn("payment initiation failed",
				zap.Error(err),
				zap.String("order", order.Number),
			)
			h.writeJSON(w, http.StatusCreated, checkoutResponse{
				orderResponse:           toOrderResponse(order),
				PaymentInitiationFailed: true,
			})
			return
		}
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, checkoutResponse{orderResponse: toOrderResponse(order)})
}

// GetOrder возвращает заказ текущего пользователя по номеру.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	order, err := h.service.GetOrder(r.Context(), userID, chi.URLParam(r, "number"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// ListOrders возвращает заказы текущего пользователя от новых к старым.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.ListOrders(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type paymentCallbackRequest struct {
	OrderNumber string `json:"order_number"`
	Status      string `json:"status"`
}

// PaymentCallback принимает уведомление платёжного шлюза об итоге платежа.
func (h *Handler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	var req paymentCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	outcome := model.PaymentOutcome(req.Status)
	if outcome != model.PaymentOutcomePaid && outcome != model.PaymentOutcomeFailed {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if _, err := h.service.ApplyPaymentOutcome(r.Context(), req.OrderNumber, outcome); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type storyResponse struct {
	ID         int64  `json:"id"`
	Title      string `json:"title"`
	MediaURL   string `json:"media_url"`
	MediaType  string `json:"media_type"`
	LinkURL    string `json:"link_url,omitempty"`
	Position   int64  `json:"position"`
	ViewsCount int64  `json:"views_count"`
	ExpiresAt  string `json:"expires_at"`
}

// GetStories возвращает активные промо-истории.
func (h *Handler) GetStories(w http.ResponseWriter, r *http.Request) {
	stories, err := h.service.ActiveStories(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]storyResponse, 0, len(stories))
	for _, s := range stories {
		resp = append(resp, storyResponse{
			ID:         s.ID,
			Title:      s.Title,
			MediaURL:   s.MediaURL,
			MediaType:  string(s.MediaType),
			LinkURL:    s.LinkURL,
			Position:   s.Position,
			ViewsCount: s.ViewsCount,
			ExpiresAt:  s.ExpiresAt.Format(time.RFC3339),
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ViewStory увеличивает счётчик просмотров промо-истории.
func (h *Handler) ViewStory(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	if err := h.service.ViewStory(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}
