package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/luxeja/storefront-system/internal/catalog"
	"github.com/luxeja/storefront-system/internal/middleware"
	"github.com/luxeja/storefront-system/internal/model"
	"github.com/luxeja/storefront-system/internal/pricing"
	"github.com/luxeja/storefront-system/internal/repository"
	"github.com/luxeja/storefront-system/internal/service"
)

type stubService struct {
	catalogResp *catalog.Page
	catalogErr  error

	productResp *model.Product
	productErr  error

	featuredResp []model.Product
	featuredErr  error

	registerResp *model.User
	registerErr  error

	authResp *model.User
	authErr  error

	verifyErr error

	loyaltyResp *model.User
	loyaltyErr  error

	totalsResp *pricing.Totals
	totalsErr  error

	checkoutResp *model.Order
	checkoutErr  error
	checkoutKey  string

	orderResp *model.Order
	orderErr  error

	ordersResp []model.Order
	ordersErr  error

	outcomeResp *model.Order
	outcomeErr  error

	storiesResp []model.Story
	storiesErr  error

	viewStoryErr error
}

func (s *stubService) QueryCatalog(ctx context.Context, f catalog.Filter) (*catalog.Page, error) {
	return s.catalogResp, s.catalogErr
}

func (s *stubService) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	return s.productResp, s.productErr
}

func (s *stubService) FeaturedProducts(ctx context.Context) ([]model.Product, error) {
	return s.featuredResp, s.featuredErr
}

func (s *stubService) BestSellers(ctx context.Context) ([]model.Product, error) {
	return s.featuredResp, s.featuredErr
}

func (s *stubService) Register(ctx context.Context, email, password, firstName, lastName string) (*model.User, error) {
	return s.registerResp, s.registerErr
}

func (s *stubService) Authenticate(ctx context.Context, email, password string) (*model.User, error) {
	return s.authResp, s.authErr
}

func (s *stubService) VerifyEmail(ctx context.Context, userID int64) error {
	return s.verifyErr
}

func (s *stubService) Loyalty(ctx context.Context, userID int64) (*model.User, error) {
	return s.loyaltyResp, s.loyaltyErr
}

func (s *stubService) ComputeTotals(ctx context.Context, userID int64, items []model.CartItem, redeemPoints int64, couponCode string) (*pricing.Totals, error) {
	return s.totalsResp, s.totalsErr
}

func (s *stubService) Checkout(ctx context.Context, userID int64, req service.CheckoutRequest) (*model.Order, error) {
	s.checkoutKey = req.IdempotencyKey
	if req.IdempotencyKey == "" {
		return nil, service.ErrMissingIdempotencyKey
	}
	return s.checkoutResp, s.checkoutErr
}

func (s *stubService) GetOrder(ctx context.Context, userID int64, number string) (*model.Order, error) {
	return s.orderResp, s.orderErr
}

func (s *stubService) ListOrders(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.ordersResp, s.ordersErr
}

func (s *stubService) ApplyPaymentOutcome(ctx context.Context, number string, outcome model.PaymentOutcome) (*model.Order, error) {
	return s.outcomeResp, s.outcomeErr
}

func (s *stubService) ActiveStories(ctx context.Context) ([]model.Story, error) {
	return s.storiesResp, s.storiesErr
}

func (s *stubService) ViewStory(ctx context.Context, id int64) error {
	return s.viewStoryErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{
		registerResp: &model.User{ID: 42, Email: "user@example.com", RewardPoints: 500, Tier: model.TierBronze},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Email:    "user@example.com",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp authResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" {
		t.Fatalf("token not issued")
	}
	if resp.User.RewardPoints != 500 {
		t.Fatalf("reward points = %d, want 500", resp.User.RewardPoints)
	}
}

func TestRegister_Conflict(t *testing.T) {
	svc := &stubService{registerErr: repository.ErrUserExists}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{Email: "user@example.com", Password: "pass"})

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc := &stubService{authErr: service.ErrInvalidCredentials}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{Email: "user@example.com", Password: "wrong"})

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestCheckout_ViaRouter(t *testing.T) {
	svc := &stubService{
		checkoutResp: &model.Order{Number: "ORD100", Status: model.OrderStatusPending, TotalAmount: 6198},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	token, err := h.authMiddleware.IssueToken(7)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	body, _ := json.Marshal(checkoutRequest{
		Items:         []model.CartItem{{ProductID: 1, Size: "M", Quantity: 1, UnitPrice: 4999}},
		PaymentMethod: "cod",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", "key-1")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	if svc.checkoutKey != "key-1" {
		t.Fatalf("idempotency key = %q, want key-1", svc.checkoutKey)
	}
}

func TestCheckout_PaymentInitiationFailureSurfaced(t *testing.T) {
	svc := &stubService{
		checkoutResp: &model.Order{
			Number:        "ORD200",
			Status:        model.OrderStatusPending,
			PaymentStatus: model.PaymentStatusPending,
			PaymentMethod: model.PaymentMethodCard,
			TotalAmount:   6198,
		},
		checkoutErr: fmt.Errorf("%w: gateway down", service.ErrPaymentInitiation),
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	token, err := h.authMiddleware.IssueToken(7)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	body, _ := json.Marshal(checkoutRequest{
		Items:         []model.CartItem{{ProductID: 1, Size: "M", Quantity: 1, UnitPrice: 4999}},
		PaymentMethod: "card",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", "key-4")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}

	var resp checkoutResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.PaymentInitiationFailed {
		t.Fatalf("payment_initiation_failed not set in response: %s", rec.Body.String())
	}
	if resp.PaymentIntentID != "" {
		t.Fatalf("intent id = %q, want empty for failed initiation", resp.PaymentIntentID)
	}
	if resp.Number != "ORD200" {
		t.Fatalf("order number = %q, want ORD200", resp.Number)
	}
}

func TestCheckout_SuccessfulInitiationCarriesIntent(t *testing.T) {
	svc := &stubService{
		checkoutResp: &model.Order{
			Number:          "ORD201",
			Status:          model.OrderStatusPending,
			PaymentStatus:   model.PaymentStatusPending,
			PaymentMethod:   model.PaymentMethodCard,
			PaymentIntentID: "pi_42",
		},
	}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	token, err := h.authMiddleware.IssueToken(7)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	body, _ := json.Marshal(checkoutRequest{
		Items:         []model.CartItem{{ProductID: 1, Size: "M", Quantity: 1, UnitPrice: 4999}},
		PaymentMethod: "card",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", "key-5")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}

	var resp checkoutResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.PaymentInitiationFailed {
		t.Fatalf("payment_initiation_failed set on successful initiation")
	}
	if resp.PaymentIntentID != "pi_42" {
		t.Fatalf("intent id = %q, want pi_42", resp.PaymentIntentID)
	}
}

func TestCheckout_MissingIdempotencyKey(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	token, err := h.authMiddleware.IssueToken(7)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	body, _ := json.Marshal(checkoutRequest{
		Items:         []model.CartItem{{ProductID: 1, Size: "M", Quantity: 1, UnitPrice: 4999}},
		PaymentMethod: "cod",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestCheckout_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestCheckout_OutOfStock(t *testing.T) {
	svc := &stubService{checkoutErr: repository.ErrOutOfStock}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	token, err := h.authMiddleware.IssueToken(7)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	body, _ := json.Marshal(checkoutRequest{
		Items:         []model.CartItem{{ProductID: 1, Size: "M", Quantity: 5, UnitPrice: 4999}},
		PaymentMethod: "cod",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", "key-2")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestListOrders_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	token, err := h.authMiddleware.IssueToken(7)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestGetProduct_NotFound(t *testing.T) {
	svc := &stubService{productErr: repository.ErrProductNotFound}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/products/99", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestPaymentCallback_UnknownStatus(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(paymentCallbackRequest{OrderNumber: "ORD1", Status: "refunded-twice"})

	req := httptest.NewRequest(http.MethodPost, "/api/payments/callback", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.PaymentCallback(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestPaymentCallback_AlreadySettled(t *testing.T) {
	svc := &stubService{outcomeErr: repository.ErrPaymentSettled}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(paymentCallbackRequest{OrderNumber: "ORD1", Status: "paid"})

	req := httptest.NewRequest(http.MethodPost, "/api/payments/callback", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.PaymentCallback(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestComputeTotals_RedemptionExceedsBalance(t *testing.T) {
	svc := &stubService{totalsErr: pricing.ErrRedemptionExceedsBalance}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	token, err := h.authMiddleware.IssueToken(7)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	body, _ := json.Marshal(totalsRequest{
		Items:        []model.CartItem{{ProductID: 1, Size: "M", Quantity: 1, UnitPrice: 4999}},
		RedeemPoints: 100000,
	})

	req := httptest.NewRequest(http.MethodPost, "/api/orders/totals", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusPaymentRequired)
	}
}
