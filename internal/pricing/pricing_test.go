package pricing

import (
	"errors"
	"testing"

	"github.com/luxeja/storefront-system/internal/model"
)

func ptrInt64(v int64) *int64 {
	return &v
}

func cart(items ...model.CartItem) []model.CartItem {
	return items
}

func TestComputeTotals_ReferenceScenario(t *testing.T) {
	// Корзина на 4999: доставка платная, налог 18% с округлением половины вверх.
	calc := NewCalculator(DefaultConfig())

	totals, err := calc.ComputeTotals(cart(
		model.CartItem{ProductID: 1, Quantity: 1, UnitPrice: 4999},
	), 0, 0, 0)
	if err != nil {
		t.Fatalf("ComputeTotals error: %v", err)
	}

	if totals.Subtotal != 4999 {
		t.Fatalf("Subtotal = %d, want 4999", totals.Subtotal)
	}
	if totals.ShippingAmount != 299 {
		t.Fatalf("ShippingAmount = %d, want 299", totals.ShippingAmount)
	}
	// 4999 * 0.18 = 899.82 -> 900
	if totals.TaxAmount != 900 {
		t.Fatalf("TaxAmount = %d, want 900", totals.TaxAmount)
	}
	if totals.TotalAmount != 6198 {
		t.Fatalf("TotalAmount = %d, want 6198", totals.TotalAmount)
	}
	// floor(6198/100)*10
	if totals.PointsEarned != 610 {
		t.Fatalf("PointsEarned = %d, want 610", totals.PointsEarned)
	}
}

func TestComputeTotals_Deterministic(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	items := cart(
		model.CartItem{ProductID: 1, Quantity: 2, UnitPrice: 1500, UnitSalePrice: ptrInt64(1200)},
		model.CartItem{ProductID: 2, Quantity: 1, UnitPrice: 800},
	)

	first, err := calc.ComputeTotals(items, 1000, 300, 100)
	if err != nil {
		t.Fatalf("ComputeTotals error: %v", err)
	}
	second, err := calc.ComputeTotals(items, 1000, 300, 100)
	if err != nil {
		t.Fatalf("ComputeTotals error: %v", err)
	}

	if *first != *second {
		t.Fatalf("totals differ: %+v vs %+v", first, second)
	}
	if first.TotalAmount < 0 {
		t.Fatalf("TotalAmount = %d, want >= 0", first.TotalAmount)
	}
}

func TestComputeTotals_EffectivePricePrefersSale(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	totals, err := calc.ComputeTotals(cart(
		model.CartItem{ProductID: 1, Quantity: 3, UnitPrice: 1000, UnitSalePrice: ptrInt64(700)},
		model.CartItem{ProductID: 2, Quantity: 2, UnitPrice: 500},
	), 0, 0, 0)
	if err != nil {
		t.Fatalf("ComputeTotals error: %v", err)
	}

	if totals.Subtotal != 3*700+2*500 {
		t.Fatalf("Subtotal = %d, want %d", totals.Subtotal, 3*700+2*500)
	}
}

func TestComputeTotals_FreeShippingBoundary(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	tests := []struct {
		name         string
		subtotal     int64
		wantShipping int64
	}{
		{"exactly at threshold", 5000, 299},
		{"just above threshold", 5001, 0},
		{"below threshold", 4999, 299},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			totals, err := calc.ComputeTotals(cart(
				model.CartItem{ProductID: 1, Quantity: 1, UnitPrice: tt.subtotal},
			), 0, 0, 0)
			if err != nil {
				t.Fatalf("ComputeTotals error: %v", err)
			}
			if totals.ShippingAmount != tt.wantShipping {
				t.Fatalf("ShippingAmount = %d, want %d", totals.ShippingAmount, tt.wantShipping)
			}
		})
	}
}

func TestComputeTotals_PointsEarnedFormula(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	// Итог нулевой: вся сумма к оплате погашена баллами, начислений нет.
	totals, err := calc.ComputeTotals(cart(
		model.CartItem{ProductID: 1, Quantity: 1, UnitPrice: 100},
	), 100000, 100000, 0)
	if err != nil {
		t.Fatalf("ComputeTotals error: %v", err)
	}
	if totals.TotalAmount != 0 {
		t.Fatalf("TotalAmount = %d, want 0", totals.TotalAmount)
	}
	if totals.PointsEarned != 0 {
		t.Fatalf("PointsEarned = %d, want 0", totals.PointsEarned)
	}
}

func TestComputeTotals_RedemptionClampedToPayable(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	// К оплате 100 + 18 + 299 = 417, баллов хватает на большее.
	totals, err := calc.ComputeTotals(cart(
		model.CartItem{ProductID: 1, Quantity: 1, UnitPrice: 100},
	), 1000, 1000, 0)
	if err != nil {
		t.Fatalf("ComputeTotals error: %v", err)
	}

	if totals.TotalAmount != 0 {
		t.Fatalf("TotalAmount = %d, want 0", totals.TotalAmount)
	}
	if totals.PointsRedeemed != 417 {
		t.Fatalf("PointsRedeemed = %d, want 417", totals.PointsRedeemed)
	}
	if totals.DiscountAmount != 417 {
		t.Fatalf("DiscountAmount = %d, want 417", totals.DiscountAmount)
	}
}

func TestComputeTotals_RedemptionExceedsBalance(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	_, err := calc.ComputeTotals(cart(
		model.CartItem{ProductID: 1, Quantity: 1, UnitPrice: 1000},
	), 50, 100, 0)
	if !errors.Is(err, ErrRedemptionExceedsBalance) {
		t.Fatalf("expected ErrRedemptionExceedsBalance, got %v", err)
	}
}

func TestComputeTotals_InvalidCart(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	tests := []struct {
		name  string
		items []model.CartItem
	}{
		{"empty cart", nil},
		{"zero quantity", cart(model.CartItem{ProductID: 1, Quantity: 0, UnitPrice: 100})},
		{"negative quantity", cart(model.CartItem{ProductID: 1, Quantity: -1, UnitPrice: 100})},
		{"missing price", cart(model.CartItem{ProductID: 1, Quantity: 1})},
		{"sale above base", cart(model.CartItem{ProductID: 1, Quantity: 1, UnitPrice: 100, UnitSalePrice: ptrInt64(200)})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := calc.ComputeTotals(tt.items, 0, 0, 0)
			if !errors.Is(err, ErrInvalidCart) {
				t.Fatalf("expected ErrInvalidCart, got %v", err)
			}
		})
	}
}

func TestComputeTotals_CouponDiscount(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	totals, err := calc.ComputeTotals(cart(
		model.CartItem{ProductID: 1, Quantity: 1, UnitPrice: 10000},
	), 0, 0, 500)
	if err != nil {
		t.Fatalf("ComputeTotals error: %v", err)
	}

	// 10000 - 500 + 1800 + 0 = 11300; налог считается от суммы до скидки.
	if totals.TaxAmount != 1800 {
		t.Fatalf("TaxAmount = %d, want 1800", totals.TaxAmount)
	}
	if totals.TotalAmount != 11300 {
		t.Fatalf("TotalAmount = %d, want 11300", totals.TotalAmount)
	}
}

func TestComputeTotals_TaxAfterDiscount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TaxAfterDiscount = true
	calc := NewCalculator(cfg)

	totals, err := calc.ComputeTotals(cart(
		model.CartItem{ProductID: 1, Quantity: 1, UnitPrice: 10000},
	), 0, 0, 500)
	if err != nil {
		t.Fatalf("ComputeTotals error: %v", err)
	}

	// (10000-500) * 0.18 = 1710
	if totals.TaxAmount != 1710 {
		t.Fatalf("TaxAmount = %d, want 1710", totals.TaxAmount)
	}
}

func TestTierFor(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		spent int64
		want  model.LoyaltyTier
	}{
		{0, model.TierBronze},
		{19999, model.TierBronze},
		{20000, model.TierSilver},
		{49999, model.TierSilver},
		{50000, model.TierGold},
		{99999, model.TierGold},
		{100000, model.TierPlatinum},
		{250000, model.TierPlatinum},
	}

	for _, tt := range tests {
		if got := cfg.TierFor(tt.spent); got != tt.want {
			t.Fatalf("TierFor(%d) = %s, want %s", tt.spent, got, tt.want)
		}
	}
}

func TestSubtotal_ValidatesCart(t *testing.T) {
	_, err := Subtotal(nil)
	if !errors.Is(err, ErrInvalidCart) {
		t.Fatalf("expected ErrInvalidCart, got %v", err)
	}

	sum, err := Subtotal(cart(
		model.CartItem{ProductID: 1, Quantity: 2, UnitPrice: 250},
	))
	if err != nil {
		t.Fatalf("Subtotal error: %v", err)
	}
	if sum != 500 {
		t.Fatalf("Subtotal = %d, want 500", sum)
	}
}
