package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/luxeja/storefront-system/internal/model"
)

func TestNewFeaturedCache_EmptyAddrDisablesCaching(t *testing.T) {
	c := NewFeaturedCache("", time.Hour)
	if c != nil {
		t.Fatalf("expected nil cache for empty address")
	}
}

func TestFeatured_NilCacheFallsBackToLoader(t *testing.T) {
	var c *FeaturedCache

	calls := 0
	load := func(ctx context.Context) ([]model.Product, error) {
		calls++
		return []model.Product{{ID: 1, Name: "dress"}}, nil
	}

	products, err := c.Featured(context.Background(), load)
	if err != nil {
		t.Fatalf("Featured error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("loader calls = %d, want 1", calls)
	}
	if len(products) != 1 || products[0].Name != "dress" {
		t.Fatalf("unexpected products: %+v", products)
	}
}

func TestFeatured_NilCachePropagatesLoaderError(t *testing.T) {
	var c *FeaturedCache

	wantErr := errors.New("storage down")
	_, err := c.Featured(context.Background(), func(ctx context.Context) ([]model.Product, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected loader error, got %v", err)
	}
}

func TestInvalidate_NilCacheIsNoop(t *testing.T) {
	var c *FeaturedCache

	// не должно паниковать
	c.Invalidate(context.Background())
	if err := c.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}
