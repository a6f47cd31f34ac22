// Package cache реализует сквозной кэш рекомендуемой подборки товаров с явным
// временем жизни и точкой инвалидации при записи.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/luxeja/storefront-system/internal/model"
)

const featuredKey = "featured_products"

// DefaultTTL — время жизни кэша подборки.
const DefaultTTL = time.Hour

// Loader загружает подборку из основного хранилища при промахе кэша.
type Loader func(ctx context.Context) ([]model.Product, error)

// FeaturedCache кэширует рекомендуемую подборку товаров. Нулевой указатель
// безопасен: все операции сводятся к прямому обращению к загрузчику.
type FeaturedCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFeaturedCache создаёт кэш поверх Redis по указанному адресу. Пустой адрес
// отключает кэширование.
func NewFeaturedCache(addr string, ttl time.Duration) *FeaturedCache {
	if addr == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &FeaturedCache{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		ttl: ttl,
	}
}

// Featured возвращает подборку из кэша либо загружает её и кэширует. Ошибки
// Redis не фатальны: запрос деградирует до прямого чтения из хранилища.
func (c *FeaturedCache) Featured(ctx context.Context, load Loader) ([]model.Product, error) {
	if c == nil || c.rdb == nil {
		return load(ctx)
	}

	raw, err := c.rdb.Get(ctx, featuredKey).Bytes()
	if err == nil {
		var products []model.Product
		if jsonErr := json.Unmarshal(raw, &products); jsonErr == nil {
			return products, nil
		}
		// Повреждённое значение перезаписывается свежей загрузкой.
	}

	products, err := load(ctx)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(products); err == nil {
		c.rdb.Set(ctx, featuredKey, raw, c.ttl)
	}

	return products, nil
}

// Invalidate сбрасывает кэш подборки. Вызывается при записях, меняющих состав
// рекомендуемых товаров.
func (c *FeaturedCache) Invalidate(ctx context.Context) {
	if c == nil || c.rdb == nil {
		return
	}
	c.rdb.Del(ctx, featuredKey)
}

// Close закрывает соединение с Redis.
func (c *FeaturedCache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
