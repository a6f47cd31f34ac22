package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/luxeja/storefront-system/internal/catalog"
	"github.com/luxeja/storefront-system/internal/model"
)

// ListProducts возвращает страницу каталога под указанным фильтром вместе с
// общим числом подходящих товаров.
func (r *PostgresRepository) ListProducts(ctx context.Context, f catalog.Filter) (*catalog.Page, error) {
	f = f.Normalized()

	countQuery, countArgs := f.CountQuery()

	var total int64
	if err := r.pool.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count products: %w", err)
	}

	selectQuery, selectArgs := f.SelectQuery()

	rows, err := r.pool.Query(ctx, selectQuery, selectArgs...)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	products, err := scanProducts(rows)
	if err != nil {
		return nil, err
	}

	if err := r.attachSizes(ctx, products); err != nil {
		return nil, err
	}

	return &catalog.Page{
		Items:      products,
		Total:      total,
		TotalPages: catalog.PageCount(total, f.Limit),
		Page:       f.Page,
	}, nil
}

// GetProduct возвращает активный товар по идентификатору вместе с остатками по
// размерам.
func (r *PostgresRepository) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT p.id, p.sku, p.name, p.description, p.base_price, p.sale_price,
		        p.category_id, p.occasion_tags, p.colors, p.is_featured,
		        p.is_best_seller, p.views, p.rating_avg, p.rating_count,
		        p.is_active, p.created_at
		 FROM products p
		 WHERE p.id = $1 AND p.is_active = TRUE`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("select product: %w", err)
	}
	defer rows.Close()

	products, err := scanProducts(rows)
	if err != nil {
		return nil, err
	}
	if len(products) == 0 {
		return nil, ErrProductNotFound
	}

	if err := r.attachSizes(ctx, products); err != nil {
		return nil, err
	}

	return &products[0], nil
}

// IncrementProductViews увеличивает счётчик просмотров товара.
func (r *PostgresRepository) IncrementProductViews(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE products SET views = views + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment views: %w", err)
	}
	return nil
}

// FeaturedProducts возвращает активные товары из рекомендуемой подборки.
func (r *PostgresRepository) FeaturedProducts(ctx context.Context, limit int) ([]model.Product, error) {
	return r.flaggedProducts(ctx, "is_featured", limit)
}

// BestSellers возвращает активные товары-бестселлеры.
func (r *PostgresRepository) BestSellers(ctx context.Context, limit int) ([]model.Product, error) {
	return r.flaggedProducts(ctx, "is_best_seller", limit)
}

func (r *PostgresRepository) flaggedProducts(ctx context.Context, flag string, limit int) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx,
		fmt.Sprintf(`SELECT p.id, p.sku, p.name, p.description, p.base_price, p.sale_price,
		        p.category_id, p.occasion_tags, p.colors, p.is_featured,
		        p.is_best_seller, p.views, p.rating_avg, p.rating_count,
		        p.is_active, p.created_at
		 FROM products p
		 WHERE p.%s = TRUE AND p.is_active = TRUE
		 ORDER BY p.created_at DESC
		 LIMIT $1`, flag),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select %s products: %w", flag, err)
	}
	defer rows.Close()

	products, err := scanProducts(rows)
	if err != nil {
		return nil, err
	}

	if err := r.attachSizes(ctx, products); err != nil {
		return nil, err
	}

	return products, nil
}

func scanProducts(rows pgx.Rows) ([]model.Product, error) {
	var products []model.Product
	for rows.Next() {
		var (
			p         model.Product
			colorsRaw []byte
		)
		err := rows.Scan(
			&p.ID, &p.SKU, &p.Name, &p.Description, &p.BasePrice, &p.SalePrice,
			&p.CategoryID, &p.OccasionTags, &colorsRaw, &p.IsFeatured,
			&p.IsBestSeller, &p.Views, &p.RatingAvg, &p.RatingCount,
			&p.IsActive, &p.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}

		if len(colorsRaw) > 0 {
			if err := json.Unmarshal(colorsRaw, &p.Colors); err != nil {
				return nil, fmt.Errorf("unmarshal colors: %w", err)
			}
		}

		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return products, nil
}

// attachSizes подгружает остатки по размерам для набора товаров одним запросом.
func (r *PostgresRepository) attachSizes(ctx context.Context, products []model.Product) error {
	if len(products) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(products))
	byID := make(map[int64]*model.Product, len(products))
	for i := range products {
		ids = append(ids, products[i].ID)
		byID[products[i].ID] = &products[i]
	}

	rows, err := r.pool.Query(ctx,
		`SELECT product_id, size, stock FROM product_sizes WHERE product_id = ANY($1) ORDER BY size`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("select sizes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			productID int64
			s         model.SizeStock
		)
		if err := rows.Scan(&productID, &s.Size, &s.Stock); err != nil {
			return fmt.Errorf("scan size: %w", err)
		}
		if p, ok := byID[productID]; ok {
			p.Sizes = append(p.Sizes, s)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	return nil
}

// ActiveStories возвращает активные неистёкшие истории в порядке позиций.
func (r *PostgresRepository) ActiveStories(ctx context.Context) ([]model.Story, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, title, media_url, media_type, link_url, position, views_count,
		        is_active, expires_at, created_at
		 FROM stories
		 WHERE is_active = TRUE AND expires_at > now()
		 ORDER BY position, created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select stories: %w", err)
	}
	defer rows.Close()

	var stories []model.Story
	for rows.Next() {
		var (
			s         model.Story
			mediaType string
		)
		err := rows.Scan(&s.ID, &s.Title, &s.MediaURL, &mediaType, &s.LinkURL,
			&s.Position, &s.ViewsCount, &s.IsActive, &s.ExpiresAt, &s.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan story: %w", err)
		}
		s.MediaType = model.StoryMediaType(mediaType)
		stories = append(stories, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return stories, nil
}

// IncrementStoryViews увеличивает счётчик просмотров истории.
func (r *PostgresRepository) IncrementStoryViews(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx, `UPDATE stories SET views_count = views_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment story views: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrStoryNotFound
	}
	return nil
}

// GetCoupon возвращает действующий промокод. Неизвестный, отключённый или
// просроченный код считается недействительным.
func (r *PostgresRepository) GetCoupon(ctx context.Context, code string) (*model.Coupon, error) {
	var c model.Coupon
	err := r.pool.QueryRow(ctx,
		`SELECT code, discount, min_subtotal, valid_from, valid_to, is_active
		 FROM coupons WHERE code = $1`,
		code,
	).Scan(&c.Code, &c.Discount, &c.MinSubtotal, &c.ValidFrom, &c.ValidTo, &c.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidCoupon
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}

	now := time.Now()
	if !c.IsActive || now.Before(c.ValidFrom) || now.After(c.ValidTo) {
		return nil, ErrInvalidCoupon
	}

	return &c, nil
}
