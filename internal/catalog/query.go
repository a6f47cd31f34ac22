// Package catalog реализует построение ограниченных постраничных запросов к
// каталогу товаров по набору фильтров.
package catalog

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/luxeja/storefront-system/internal/model"
)

// SortKey задаёт порядок выдачи товаров.
type SortKey string

const (
	SortNewest    SortKey = "newest"
	SortPriceAsc  SortKey = "price"
	SortPriceDesc SortKey = "-price"
	SortViews     SortKey = "-views"
	SortRating    SortKey = "-rating"
)

const (
	defaultPage  = 1
	defaultLimit = 12
	maxLimit     = 100

	// unboundedPrice подставляется вместо отсутствующей верхней границы цены.
	unboundedPrice = int64(1) << 62
)

// sortClauses сопоставляет ключ сортировки выражению ORDER BY. Сортировка по
// цене использует действующую цену товара.
var sortClauses = map[SortKey]string{
	SortNewest:    "p.created_at DESC",
	SortPriceAsc:  "COALESCE(p.sale_price, p.base_price) ASC",
	SortPriceDesc: "COALESCE(p.sale_price, p.base_price) DESC",
	SortViews:     "p.views DESC",
	SortRating:    "p.rating_avg DESC",
}

// Filter описывает распознаваемые параметры фильтрации каталога. Нулевые
// значения означают отсутствие соответствующего фильтра.
type Filter struct {
	Category string
	Occasion string
	MinPrice *int64
	MaxPrice *int64
	Size     string
	Color    string
	Sort     SortKey
	Page     int
	Limit    int
}

// Page содержит страницу выдачи каталога.
type Page struct {
	Items      []model.Product `json:"products"`
	Total      int64           `json:"total"`
	TotalPages int             `json:"total_pages"`
	Page       int             `json:"page"`
}

// ParseFilter извлекает фильтр из параметров запроса. Некорректные числовые
// значения трактуются как отсутствующие, неизвестный ключ сортировки заменяется
// сортировкой по новизне.
func ParseFilter(q url.Values) Filter {
	f := Filter{
		Category: strings.TrimSpace(q.Get("category")),
		Occasion: strings.TrimSpace(q.Get("occasion")),
		Size:     strings.TrimSpace(q.Get("size")),
		Color:    strings.TrimSpace(q.Get("color")),
		MinPrice: parsePrice(q.Get("minPrice")),
		MaxPrice: parsePrice(q.Get("maxPrice")),
		Sort:     parseSort(q.Get("sort")),
		Page:     parsePositiveInt(q.Get("page"), defaultPage),
		Limit:    parsePositiveInt(q.Get("limit"), defaultLimit),
	}
	return f.Normalized()
}

func parsePrice(s string) *int64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return nil
	}
	return &v
}

func parsePositiveInt(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func parseSort(s string) SortKey {
	switch SortKey(s) {
	case SortPriceAsc, SortPriceDesc, SortViews, SortRating:
		return SortKey(s)
	default:
		return SortNewest
	}
}

// Normalized возвращает фильтр с подставленными значениями по умолчанию и
// ограниченным размером страницы.
func (f Filter) Normalized() Filter {
	if f.Page < 1 {
		f.Page = defaultPage
	}
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
	if _, ok := sortClauses[f.Sort]; !ok {
		f.Sort = SortNewest
	}
	return f
}

// conditions собирает условия WHERE и аргументы запроса. Выдача всегда
// ограничена активными товарами.
func (f Filter) conditions() ([]string, []any) {
	conds := []string{"p.is_active = TRUE"}
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Category != "" {
		// Некорректный идентификатор категории приравнивается к отсутствию фильтра.
		if id, err := strconv.ParseInt(f.Category, 10, 64); err == nil {
			conds = append(conds, fmt.Sprintf("p.category_id = %s", arg(id)))
		}
	}
	if f.Occasion != "" {
		conds = append(conds, fmt.Sprintf("%s = ANY(p.occasion_tags)", arg(f.Occasion)))
	}
	if f.MinPrice != nil || f.MaxPrice != nil {
		lo := int64(0)
		hi := unboundedPrice
		if f.MinPrice != nil {
			lo = *f.MinPrice
		}
		if f.MaxPrice != nil {
			hi = *f.MaxPrice
		}
		loPh := arg(lo)
		hiPh := arg(hi)
		// Товар попадает в бюджет, если в диапазон укладывается базовая цена
		// или цена со скидкой.
		conds = append(conds, fmt.Sprintf(
			"(p.base_price BETWEEN %[1]s AND %[2]s OR (p.sale_price IS NOT NULL AND p.sale_price BETWEEN %[1]s AND %[2]s))",
			loPh, hiPh,
		))
	}
	if f.Size != "" {
		conds = append(conds, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM product_sizes ps WHERE ps.product_id = p.id AND ps.size = %s)", arg(f.Size)))
	}
	if f.Color != "" {
		conds = append(conds, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM jsonb_array_elements(p.colors) c WHERE c->>'name' ILIKE %s)",
			arg("%"+f.Color+"%")))
	}

	return conds, args
}

// SelectQuery возвращает SQL-запрос страницы товаров и его аргументы.
func (f Filter) SelectQuery() (string, []any) {
	f = f.Normalized()
	conds, args := f.conditions()

	query := fmt.Sprintf(
		`SELECT p.id, p.sku, p.name, p.description, p.base_price, p.sale_price,
		        p.category_id, p.occasion_tags, p.colors, p.is_featured,
		        p.is_best_seller, p.views, p.rating_avg, p.rating_count,
		        p.is_active, p.created_at
		 FROM products p
		 WHERE %s
		 ORDER BY %s
		 LIMIT $%d OFFSET $%d`,
		strings.Join(conds, " AND "),
		sortClauses[f.Sort],
		len(args)+1, len(args)+2,
	)

	args = append(args, f.Limit, (f.Page-1)*f.Limit)
	return query, args
}

// CountQuery возвращает SQL-запрос общего числа товаров под фильтром.
func (f Filter) CountQuery() (string, []any) {
	f = f.Normalized()
	conds, args := f.conditions()

	query := fmt.Sprintf(`SELECT COUNT(*) FROM products p WHERE %s`, strings.Join(conds, " AND "))
	return query, args
}

// PageCount возвращает число страниц выдачи: ceil(total/limit).
func PageCount(total int64, limit int) int {
	if limit <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(limit) - 1) / int64(limit))
}
