package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/luxeja/storefront-system/internal/model"
)

// LogNotifier пишет уведомления в журнал вместо отправки почты. Используется,
// пока внешний почтовый сервис не подключён.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier создаёт нотификатор, пишущий уведомления в журнал.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// OrderConfirmed логирует уведомление о созданном заказе.
func (n *LogNotifier) OrderConfirmed(ctx context.Context, email string, order *model.Order) {
	if n == nil || n.logger == nil {
		return
	}
	n.logger.Info("order confirmation notification",
		zap.String("email", email),
		zap.String("order", order.Number),
		zap.Int64("total", order.TotalAmount),
	)
}
