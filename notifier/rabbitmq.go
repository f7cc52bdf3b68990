package notifier

import (
	"context"
	"fmt"

	"aquaguardian/models"
)

// Publisher is the part of rabbitmq.Publisher used for escalations.
type Publisher interface {
	PublishWithRoutingKey(ctx context.Context, routingKey string, message interface{}) error
}

// RabbitNotifier publishes escalations for downstream alerting consumers
type RabbitNotifier struct {
	publisher  Publisher
	routingKey string
}

func NewRabbitNotifier(p Publisher, routingKey string) *RabbitNotifier {
	return &RabbitNotifier{publisher: p, routingKey: routingKey}
}

func (n *RabbitNotifier) Notify(ctx context.Context, report *models.Report) error {
	if err := n.publisher.PublishWithRoutingKey(ctx, n.routingKey, NewEscalation(report)); err != nil {
		return fmt.Errorf("failed to publish escalation for %s: %w", report.ID, err)
	}
	return nil
}
