package ingest

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// HandleDeliveryForTest exposes handleDelivery to ingest_test: production
// code only ever reaches it through Run's consume loop.
func HandleDeliveryForTest(w *Worker, ctx context.Context, d amqp.Delivery) {
	w.handleDelivery(ctx, d)
}
