package idempotency

import "time"

// Record binds an external payment reference to the single order created for it.
// It is the idempotency key for both order creation and fulfillment.
type Record struct {
	PaymentReference string    `dynamodbav:"payment_reference"` // PK
	OrderID          string    `dynamodbav:"order_id"`
	CreatedAt        time.Time `dynamodbav:"created_at"`
}
