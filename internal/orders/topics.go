package orders

const (
	TopicPaymentWebhook     = "payment.webhook"
	TopicPaymentWebhookDLQ  = "payment.webhook.dlq"
	TopicOrderNotifications = "order.notifications"
)

// PartitionKey keeps every event of one order (or one payment intent) on the
// same partition so they are consumed in arrival order.
func PartitionKey(id string) []byte { return []byte(id) }
