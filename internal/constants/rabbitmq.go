package constants

const MainExchange = "notifications_exchange"

// Имена очередей
const (
	QueueNotificationEvents = "notification_events"
)

// Ключи маршрутизации
const (
	RoutingKeyNotificationRequested = "notification.requested"
)

const (
	FinalDLXExchange   = "notification_events_final_dlx"
	FinalDLQ           = "notification_events_final_dlq"
	FinalDLQRoutingKey = "notification_events.dlq.key"
)

const (
	RetryExchange = QueueNotificationEvents + "_retry_ex"
	WaitQueue     = QueueNotificationEvents + "_retry_wait"
)

const (
	ConsumerTagNotifications = "notification-dispatcher-adapter"
	ConsumerTagDeadLetters   = "notification-dlq-adapter"
)
