package types

const (
	ActionRabbitMQConnected       = "rabbitmq_connected"
	ActionRabbitConnectionClosed  = "rabbitmq_connection_closed"
	ActionRabbitConnectionClosing = "rabbitmq_connection_closing"
	ActionRabbitReconnected       = "rabbitmq_reconnection_success"

	ActionDatabaseTransactionFailed = "database_transaction_failed"

	ActionConnectionOpened = "connection_opened"
	ActionConnectionClosed = "connection_closed"
	ActionIdleReap         = "idle_connection_reaped"
	ActionSessionReplaced  = "session_replaced"

	ActionExternalServiceFailed = "external_service_failed"

	ActionMatchOffered   = "match_offered"
	ActionMatchAccepted  = "match_accepted"
	ActionMatchDeclined  = "match_declined"
	ActionRequestExpired = "request_expired"
)
