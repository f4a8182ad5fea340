package models

// All returns every table the engine owns, in migration order.
func All() []interface{} {
	return []interface{}{
		&Booking{},
		&Pass{},
		&PaymentRecord{},
		&SyncLogEntry{},
		&Alert{},
		&ReconciliationReport{},
		&GatewayWebhookEvent{},
	}
}
