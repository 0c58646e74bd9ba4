package observability

const (
	MUsecaseRequests         MetricKey = "usecase_requests_total"
	MUsecaseDuration         MetricKey = "usecase_duration_seconds"
	MHTTPRequests            MetricKey = "http_requests_total"
	MHTTPRequestDuration     MetricKey = "http_request_duration_seconds"
	MExternalRequests        MetricKey = "external_requests_total"
	MExternalRequestDuration MetricKey = "external_request_duration_seconds"

	// Vend controller and device link.
	MVendCycles      MetricKey = "vend_cycles_total"
	MVendBroadcasts  MetricKey = "vend_broadcasts_total"
	MLinkConnections MetricKey = "device_link_connections_total"

	// Dispense queue.
	MDispenseAttempts MetricKey = "dispense_attempts_total"
	MDispenseOutcomes MetricKey = "dispense_outcomes_total"
)
