package api

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	State          string `json:"state"`
	ExecutionCount int    `json:"execution_count"`
	Session        string `json:"session"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}
