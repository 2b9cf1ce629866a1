package api

import "github.com/mattjoyce/scatter/internal/nodepool"

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Nodes         int    `json:"nodes"`
	Assigned      int    `json:"assigned"`
}

// PoolResponse is returned by GET /pool.
type PoolResponse struct {
	Nodes []nodepool.NodeLoad `json:"nodes"`
}
