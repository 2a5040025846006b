package model

// HealthStatus represents the health state of a replication server
type HealthStatus struct {
	NodeID    string        `json:"node_id"`
	ServerID  uint16        `json:"server_id"`
	Address   string        `json:"address"`
	Status    NodeStatus    `json:"status"`
	Timestamp int64         `json:"timestamp"`
	Metrics   HealthMetrics `json:"metrics"`
}

// NodeStatus defines the operational status of a node
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// HealthMetrics contains the figures gossiped with the node status
type HealthMetrics struct {
	Domains          int     `json:"domains"`
	ConnectedServers int     `json:"connected_servers"`
	QueuedUpdates    int     `json:"queued_updates"`
	PendingAcks      int     `json:"pending_acks"`
	DiskUsage        float64 `json:"disk_usage"`
}
