package model

import "time"

// Agent is a registered execution node.
type Agent struct {
	ID                 string      `json:"id"`
	Address            string      `json:"address,omitempty"`
	Hostname           string      `json:"hostname,omitempty"`
	Version            string      `json:"version,omitempty"`
	Platform           string      `json:"platform,omitempty"`
	Status             AgentStatus `json:"status"`
	Tags               []string    `json:"tags,omitempty"`
	MaxConcurrentTasks int         `json:"max_concurrent_tasks"`
	RunningTasks       int         `json:"running_tasks"`
	CPUPercent         float64     `json:"cpu_percent"`
	MemPercent         float64     `json:"mem_percent"`
	LastHeartbeatAt    *time.Time  `json:"last_heartbeat_at,omitempty"`
	RegisteredAt       time.Time   `json:"registered_at"`
}

// AgentMetrics is the load reported in a heartbeat.
type AgentMetrics struct {
	RunningTasks int
	CPUPercent   float64
	MemPercent   float64
}

// HasTags reports whether the agent carries every tag in required.
func HasTags(have, required []string) bool {
	for _, r := range required {
		if !contains(have, r) {
			return false
		}
	}
	return true
}
