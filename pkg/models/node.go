package models

import (
	"time"
)

// Node represents an execution host registered with the scheduler
type Node struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"` // hostname
	Address       string            `json:"address,omitempty"`
	CPUThreads    int               `json:"cpu_threads"`
	CPUModel      string            `json:"cpu_model"`
	LoadPercent   float64           `json:"load_percent,omitempty"`
	RAMTotalBytes uint64            `json:"ram_total_bytes"`
	RAMFreeBytes  uint64            `json:"ram_free_bytes,omitempty"`
	Slots         int               `json:"slots"` // concurrent jobs this node accepts
	Labels        map[string]string `json:"labels,omitempty"`
	Status        string            `json:"status"` // "available", "busy", "offline", "drained"
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	RegisteredAt  time.Time         `json:"registered_at"`
	CurrentJobIDs []string          `json:"current_job_ids,omitempty"`
}

// NodeRegistration represents a node registration request
type NodeRegistration struct {
	Name          string            `json:"name"`
	Address       string            `json:"address,omitempty"`
	CPUThreads    int               `json:"cpu_threads"`
	CPUModel      string            `json:"cpu_model"`
	RAMTotalBytes uint64            `json:"ram_total_bytes"`
	Slots         int               `json:"slots"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// HasCapacity reports whether the node can accept another job
func (n *Node) HasCapacity() bool {
	if n.Status != "available" && n.Status != "busy" {
		return false
	}
	return len(n.CurrentJobIDs) < n.Slots
}
