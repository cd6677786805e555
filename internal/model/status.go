package model

import "time"

// FlushStatus is the externally visible summary of the scheduler's last round
type FlushStatus struct {
	NodeID    string         `json:"node_id"`
	RoundID   string         `json:"round_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Class     string         `json:"class"`
	Triggers  []string       `json:"triggers"`
	Totals    FlushTotals    `json:"totals"`
	Targets   []string       `json:"targets"`
	Submitted []string       `json:"submitted"`
	InFlight  int            `json:"in_flight"`
	Error     string         `json:"error,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	Handlers  []HandlerState `json:"handlers"`
}

// FlushTotals mirrors the aggregate resource pressure of a round
type FlushTotals struct {
	MemoryGain uint64  `json:"memory_gain"`
	DiskGain   uint64  `json:"disk_gain"`
	DiskBefore uint64  `json:"disk_before"`
	DiskRatio  float64 `json:"disk_ratio"`
	LogBytes   uint64  `json:"log_bytes"`
}

// HandlerState describes one registered flush handler
type HandlerState struct {
	Name          string `json:"name"`
	Targets       int    `json:"targets"`
	CurrentSerial uint64 `json:"current_serial"`
	OldestSerial  uint64 `json:"oldest_flushed_serial"`
}
