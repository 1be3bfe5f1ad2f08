package core

import "time"

// TaskInfo is a registry snapshot of one task handle.
type TaskInfo struct {
	TaskID    string     `json:"task_id"`
	Owner     int64      `json:"owner_id"`
	ModelName string     `json:"model_name"`
	Status    TaskStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// LauncherStats represents runtime observability state for a Launcher.
type LauncherStats struct {
	Registered int
	Pending    int
	Running    int
	Completed  int
	Failed     int
	Cancelled  int
	Closed     bool
	Pool       PoolStats
}

// PoolStats represents runtime observability state for a worker pool.
type PoolStats struct {
	ID      string
	Workers int
	Queued  int
	Active  int
	Running bool
}

// ChannelStats represents the best-effort queue side of a Channel.
type ChannelStats struct {
	Queues      int
	Buffered    int
	Dropped     int64
	Published   int64
	StoreErrors int64
}
