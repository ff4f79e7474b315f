package models

import "time"

// TabStatus represents the current state of a managed browser tab
type TabStatus string

const (
	TabRunning   TabStatus = "RUNNING"
	TabCompleted TabStatus = "COMPLETED"
	TabError     TabStatus = "ERROR"
	TabTimedOut  TabStatus = "TIMED_OUT"
)

// Tab represents a managed browser tab backed by a Chrome container
type Tab struct {
	ID          string    `json:"id"`
	Status      TabStatus `json:"status"`
	StartedAt   time.Time `json:"startedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Timeout     int       `json:"timeout"`
	ConnectURL  string    `json:"connectUrl"`
	ContainerID string    `json:"-"`
}

// CreateTabRequest is the payload for creating a new tab
type CreateTabRequest struct {
	Timeout int `json:"timeout,omitempty"`
}
