package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file at Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	Retention   time.Duration // 0 keeps everything
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Delivery is one recorded delivery outcome.
// Keep it compact and schema-stable.
type Delivery struct {
	At       time.Time `json:"at"`
	Dest     string    `json:"dest"`
	Event    string    `json:"event"`
	Attempt  string    `json:"attempt,omitempty"`
	Count    int       `json:"count"`
	Attempts int       `json:"attempts,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Error    string    `json:"error,omitempty"`
	DelayMS  int64     `json:"delay_ms,omitempty"`
}
