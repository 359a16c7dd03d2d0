package models

import (
	"time"
)

// Device is the liveness view of a telemetry source.
type Device struct {
	Name     string     `json:"device"`
	Address  string     `json:"address,omitempty"`
	Up       bool       `json:"up"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}
