package models

import "time"

// ComponentState is the lifecycle of a long-running component. It is deliberately a
// distinct type from any market or trading data.
type ComponentState string

const (
	StateInitializing ComponentState = "INITIALIZING"
	StateReady        ComponentState = "READY"
	StateRunning      ComponentState = "RUNNING"
	StateDegraded     ComponentState = "DEGRADED"
	StateFaulted      ComponentState = "FAULTED"
	StateStopped      ComponentState = "STOPPED"
)

type ComponentStatus struct {
	Name          string         `json:"name"`
	State         ComponentState `json:"state"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	Reason        string         `json:"reason,omitempty"`
	Since         time.Time      `json:"since"`
	Failures      int            `json:"failures"`
}

// ComponentStateChanged is published on every legal transition.
type ComponentStateChanged struct {
	Name   string         `json:"name"`
	From   ComponentState `json:"from"`
	To     ComponentState `json:"to"`
	Reason string         `json:"reason,omitempty"`
	At     time.Time      `json:"at"`
}
