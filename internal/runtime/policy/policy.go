// Package policy holds the per-route shutdown policies.
package policy

import (
	"fmt"
	"strings"
)

// ShutdownRoute controls whether a route is stopped in the first shutdown pass
// or kept running until every other route has drained.
type ShutdownRoute int

const (
	ShutdownRouteDefault ShutdownRoute = iota
	ShutdownRouteDefer
)

func (s ShutdownRoute) String() string {
	switch s {
	case ShutdownRouteDefer:
		return "Defer"
	default:
		return "Default"
	}
}

// ParseShutdownRoute accepts "Default" or "Defer" in any case. Empty input maps
// to ShutdownRouteDefault.
func ParseShutdownRoute(value string) (ShutdownRoute, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "default":
		return ShutdownRouteDefault, nil
	case "defer":
		return ShutdownRouteDefer, nil
	default:
		return ShutdownRouteDefault, fmt.Errorf("policy: unknown shutdown route %q", value)
	}
}

// ShutdownRunningTask controls how much work a polling consumer finishes once
// shutdown begins.
type ShutdownRunningTask int

const (
	CompleteCurrentTaskOnly ShutdownRunningTask = iota
	CompleteAllTasks
)

func (s ShutdownRunningTask) String() string {
	switch s {
	case CompleteAllTasks:
		return "CompleteAllTasks"
	default:
		return "CompleteCurrentTaskOnly"
	}
}

// ParseShutdownRunningTask accepts the String forms in any case. Empty input
// maps to CompleteCurrentTaskOnly.
func ParseShutdownRunningTask(value string) (ShutdownRunningTask, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "completecurrenttaskonly":
		return CompleteCurrentTaskOnly, nil
	case "completealltasks":
		return CompleteAllTasks, nil
	default:
		return CompleteCurrentTaskOnly, fmt.Errorf("policy: unknown shutdown running task %q", value)
	}
}
