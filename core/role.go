package core

import (
	"fmt"
	"time"
)

// Role is a node's position in a replication group.
type Role uint8

const (
	RolePrimary Role = iota
	RoleReplica
	// RoleTransitioning is held while a node changes role. It serves no commands.
	RoleTransitioning
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleReplica:
		return "replica"
	case RoleTransitioning:
		return "transitioning"
	default:
		return "unknown"
	}
}

// ParseRole maps a config mode to a Role. "disabled" runs as a standalone primary.
func ParseRole(mode string) (Role, error) {
	switch mode {
	case "", "disabled", "primary":
		return RolePrimary, nil
	case "replica":
		return RoleReplica, nil
	default:
		return RolePrimary, fmt.Errorf("unknown replication mode %q", mode)
	}
}

// TransitioningError is returned while a node changes role. Callers should wait
// at least WaitTime before retrying.
type TransitioningError struct {
	WaitTime time.Duration
}

func (e *TransitioningError) Error() string {
	return fmt.Sprintf("node is transitioning, retry in %s", e.WaitTime)
}
