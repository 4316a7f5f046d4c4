package session

// LockMode is the pessimistic or optimistic lock held on an entity. Modes
// are ordered from weakest to strongest.
type LockMode int

const (
	LockNone LockMode = iota
	LockRead
	LockOptimistic
	LockUpgrade
	LockUpgradeNoWait
	LockWrite
)

func (m LockMode) String() string {
	switch m {
	case LockNone:
		return "none"
	case LockRead:
		return "read"
	case LockOptimistic:
		return "optimistic"
	case LockUpgrade:
		return "upgrade"
	case LockUpgradeNoWait:
		return "upgrade_nowait"
	case LockWrite:
		return "write"
	default:
		return "unknown"
	}
}

// GreaterThan reports whether m is stronger than other.
func (m LockMode) GreaterThan(other LockMode) bool {
	return m > other
}

// ParseLockMode maps a configuration name to a mode.
func ParseLockMode(name string) (LockMode, bool) {
	for m := LockNone; m <= LockWrite; m++ {
		if m.String() == name {
			return m, true
		}
	}
	return LockNone, false
}

// LockOptions is the lock request of a load.
type LockOptions struct {
	Mode LockMode
	// FollowOn acquires the lock with separate statements after loading
	// instead of a lock clause on the query.
	FollowOn bool
	// TimeoutMillis is passed to dialects that support a lock wait timeout.
	// Negative means no wait.
	TimeoutMillis int
}

// IsPessimistic reports whether the mode needs a row lock.
func (o LockOptions) IsPessimistic() bool {
	return o.Mode >= LockUpgrade
}
