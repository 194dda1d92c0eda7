package executor

// ApplyMode tells the storage engine why an entry is applied.
type ApplyMode int8

const (
	// ModeInternal is a regular commit of a transaction.
	ModeInternal ApplyMode = iota
	// ModeRecovery is a replay of an entry found in the log at startup.
	ModeRecovery
	// ModeReverseRecovery is the Rollback recovery writes for a transaction
	// it replayed only in part; storage undoes what that transaction applied.
	ModeReverseRecovery
)

func (m ApplyMode) String() string {
	switch m {
	case ModeInternal:
		return "INTERNAL"
	case ModeRecovery:
		return "RECOVERY"
	case ModeReverseRecovery:
		return "REVERSE_RECOVERY"
	}
	return "UNKNOWN"
}

// Checkpoint reasons.
const (
	ReasonRecovery      = "recovery"
	ReasonFilesMissing  = "recovery with missing log files"
	ReasonScheduled     = "scheduled"
	ReasonShutdown      = "database shutdown"
	ReasonExplicit      = "explicit"
	ReasonStoreCreation = "store creation"
)
