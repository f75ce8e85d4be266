package docsync

import (
	"fmt"
)

// Warnings are degraded-but-operating conditions. They are surfaced through
// listener callbacks rather than returned as errors because no caller can
// act on them inline: the engine has already contained the failure.
type WarningKind int

const (
	// outbound queue overflow. document state is intact, transmission of
	// the dropped operations is deferred to reconciliation.
	WarningKindBackpressure WarningKind = 1
	// local cache read or write failed. the engine continues memory only.
	WarningKindPersistence WarningKind = 2
	// corrupt operation rate exceeded the configured threshold, which
	// indicates a protocol mismatch rather than a transient condition.
	WarningKindIntegrity WarningKind = 3
)

func (self WarningKind) String() string {
	switch self {
	case WarningKindBackpressure:
		return "backpressure"
	case WarningKindPersistence:
		return "persistence"
	case WarningKindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

type Warning struct {
	Kind    WarningKind
	Message string
	Err     error
}

func (self Warning) String() string {
	if self.Err != nil {
		return fmt.Sprintf("%s: %s (%s)", self.Kind, self.Message, self.Err)
	}
	return fmt.Sprintf("%s: %s", self.Kind, self.Message)
}

type WarningFunction func(warning Warning)
