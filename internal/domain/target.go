package domain

// TargetKind distinguishes the two addressing modes of an emit call.
type TargetKind int

const (
	// TargetConnection addresses one specific live connection.
	TargetConnection TargetKind = iota

	// TargetPrincipal addresses every live connection attributed to a
	// principal, falling back to the principal's pending queue when none
	// is reachable.
	TargetPrincipal
)

// Target is the addressee of an emit call.
type Target struct {
	Kind TargetKind
	ID   string
}

// ConnectionTarget addresses a single connection by id.
func ConnectionTarget(connectionID string) Target {
	return Target{Kind: TargetConnection, ID: connectionID}
}

// PrincipalTarget addresses all connections of a principal.
func PrincipalTarget(principalID string) Target {
	return Target{Kind: TargetPrincipal, ID: principalID}
}
