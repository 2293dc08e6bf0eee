package archive

// Status tells whether an operation ran to completion.
type Status uint8

const (
	// StatusDone means the operation completed.
	StatusDone Status = iota

	// StatusSuspended means the time budget ran out. The Result carries the
	// token needed to continue.
	StatusSuspended
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusDone:
		return "done"
	case StatusSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Result is returned by every resumable operation. Failures are reported
// through the accompanying error instead.
type Result struct {
	Status Status

	// Bytes is the number of content bytes extracted or added by this call.
	Bytes int64

	// Entries is the number of entries completed by this call.
	Entries int

	// Read is set when a suspended Extract can be resumed.
	Read *ReadToken

	// Write is set when a suspended AddFile can be resumed.
	Write *WriteToken

	// Tree is set when a suspended AddTree can be resumed.
	Tree *TreeToken
}

// Suspended reports whether the operation stopped on its time budget.
func (r Result) Suspended() bool {
	return r.Status == StatusSuspended
}
