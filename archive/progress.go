package archive

// ProgressStage identifies the operation reporting progress.
type ProgressStage uint8

const (
	// StageExtracting is reported by Reader.Extract.
	StageExtracting ProgressStage = iota

	// StageAdding is reported by Writer additions.
	StageAdding
)

// String returns the string representation of the stage.
func (s ProgressStage) String() string {
	switch s {
	case StageExtracting:
		return "extracting"
	case StageAdding:
		return "adding"
	default:
		return "unknown"
	}
}

// ProgressEvent is reported after each completed entry and on suspension.
type ProgressEvent struct {
	Stage ProgressStage

	// Path is the archive name of the entry.
	Path string

	// BytesDone is the number of content bytes of the entry processed so
	// far, across invocations.
	BytesDone int64

	// BytesTotal is the entry's content size.
	BytesTotal int64

	// FilesDone counts entries completed during the current call.
	FilesDone int

	// Suspended is set on the final event of a suspended call.
	Suspended bool
}

// ProgressFunc receives progress updates.
type ProgressFunc func(ProgressEvent)

func (c *config) report(ev ProgressEvent) {
	if c.progress != nil {
		c.progress(ev)
	}
}
