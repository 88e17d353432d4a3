package models

// Notification is a single event sighting, delivered either by the push
// listener or by the poll reconciler. StartTime and EndTime are epoch
// seconds; EndTime is present only once the source has finalized the clip.
type Notification struct {
	ID        string
	Camera    string
	StartTime *float64
	EndTime   *float64
	HasClip   bool
}

// UploadStatus is the tri-state upload outcome of an event.
type UploadStatus int

const (
	// StatusUnseen means no record exists for the event.
	StatusUnseen UploadStatus = iota
	// StatusPending means the event is known but its clip is not archived.
	StatusPending
	// StatusUploaded means the clip is archived; the state is terminal.
	StatusUploaded
)

func (s UploadStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusUploaded:
		return "uploaded"
	default:
		return "unseen"
	}
}

// TriesFilter selects stuck events by attempt count. Exactly one of the
// two fields is expected to be set.
type TriesFilter struct {
	Below     *int
	AtOrAbove *int
}

// TriesBelow matches events still inside the normal retry budget.
func TriesBelow(n int) TriesFilter { return TriesFilter{Below: &n} }

// TriesAtOrAbove matches events that exhausted the normal retry budget.
func TriesAtOrAbove(n int) TriesFilter { return TriesFilter{AtOrAbove: &n} }
