package recording

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrIllegalTransition = errors.New("illegal recording state transition")
	ErrUnknownState      = errors.New("unknown recording state")
)

// State is the capture lifecycle position of a single recording job.
type State string

const (
	StateUnknown          State = "UNKNOWN"
	StateCapturing        State = "CAPTURING"
	StateCaptureFinished  State = "CAPTURE_FINISHED"
	StateCaptureError     State = "CAPTURE_ERROR"
	StateManifest         State = "MANIFEST"
	StateManifestFinished State = "MANIFEST_FINISHED"
	StateManifestError    State = "MANIFEST_ERROR"
	StateCompressing      State = "COMPRESSING"
	StateCompressingError State = "COMPRESSING_ERROR"
	StateUploading        State = "UPLOADING"
	StateUploadFinished   State = "UPLOAD_FINISHED"
	StateUploadError      State = "UPLOAD_ERROR"
)

var allStates = []State{
	StateUnknown,
	StateCapturing,
	StateCaptureFinished,
	StateCaptureError,
	StateManifest,
	StateManifestFinished,
	StateManifestError,
	StateCompressing,
	StateCompressingError,
	StateUploading,
	StateUploadFinished,
	StateUploadError,
}

// successors lists the forward edges. A state may always repeat itself.
var successors = map[State][]State{
	StateUnknown:          {StateCapturing, StateCaptureError},
	StateCapturing:        {StateCaptureFinished, StateCaptureError},
	StateCaptureFinished:  {StateManifest, StateManifestError},
	StateManifest:         {StateManifestFinished, StateManifestError},
	StateManifestFinished: {StateCompressing, StateCompressingError},
	StateCompressing:      {StateUploading, StateCompressingError},
	StateUploading:        {StateUploadFinished, StateUploadError},
}

// insignificant states are not forwarded to downstream consumers.
var insignificant = map[State]struct{}{
	StateUploading:      {},
	StateUploadFinished: {},
	StateUploadError:    {},
}

func AllStates() []State {
	out := make([]State, len(allStates))
	copy(out, allStates)
	return out
}

// ParseState accepts the canonical upper-case names, case-insensitively.
func ParseState(raw string) (State, error) {
	s := State(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, raw)
	}
	return s, nil
}

func (s State) Valid() bool {
	for _, known := range allStates {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no other state can follow s.
func (s State) Terminal() bool {
	return s.Valid() && len(successors[s]) == 0
}

func (s State) String() string { return string(s) }

// IsSignificant reports whether downstream consumers should be told about s.
func IsSignificant(s State) bool {
	_, skip := insignificant[s]
	return !skip
}

// CanTransition reports whether to is a legal successor of from.
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range successors[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is the lifecycle record of the capture tied to one scheduled event.
type Job struct {
	EventID      string    `json:"event_id"`
	State        State     `json:"state"`
	LastModified time.Time `json:"last_modified"`
}

// NewJob returns a job that has not reported any state yet.
func NewJob(eventID string) Job {
	return Job{EventID: eventID, State: StateUnknown}
}

// Transition moves job to next and stamps it with now. The input job is not
// modified. Repeating the current state is legal and still refreshes the stamp.
func Transition(job Job, next State, now time.Time) (Job, error) {
	if !next.Valid() {
		return job, fmt.Errorf("%w: %q", ErrUnknownState, next)
	}
	from := job.State
	if from == "" {
		from = StateUnknown
	}
	if !CanTransition(from, next) {
		return job, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, next)
	}
	job.State = next
	job.LastModified = now
	return job, nil
}
