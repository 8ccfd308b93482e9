package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"capture_scheduler/core-go/internal/agents"
	"capture_scheduler/core-go/internal/keylock"
	"capture_scheduler/core-go/internal/metrics"
	"capture_scheduler/core-go/internal/recording"
)

// Notifier receives recording state changes that downstream consumers care
// about. Only significant states are handed to it.
type Notifier interface {
	PublishRecordingState(ctx context.Context, job recording.Job) error
}

type FacadeOptions struct {
	// SerializeByDevice runs conflict check and write of Schedule and
	// Reschedule under a per-device lock. Without it two bookings on one
	// device can both pass the check before either is written.
	SerializeByDevice bool
	Now               func() time.Time
	Notifier          Notifier
	Metrics           *metrics.Metrics
}

// Facade is the entry point transport layers call.
type Facade struct {
	log       zerolog.Logger
	store     Store
	detector  ConflictDetector
	registry  *agents.Registry
	notifier  Notifier
	metrics   *metrics.Metrics
	now       func() time.Time
	serialize bool

	deviceLocks keylock.Map
	jobLocks    keylock.Map
}

func NewFacade(log zerolog.Logger, store Store, registry *agents.Registry, opts FacadeOptions) *Facade {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Facade{
		log:       log,
		store:     store,
		detector:  NewConflictDetector(store),
		registry:  registry,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		now:       now,
		serialize: opts.SerializeByDevice,
	}
}

// ScheduleResult reports either the stored event or the bookings that
// prevented it. Conflicts are a normal outcome, not an error.
type ScheduleResult struct {
	Event     Event   `json:"event"`
	Conflicts []Event `json:"conflicts,omitempty"`
	Accepted  bool    `json:"accepted"`
}

// SyncResult is one incremental synchronization page.
type SyncResult struct {
	Events          []Event   `json:"events"`
	LastModified    time.Time `json:"last_modified"`
	HasLastModified bool      `json:"has_last_modified"`
}

func (f *Facade) lockDevice(deviceID string) func() {
	if !f.serialize {
		return func() {}
	}
	return f.deviceLocks.Lock(deviceID)
}

// lockDevices holds the locks of every device a move touches.
func (f *Facade) lockDevices(deviceIDs ...string) func() {
	if !f.serialize {
		return func() {}
	}
	return f.deviceLocks.LockAll(deviceIDs...)
}

// Schedule books e unless it overlaps a live event on the same device.
func (f *Facade) Schedule(ctx context.Context, e Event) (ScheduleResult, error) {
	p := PatchFromEvent(e)
	candidate, err := Apply(nil, p)
	if err != nil {
		return ScheduleResult{}, err
	}
	unlock := f.lockDevice(candidate.DeviceID)
	defer unlock()

	conflicts, err := f.detector.FindConflicts(ctx, candidate.DeviceID, candidate.Window)
	if err != nil {
		return ScheduleResult{}, err
	}
	if len(conflicts) > 0 {
		f.metrics.IncSchedule("schedule", "conflict")
		f.log.Info().
			Str("event_id", candidate.ID).
			Str("device_id", candidate.DeviceID).
			Int("conflicts", len(conflicts)).
			Msg("booking rejected: device already booked")
		return ScheduleResult{Conflicts: conflicts}, nil
	}

	stored, err := f.upsert(ctx, p)
	if err != nil {
		return ScheduleResult{}, err
	}
	f.metrics.IncSchedule("schedule", "accepted")
	f.log.Info().
		Str("event_id", stored.ID).
		Str("device_id", stored.DeviceID).
		Time("start", stored.Window.Start).
		Time("end", stored.Window.End).
		Msg("event scheduled")
	return ScheduleResult{Event: stored, Accepted: true}, nil
}

// Reschedule applies p to an existing event after checking the resulting
// window against the other bookings on the target device. A move between
// devices holds both the source and the target device.
func (f *Facade) Reschedule(ctx context.Context, p EventPatch) (ScheduleResult, error) {
	for attempt := 0; ; attempt++ {
		current, err := f.store.Get(ctx, p.ID)
		if err != nil {
			return ScheduleResult{}, err
		}
		target := current.DeviceID
		if p.DeviceID != nil {
			target = strings.TrimSpace(*p.DeviceID)
		}

		unlock := f.lockDevices(current.DeviceID, target)
		res, retry, err := f.rescheduleLocked(ctx, p, current.DeviceID)
		unlock()
		if !retry {
			return res, err
		}
		if attempt >= 2 {
			return ScheduleResult{}, fmt.Errorf("reschedule %s: event keeps moving between devices", p.ID)
		}
	}
}

func (f *Facade) rescheduleLocked(ctx context.Context, p EventPatch, source string) (ScheduleResult, bool, error) {
	current, err := f.store.Get(ctx, p.ID)
	if err != nil {
		return ScheduleResult{}, false, err
	}
	if f.serialize && current.DeviceID != source {
		// Moved to another device between the read and the lock.
		return ScheduleResult{}, true, nil
	}
	candidate, err := Apply(&current, p)
	if err != nil {
		return ScheduleResult{}, false, err
	}

	conflicts, err := f.detector.FindConflicts(ctx, candidate.DeviceID, candidate.Window, candidate.ID)
	if err != nil {
		return ScheduleResult{}, false, err
	}
	if len(conflicts) > 0 {
		f.metrics.IncSchedule("reschedule", "conflict")
		f.log.Info().
			Str("event_id", p.ID).
			Str("device_id", candidate.DeviceID).
			Int("conflicts", len(conflicts)).
			Msg("reschedule rejected: device already booked")
		return ScheduleResult{Conflicts: conflicts}, false, nil
	}

	stored, err := f.upsert(ctx, p)
	if err != nil {
		return ScheduleResult{}, false, err
	}
	f.metrics.IncSchedule("reschedule", "accepted")
	f.log.Info().Str("event_id", stored.ID).Str("device_id", stored.DeviceID).Msg("event rescheduled")
	return ScheduleResult{Event: stored, Accepted: true}, false, nil
}

// Index writes p without a conflict check. Callers use it to override a
// reported conflict or to update fields that do not move the booking.
func (f *Facade) Index(ctx context.Context, p EventPatch) (Event, error) {
	stored, err := f.upsert(ctx, p)
	if err != nil {
		return Event{}, err
	}
	f.metrics.IncSchedule("index", "forced")
	return stored, nil
}

func (f *Facade) upsert(ctx context.Context, p EventPatch) (Event, error) {
	stored, err := f.store.Upsert(ctx, p)
	if err != nil {
		return Event{}, err
	}
	f.metrics.IncEventMutation("upsert")
	return stored, nil
}

func (f *Facade) Delete(ctx context.Context, id string) error {
	if err := f.store.Delete(ctx, id); err != nil {
		return err
	}
	f.metrics.IncEventMutation("delete")
	f.log.Info().Str("event_id", id).Msg("event tombstoned")
	return nil
}

func (f *Facade) AttachProperties(ctx context.Context, id string, props map[string]string) (Event, error) {
	e, err := f.store.AttachProperties(ctx, id, props)
	if err != nil {
		return Event{}, err
	}
	f.metrics.IncEventMutation("attach_properties")
	return e, nil
}

func (f *Facade) Get(ctx context.Context, id string) (Event, error) {
	return f.store.Get(ctx, id)
}

func (f *Facade) Query(ctx context.Context, filter Filter) ([]Event, error) {
	return f.store.Query(ctx, filter)
}

func (f *Facade) LastModified(ctx context.Context, filter Filter) (time.Time, bool, error) {
	filter.ModifiedAfter = nil
	return f.store.LastModified(ctx, filter)
}

// FindConflicts is the advisory check without booking anything.
func (f *Facade) FindConflicts(ctx context.Context, deviceID string, w Window, exclude ...string) ([]Event, error) {
	return f.detector.FindConflicts(ctx, deviceID, w, exclude...)
}

// Sync returns the events matching filter that changed after since, and the
// stamp the client should pass as since next time. A zero since returns
// everything. The stamp is read before the events so a write racing with
// the call is delivered again rather than lost. Stores that implement
// Watermarker cap the returned stamp below writes still in flight.
func (f *Facade) Sync(ctx context.Context, filter Filter, since time.Time) (SyncResult, error) {
	lm, ok, err := f.LastModified(ctx, filter)
	if err != nil {
		return SyncResult{}, fmt.Errorf("last modified: %w", err)
	}
	if wm, isWatermarker := f.store.(Watermarker); ok && isWatermarker {
		settled, err := wm.Watermark(ctx)
		if err != nil {
			return SyncResult{}, fmt.Errorf("watermark: %w", err)
		}
		if lm.After(settled) {
			lm = settled
		}
	}

	if !since.IsZero() {
		s := since
		filter.ModifiedAfter = &s
	}
	events, err := f.store.Query(ctx, filter)
	if err != nil {
		return SyncResult{}, fmt.Errorf("query changed events: %w", err)
	}

	return SyncResult{Events: events, LastModified: lm, HasLastModified: ok}, nil
}

// Transition moves the recording job of eventID to state and persists it.
// The first report for an event starts from UNKNOWN.
//
// When state is not a legal successor the error wraps
// recording.ErrIllegalTransition and the returned job is the current,
// unchanged one, so callers can report where the recording actually is.
// For every other error the returned job is zero.
func (f *Facade) Transition(ctx context.Context, eventID string, state recording.State) (recording.Job, error) {
	unlock := f.jobLocks.Lock(eventID)
	defer unlock()

	if _, err := f.store.Get(ctx, eventID); err != nil {
		return recording.Job{}, err
	}

	job, err := f.store.GetRecording(ctx, eventID)
	if errors.Is(err, ErrNotFound) {
		job = recording.NewJob(eventID)
	} else if err != nil {
		return recording.Job{}, err
	}

	next, err := recording.Transition(job, state, NextStamp(job.LastModified, f.now()))
	if err != nil {
		f.log.Warn().
			Str("event_id", eventID).
			Str("from", job.State.String()).
			Str("to", state.String()).
			Msg("illegal recording transition rejected")
		return job, err
	}
	if err := f.store.PutRecording(ctx, next); err != nil {
		return recording.Job{}, fmt.Errorf("store recording state: %w", err)
	}

	significant := recording.IsSignificant(next.State)
	f.metrics.IncRecordingTransition(next.State.String(), significant)
	if significant && f.notifier != nil {
		if err := f.notifier.PublishRecordingState(ctx, next); err != nil {
			f.log.Warn().Err(err).Str("event_id", eventID).Msg("failed to publish recording state")
		}
	}
	return next, nil
}

func (f *Facade) Recording(ctx context.Context, eventID string) (recording.Job, error) {
	if _, err := f.store.Get(ctx, eventID); err != nil {
		return recording.Job{}, err
	}
	return f.store.GetRecording(ctx, eventID)
}

// Heartbeat forwards an agent ping to the registry.
func (f *Facade) Heartbeat(ctx context.Context, name, state string) (agents.Agent, error) {
	a, err := f.registry.Heartbeat(ctx, name, state)
	if err != nil {
		return agents.Agent{}, err
	}
	f.metrics.IncHeartbeat()
	return a, nil
}

func (f *Facade) Agent(ctx context.Context, name string) (agents.Agent, error) {
	return f.registry.Get(ctx, name)
}

func (f *Facade) Agents(ctx context.Context) ([]agents.Agent, error) {
	return f.registry.List(ctx)
}

func (f *Facade) UpdateAgent(ctx context.Context, name string, p agents.AgentPatch) (agents.Agent, error) {
	return f.registry.Update(ctx, name, p)
}

func (f *Facade) IsStale(ctx context.Context, name string, timeout time.Duration) (bool, error) {
	return f.registry.IsStale(ctx, name, timeout)
}
