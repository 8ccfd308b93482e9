package livenessworker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"capture_scheduler/core-go/internal/agents"
	"capture_scheduler/core-go/internal/metrics"
	"capture_scheduler/core-go/internal/snmpprobe"
)

// Registry is the slice of *agents.Registry the worker reads.
type Registry interface {
	List(ctx context.Context) ([]agents.Agent, error)
	Stale(a agents.Agent, timeout time.Duration) bool
}

// Prober checks a silent agent's host. *snmpprobe.Client satisfies it.
type Prober interface {
	Probe(ctx context.Context, host string) (snmpprobe.SystemInfo, error)
}

// Worker periodically sweeps the agent registry and reports agents that
// went silent or came back. It never changes registry state.
type Worker struct {
	log        zerolog.Logger
	registry   Registry
	prober     Prober
	interval   time.Duration
	staleAfter time.Duration
	metrics    *metrics.Metrics

	mu    sync.Mutex
	stale map[string]bool
}

type Options struct {
	Interval   time.Duration
	StaleAfter time.Duration
	// Prober is optional; without it silent agents are only logged.
	Prober Prober
}

func New(log zerolog.Logger, registry Registry, opts Options, m *metrics.Metrics) *Worker {
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	return &Worker{
		log:        log,
		registry:   registry,
		prober:     opts.Prober,
		interval:   interval,
		staleAfter: staleAfter,
		metrics:    m,
		stale:      make(map[string]bool),
	}
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.registry == nil {
		return
	}

	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	var consecutiveFailures int
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if _, err := w.Sweep(ctx); err != nil {
			consecutiveFailures++
			w.log.Warn().Err(err).Int("failures", consecutiveFailures).Msg("liveness sweep failed")
		} else {
			consecutiveFailures = 0
		}

		timer.Reset(backoffDuration(w.interval, consecutiveFailures))
	}
}

func backoffDuration(base time.Duration, failures int) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	if failures <= 0 {
		return base
	}

	// base * 2^failures, capped.
	if failures > 6 {
		failures = 6
	}
	d := base * time.Duration(1<<failures)
	if d > 10*time.Minute {
		return 10 * time.Minute
	}
	return d
}

type SweepResult struct {
	Checked    int
	Stale      int
	WentSilent []string
	Recovered  []string
}

// Sweep checks every registered agent once.
func (w *Worker) Sweep(ctx context.Context) (SweepResult, error) {
	started := time.Now()
	defer func() {
		w.metrics.IncLivenessSweep()
		w.metrics.ObserveLivenessSweepDuration(time.Since(started))
	}()

	list, err := w.registry.List(ctx)
	if err != nil {
		return SweepResult{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	res := SweepResult{Checked: len(list)}
	for _, a := range list {
		isStale := w.registry.Stale(a, w.staleAfter)
		wasStale := w.stale[a.Name]
		w.stale[a.Name] = isStale
		if isStale {
			res.Stale++
		}

		switch {
		case isStale && !wasStale:
			res.WentSilent = append(res.WentSilent, a.Name)
			w.reportSilent(ctx, a)
		case !isStale && wasStale:
			res.Recovered = append(res.Recovered, a.Name)
			w.log.Info().Str("agent", a.Name).Str("state", a.State).Msg("capture agent is reporting again")
		}
	}
	w.metrics.SetStaleAgents(res.Stale)
	return res, nil
}

func (w *Worker) reportSilent(ctx context.Context, a agents.Agent) {
	ev := w.log.Warn().
		Str("agent", a.Name).
		Str("last_state", a.State).
		Time("last_heard_from", a.LastHeardFrom).
		Dur("stale_after", w.staleAfter)

	if w.prober == nil {
		ev.Msg("capture agent went silent")
		return
	}
	host, ok := snmpprobe.HostFromURL(a.URL)
	if !ok {
		ev.Str("probe", "skipped").Msg("capture agent went silent")
		return
	}
	info, err := w.prober.Probe(ctx, host)
	if err != nil {
		ev.Str("host", host).Str("probe", "unreachable").AnErr("probe_error", err).Msg("capture agent went silent")
		return
	}
	ev = ev.Str("host", host).Str("probe", "reachable")
	if info.SysName != nil {
		ev = ev.Str("sys_name", *info.SysName)
	}
	if info.Uptime != nil {
		ev = ev.Dur("host_uptime", *info.Uptime)
	}
	ev.Msg("capture agent went silent")
}
