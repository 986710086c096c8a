package ecupulse

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrLinkNotReady marks a tick skipped because an external link is
	// down; retried on the next tick.
	ErrLinkNotReady = errors.New("link not ready")
	// ErrSnapshotInvalid marks a transmission skipped because the
	// snapshot has not been blessed by the consistency policy.
	ErrSnapshotInvalid = errors.New("snapshot not valid")
	// ErrCycleIncomplete marks a transmission skipped under the atomic
	// policy because no unconsumed completed pass exists.
	ErrCycleIncomplete = errors.New("no completed cycle")
)

// AgentConfig is the externally supplied tuning of the agent core,
// consumed read-only.
type AgentConfig struct {
	PollInterval time.Duration
	SendInterval time.Duration
	Policy       Policy
}

// Status is the state the agent exposes for an external logger; the
// agent itself never renders it.
type Status struct {
	NetworkReady bool
	AdapterReady bool
	Discovered   bool
	ProbeErrors  int
	CycleStep    int
	SendFailures int
	LastError    error
}

// FailureCounter is implemented by forwarders that track consecutive
// delivery failures.
type FailureCounter interface {
	ConsecutiveFailures() int
}

// Agent owns the acquisition-and-transmission pipeline: capability
// discovery, the query cycle, derived metrics, and the decision of
// when a snapshot may be handed to the forwarder. All mutation happens
// on the tick goroutine; there is no locking because there is no
// concurrent owner.
type Agent struct {
	cfg    AgentConfig
	links  LinkSupervisor
	engine *QueryEngine
	caps   *CapabilityMap
	cycle  *AcquisitionCycle
	fwd    Forwarder

	start      time.Time
	discovered bool
	lastErr    error
}

func NewAgent(cfg AgentConfig, port DiagnosticPort, links LinkSupervisor, fwd Forwarder) *Agent {
	a := &Agent{
		cfg:    cfg,
		links:  links,
		engine: NewQueryEngine(port),
		caps:   &CapabilityMap{},
		fwd:    fwd,
		start:  time.Now(),
	}
	a.cycle = NewAcquisitionCycle(cfg.Policy, a.engine, a.caps, a.uptimeMillis)
	return a
}

func (a *Agent) uptimeMillis() int64 {
	return time.Since(a.start).Milliseconds()
}

// AcqTick runs one acquisition step. Never blocks past the query
// timeout.
func (a *Agent) AcqTick() {
	if !a.links.AdapterReady() {
		a.lastErr = ErrLinkNotReady
		if a.discovered {
			// the capability map belongs to the dropped connection
			a.discovered = false
			a.cycle.Reset()
		}
		a.links.RequestAdapterReconnect()
		log.Debug("acquisition skipped: adapter link not ready")
		return
	}
	if !a.discovered {
		a.caps.Discover(a.engine)
		a.discovered = true
	}
	a.cycle.Tick()
	if err := a.cycle.LastError(); err != nil {
		a.lastErr = err
	}
}

// SendTick attempts one transmission. Skips, each for a distinct
// reason, when the network link is down, when the atomic policy has no
// unconsumed completed pass, or when the snapshot is not valid.
func (a *Agent) SendTick() {
	if !a.links.NetworkReady() {
		a.lastErr = ErrLinkNotReady
		a.links.RequestNetworkReconnect()
		log.Debug("transmission skipped: network link not ready")
		return
	}
	snap := a.cycle.Snapshot()
	if a.cfg.Policy == PolicyAtomic {
		if !a.cycle.Completed() {
			a.lastErr = ErrCycleIncomplete
			log.Debug("transmission skipped: no completed cycle")
			return
		}
		snap = a.cycle.Consume()
	}
	if !snap.Valid {
		a.lastErr = ErrSnapshotInvalid
		log.Debug("transmission skipped: snapshot not valid")
		return
	}
	if err := a.fwd.Forward(snap); err != nil {
		a.lastErr = err
		log.WithField("err", err).Warn("unable to forward snapshot")
	}
}

// Run drives the two tick loops from independent timers until ctx is
// cancelled. Transmission is deliberately not driven by acquisition
// completion; it sends whatever state the policy allows.
func (a *Agent) Run(ctx context.Context) error {
	acq := time.NewTicker(a.cfg.PollInterval)
	defer acq.Stop()
	send := time.NewTicker(a.cfg.SendInterval)
	defer send.Stop()
	status := time.NewTicker(statusInterval)
	defer status.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-acq.C:
			a.AcqTick()
		case <-send.C:
			a.SendTick()
		case <-status.C:
			a.logStatus()
		}
	}
}

const statusInterval = 30 * time.Second

func (a *Agent) logStatus() {
	st := a.Status()
	log.WithFields(log.Fields{
		"networkReady": st.NetworkReady,
		"adapterReady": st.AdapterReady,
		"discovered":   st.Discovered,
		"probeErrors":  st.ProbeErrors,
		"cycleStep":    st.CycleStep,
		"sendFailures": st.SendFailures,
		"lastError":    st.LastError,
	}).Info("agent status")
}

// Status reports the agent's observable state for external rendering.
func (a *Agent) Status() Status {
	st := Status{
		NetworkReady: a.links.NetworkReady(),
		AdapterReady: a.links.AdapterReady(),
		Discovered:   a.caps.Discovered(),
		ProbeErrors:  a.caps.ProbeErrors(),
		CycleStep:    a.cycle.Step(),
		LastError:    a.lastErr,
	}
	if fc, ok := a.fwd.(FailureCounter); ok {
		st.SendFailures = fc.ConsecutiveFailures()
	}
	return st
}
