package ecupulse

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Policy selects how the acquisition cycle decides a snapshot is
// trustworthy enough to transmit.
type Policy int

const (
	// PolicyAtomic only blesses a snapshot after a full pass over the
	// parameter sequence, and the forwarder consumes at most one
	// snapshot per completed pass. Favors cross-field coherence.
	PolicyAtomic Policy = iota
	// PolicyIncremental attempts every supported parameter each tick
	// and blesses the snapshot as soon as any field was refreshed.
	// Favors latency and resilience to a single failing sensor.
	PolicyIncremental
)

// ParsePolicy maps the config string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "atomic":
		return PolicyAtomic, nil
	case "incremental":
		return PolicyIncremental, nil
	}
	return PolicyAtomic, errors.Errorf("unknown policy %q", s)
}

// AcquisitionCycle walks the fixed parameter sequence, one query in
// flight at a time, accumulating readings into a single snapshot. It
// advances on every terminal outcome and never while a query is
// pending. All per-parameter errors are absorbed here.
type AcquisitionCycle struct {
	policy Policy
	engine *QueryEngine
	caps   *CapabilityMap
	clock  func() int64 // milliseconds since agent start

	snap      Snapshot
	step      int
	queried   int
	completed bool
	lastErr   error
}

func NewAcquisitionCycle(policy Policy, engine *QueryEngine, caps *CapabilityMap, clock func() int64) *AcquisitionCycle {
	return &AcquisitionCycle{
		policy: policy,
		engine: engine,
		caps:   caps,
		clock:  clock,
	}
}

func (c *AcquisitionCycle) Snapshot() *Snapshot { return &c.snap }
func (c *AcquisitionCycle) Completed() bool     { return c.completed }
func (c *AcquisitionCycle) Step() int           { return c.step }

// LastError reports the most recent absorbed per-parameter error, for
// status rendering only.
func (c *AcquisitionCycle) LastError() error { return c.lastErr }

// Consume hands the snapshot to the forwarder and lowers the completed
// flag, so each completed pass is transmitted at most once.
func (c *AcquisitionCycle) Consume() *Snapshot {
	c.completed = false
	return &c.snap
}

// Reset abandons the pass in progress. Called when the adapter link
// drops: readings gathered across a reconnect must not be blessed as
// one coherent cycle.
func (c *AcquisitionCycle) Reset() {
	c.engine.Reset()
	c.step = 0
	c.queried = 0
	c.completed = false
	c.snap.Valid = false
}

// Tick runs one non-blocking acquisition step under the configured
// policy.
func (c *AcquisitionCycle) Tick() {
	if c.policy == PolicyIncremental {
		c.tickIncremental()
		return
	}
	c.tickAtomic()
}

func (c *AcquisitionCycle) tickAtomic() {
	if c.engine.InFlight() {
		res := c.engine.Poll()
		switch res.State {
		case StatePending:
			return
		case StateDone:
			c.writeStep(c.step, res.Data)
		case StateFailed:
			// skip the reading, keep the stale field, still advance
			c.lastErr = res.Err
			log.WithField("step", cycleSteps[c.step].name).WithField("err", res.Err).
				Debug("parameter read failed")
		}
		c.advance()
		return
	}

	// Issue the next query. Parameters the ECU does not support are
	// skipped without a query and without touching their fields.
	for {
		st := &cycleSteps[c.step]
		if !c.caps.Supported(st.pid) {
			if c.advance() {
				return
			}
			continue
		}
		if err := c.engine.Query(st.pid); err != nil {
			c.lastErr = err
			if c.advance() {
				return
			}
			continue
		}
		c.queried++
		return
	}
}

// advance moves to the next step, closing the pass when the terminal
// step has yielded. Reports whether the pass wrapped.
func (c *AcquisitionCycle) advance() bool {
	c.step++
	if c.step < len(cycleSteps) {
		return false
	}
	c.step = 0
	c.finishPass()
	return true
}

func (c *AcquisitionCycle) finishPass() {
	if c.queried == 0 {
		// nothing was readable this pass; an all-default snapshot is
		// not worth blessing
		return
	}
	c.queried = 0
	c.snap.Timestamp = c.clock()
	c.derive()
	c.snap.Valid = true
	c.completed = true
}

func (c *AcquisitionCycle) tickIncremental() {
	updated := false
	for i := range cycleSteps {
		st := &cycleSteps[i]
		if !c.caps.Supported(st.pid) {
			continue
		}
		res := c.engine.Exec(st.pid)
		if res.State != StateDone {
			c.lastErr = res.Err
			log.WithField("step", st.name).WithField("err", res.Err).
				Debug("parameter read failed")
			continue
		}
		if c.writeStep(i, res.Data) {
			updated = true
		}
	}
	if !updated {
		return
	}
	c.snap.Timestamp = c.clock()
	c.derive()
	c.snap.Valid = true
}

func (c *AcquisitionCycle) writeStep(i int, data []byte) bool {
	st := &cycleSteps[i]
	if len(data) < st.size {
		c.lastErr = errors.Wrapf(ErrShortResponse, "pid %#02x", st.pid)
		return false
	}
	st.write(&c.snap, st.decode(data))
	return true
}

// derive refreshes the computed fields. The gear estimate already
// reports 0 for a stationary vehicle, so it is always recomputed; the
// fuel rate is only written while air flow is being measured, leaving
// the previous value in place otherwise.
func (c *AcquisitionCycle) derive() {
	c.snap.Gear = EstimateGear(c.snap.Speed, float64(c.snap.RPM))
	if c.snap.MAFRate > 0 {
		c.snap.FuelRate = FuelRateLPH(c.snap.MAFRate)
	}
}
