package ecupulse

import (
	"time"

	"github.com/pkg/errors"
)

// ResultState classifies the outcome of a diagnostic query.
type ResultState int

const (
	// StatePending means the adapter has not answered yet; the caller
	// must poll again on its next tick and must not advance.
	StatePending ResultState = iota
	// StateDone carries the raw payload bytes of a successful read.
	StateDone
	// StateFailed is a terminal error; the read will not complete.
	StateFailed
)

// Result is the tri-state answer of a diagnostic query, modeled as a
// value rather than a status field read after the call.
type Result struct {
	State ResultState
	Data  []byte
	Err   error
}

func PendingResult() Result         { return Result{State: StatePending} }
func DoneResult(data []byte) Result { return Result{State: StateDone, Data: data} }
func FailedResult(err error) Result { return Result{State: StateFailed, Err: err} }

var (
	// ErrQueryTimeout converts a request stuck in StatePending into a
	// terminal failure.
	ErrQueryTimeout = errors.New("query timed out")
	// ErrNoQuery is returned by Poll when nothing is in flight.
	ErrNoQuery = errors.New("no query in flight")
)

const (
	queryTimeout     = 2 * time.Second
	execPollInterval = 10 * time.Millisecond
)

// QueryEngine issues one diagnostic request at a time and classifies
// the outcome. It owns the per-query timeout; the port below it does
// not time out on its own.
type QueryEngine struct {
	port    DiagnosticPort
	timeout time.Duration
	now     func() time.Time

	inFlight bool
	pid      uint8
	started  time.Time
}

func NewQueryEngine(port DiagnosticPort) *QueryEngine {
	return &QueryEngine{
		port:    port,
		timeout: queryTimeout,
		now:     time.Now,
	}
}

func (e *QueryEngine) InFlight() bool { return e.inFlight }

// Query starts a single request for pid. A request error is terminal.
func (e *QueryEngine) Query(pid uint8) error {
	if err := e.port.Request(pid); err != nil {
		return errors.Wrapf(err, "unable to request pid %#02x", pid)
	}
	e.inFlight = true
	e.pid = pid
	e.started = e.now()
	return nil
}

// Poll reports the state of the request in flight. A request pending
// for longer than the query timeout becomes a terminal failure.
func (e *QueryEngine) Poll() Result {
	if !e.inFlight {
		return FailedResult(ErrNoQuery)
	}
	res := e.port.Poll()
	if res.State == StatePending {
		if e.now().Sub(e.started) > e.timeout {
			e.inFlight = false
			return FailedResult(errors.Wrapf(ErrQueryTimeout, "pid %#02x", e.pid))
		}
		return res
	}
	e.inFlight = false
	return res
}

// Exec drives a query to a terminal outcome. Used where a whole read
// must happen inside one tick (capability probes, incremental policy);
// the query timeout bounds how long it can spin.
func (e *QueryEngine) Exec(pid uint8) Result {
	if err := e.Query(pid); err != nil {
		return FailedResult(err)
	}
	for {
		res := e.Poll()
		if res.State != StatePending {
			return res
		}
		time.Sleep(execPollInterval)
	}
}

// Reset abandons any request in flight. Used when the adapter link is
// reestablished and a stale answer could otherwise be matched against
// the wrong query.
func (e *QueryEngine) Reset() {
	e.inFlight = false
}
