package ecupulse

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var reopenSleep = time.Second

// Retryable is a link endpoint the supervisor keeps open. Close must
// tolerate being called before a successful Open.
type Retryable interface {
	Open() error
	Close() error
	Name() string
}

// Link supervises one Retryable: it opens it, reopens it after an
// error or an explicit reconnect request, and exposes the ready flag
// the agent gates its ticks on.
type Link struct {
	r         Retryable
	ready     atomic.Bool
	reconnect chan struct{}
}

func NewLink(r Retryable) *Link {
	return &Link{
		r:         r,
		reconnect: make(chan struct{}, 1),
	}
}

func (l *Link) Ready() bool { return l.ready.Load() }

// RequestReconnect asks the supervisor loop to drop and reopen the
// link. Non-blocking; duplicate requests collapse into one.
func (l *Link) RequestReconnect() {
	select {
	case l.reconnect <- struct{}{}:
	default:
	}
}

// Run keeps the link open until ctx is cancelled.
func (l *Link) Run(ctx context.Context) error {
	errStarting := errors.New("starting")
	err := errStarting
	for {
		select {
		case <-ctx.Done():
			l.close()
			return ctx.Err()
		default:
		}
		if err != nil {
			if err != errStarting {
				log.WithField("err", err).Errorf("%s: reconnecting due to error", l.r.Name())
				l.close()
				time.Sleep(reopenSleep)
			}
			if err = l.r.Open(); err != nil {
				continue
			}
			l.ready.Store(true)
			log.Infof("%s: link ready", l.r.Name())
		}
		select {
		case <-ctx.Done():
			l.close()
			return ctx.Err()
		case <-l.reconnect:
			err = errors.New("reconnect requested")
		}
	}
}

func (l *Link) close() {
	l.ready.Store(false)
	if err := l.r.Close(); err != nil {
		log.WithField("err", err).Warnf("%s: unable to close", l.r.Name())
	}
}

// Supervisor pairs the network link and the diagnostic-adapter link
// behind the LinkSupervisor boundary.
type Supervisor struct {
	network *Link
	adapter *Link
}

func NewSupervisor(network, adapter Retryable) *Supervisor {
	return &Supervisor{
		network: NewLink(network),
		adapter: NewLink(adapter),
	}
}

// Start launches both supervision loops.
func (s *Supervisor) Start(ctx context.Context) {
	go func() { _ = s.network.Run(ctx) }()
	go func() { _ = s.adapter.Run(ctx) }()
}

func (s *Supervisor) NetworkReady() bool       { return s.network.Ready() }
func (s *Supervisor) AdapterReady() bool       { return s.adapter.Ready() }
func (s *Supervisor) RequestNetworkReconnect() { s.network.RequestReconnect() }
func (s *Supervisor) RequestAdapterReconnect() { s.adapter.RequestReconnect() }
