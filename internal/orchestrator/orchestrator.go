// Package orchestrator holds a collection of Protocol Engines and
// multiplexes TCP accept readiness across them, per spec §4.G.
//
// Grounded on orbstack-swift-nio's top-level service manager (cmd/vmgrd's
// run loop starting and polling every registered vnet service) and on
// spec §4.G's wait_for_request pseudocode.
package orchestrator

import (
	"net"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/liuyug/ndrop/internal/node"
	"github.com/liuyug/ndrop/internal/protoengine"
)

// ReadinessPoll is how long one pass of the run loop waits on each engine's
// listener for an inbound connection (spec §4.G).
const ReadinessPoll = 500 * time.Millisecond

// Orchestrator runs zero or more Engines concurrently and serializes their
// TCP accept handling through a single readiness loop.
type Orchestrator struct {
	mu      sync.Mutex
	engines []*protoengine.Engine
	log     *logrus.Entry

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs an Orchestrator over the given engines. Engines are not
// started until Run is called.
func New(engines ...*protoengine.Engine) *Orchestrator {
	return &Orchestrator{
		engines: engines,
		log:     logrus.WithField("component", "orchestrator"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Peers merges the peer tables of every held engine.
func (o *Orchestrator) Peers() []node.Node {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []node.Node
	for _, e := range o.engines {
		out = append(out, e.Peers()...)
	}
	return out
}

// Run starts every engine and then loops, polling each engine's listener in
// turn for up to ReadinessPoll and running one accept_once on each that has
// a pending connection, until Stop is called (spec §4.G
// wait_for_request). Bind failures are reported to Sentry, if configured,
// and returned immediately.
func (o *Orchestrator) Run() error {
	for _, e := range o.engines {
		if err := e.Start(); err != nil {
			o.log.WithError(err).Error("engine failed to start")
			sentry.CaptureException(err)
			return err
		}
	}
	defer close(o.doneCh)

	for {
		select {
		case <-o.stopCh:
			return o.shutdown()
		default:
		}

		for _, e := range o.engines {
			err := e.AcceptOnce(ReadinessPoll)
			if err != nil && !isTimeout(err) {
				o.log.WithError(err).Warn("accept failed")
			}
		}
	}
}

// Stop requests the run loop to finalize and exit, and blocks until it has.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
	<-o.doneCh
}

func (o *Orchestrator) shutdown() error {
	var firstErr error
	for _, e := range o.engines {
		if err := e.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
