package relayer

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Klingon-tech/klingdex-relay/pkg/logging"
)

// DefaultRedispatchInterval is how often created executions are retried.
const DefaultRedispatchInterval = 10 * time.Second

// redispatcher hands reset executions back out. It runs on a ticker and
// whenever it is kicked, which happens when a resolver registers or one is
// lost with work in flight.
type redispatcher struct {
	d        *Dispatcher
	interval time.Duration
	clock    clock.Clock
	log      *logging.Logger
	kick     chan struct{}
}

func newRedispatcher(d *Dispatcher, interval time.Duration, clk clock.Clock) *redispatcher {
	if interval <= 0 {
		interval = DefaultRedispatchInterval
	}
	return &redispatcher{
		d:        d,
		interval: interval,
		clock:    clk,
		log:      logging.GetDefault().Component("redispatch"),
		kick:     make(chan struct{}, 1),
	}
}

// Kick requests a pass without waiting for the ticker. Kicks coalesce.
func (r *redispatcher) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run loops until ctx is done.
func (r *redispatcher) Run(ctx context.Context) {
	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	r.log.Info("Re-dispatcher started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.kick:
		}
		r.d.RedispatchPending()
	}
}
