// Package cluster implements Client: round-robin dispatch over a
// clientlist.List with a warm-up admission filter for freshly rescued
// hosts and too-busy retry.
//
// It composes a stateless round-robin pick with clientlist.List's
// liveness tracking and adds a probabilistic warm-up filter: a host
// that just came back from rescue is skipped with decaying probability
// so it isn't immediately swamped with the fleet's full traffic share.
package cluster

import (
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/driftloom/corerpc/clientlist"
	"github.com/driftloom/corerpc/directclient"
	"github.com/driftloom/corerpc/monitor"
)

// warmUpStep is one band of the skip-probability table.
type warmUpStep struct {
	max  time.Duration
	skip float64
}

// warmUpTable is the skip-probability schedule: a host rescued under
// 15s ago is skipped 70% of the time, tapering to 0 by 60s.
var warmUpTable = []warmUpStep{
	{15 * time.Second, 0.70},
	{30 * time.Second, 0.50},
	{45 * time.Second, 0.30},
	{60 * time.Second, 0.10},
}

// skipProbability returns the admission-filter skip chance for a host
// rescued at rescueTime (unix millis, 0 meaning "never rescued, treat
// as warm").
func skipProbability(rescueTime int64) float64 {
	if rescueTime == 0 {
		return 0
	}
	age := time.Since(time.UnixMilli(rescueTime))
	for _, step := range warmUpTable {
		if age < step.max {
			return step.skip
		}
	}
	return 0
}

// MaxTooBusyRetries bounds the additional attempts made after a
// TOO_BUSY response.
const MaxTooBusyRetries = 3

// Client dispatches calls across a fixed fleet with round robin
// selection, warm-up admission control, and too-busy retry.
type Client struct {
	list    *clientlist.List
	counter atomic.Int64
	sink    monitor.ClusterSink
}

// Options configures a Client at construction. The zero value is valid:
// a nil Sink means cluster unavailability is simply not reported.
type Options struct {
	Sink monitor.ClusterSink
}

// New wraps an already-built clientlist.List. opts is variadic so
// existing callers can keep writing New(list); passing more than one
// Options only the first is honored.
func New(list *clientlist.List, opts ...Options) *Client {
	c := &Client{list: list}
	if len(opts) > 0 {
		c.sink = opts[0].Sink
	}
	return c
}

// next returns the round-robin slot index and advances the counter.
func (c *Client) next() int {
	n := c.list.Len()
	i := c.counter.Add(1)
	idx := int(i % int64(n))
	if idx < 0 {
		idx += n
	}
	return idx
}

// pick runs the round-robin + warm-up admission loop: it tries up to N
// slots (N == fleet size), skipping warm-up-filtered hosts
// probabilistically, then forces the next candidate through regardless
// of warm-up if every slot was skipped.
func (c *Client) pick() *directclient.DirectClient {
	n := c.list.Len()
	for attempt := 0; attempt < n; attempt++ {
		idx := c.next()
		rescueTime := c.list.RescueTime(idx)
		if rescueTime != 0 && rand.Float64() < skipProbability(rescueTime) {
			continue
		}
		if dc := c.list.OrAvailableClient(idx); dc != nil {
			return dc
		}
	}
	// Every slot was either warm-up-skipped or dead; force through the
	// next pick regardless of warm-up so the fleet always makes
	// progress instead of starving.
	idx := c.next()
	return c.list.OrAvailableClient(idx)
}

// Execute dispatches call to a round-robin selected, warm-up-admitted
// host, retrying up to MaxTooBusyRetries additional times on TOO_BUSY.
// Timeout and RPC errors are returned immediately, not retried.
func (c *Client) Execute(call directclient.Call) (interface{}, error) {
	var lastErr error
	for attempt := 0; attempt <= MaxTooBusyRetries; attempt++ {
		dc := c.pick()
		if dc == nil {
			if c.sink != nil {
				c.sink.IncUnavailable()
			}
			return nil, directclient.ErrIllegalState
		}
		result, err := dc.Execute(call)
		if err == nil {
			return result, nil
		}
		if err != directclient.ErrTooBusy {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
