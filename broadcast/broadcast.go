// Package broadcast implements BroadcastClient (C8): fan a single call
// out to a caller-chosen subset of a fleet in parallel and collect one
// classified result per host.
//
// New component — the worker-pool-with-direct-handoff idiom is grounded
// on the server dispatcher's own pool (see workerpool, built for C5) and
// on the teacher's middleware.RateLimitMiddleware discipline of
// constructing shared state once, outside the hot path, rather than per
// call.
package broadcast

import (
	"sync"
	"time"

	"github.com/driftloom/corerpc/clientlist"
	"github.com/driftloom/corerpc/directclient"
	"github.com/driftloom/corerpc/monitor"
	"github.com/driftloom/corerpc/rpclog"
	"github.com/driftloom/corerpc/workerpool"
)

// DefaultMaxWorkers is the broadcast pool's concurrency ceiling (spec.md
// §4.8: "zero-core, maximumPoolSize max, direct handoff", default 500).
const DefaultMaxWorkers = 500

// Kind classifies one host's broadcast outcome.
type Kind int

const (
	// Success means the call completed and returned a result.
	Success Kind = iota
	// UnknownHost means the caller named a host this client's fleet was
	// never configured with.
	UnknownHost
	// InvalidHost means the host is configured but currently has no live
	// client (down, draining, or mid-rescue).
	InvalidHost
	// Error means dispatch was attempted and failed — RPC error, timeout,
	// too-busy, or local pool rejection.
	Error
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "SUCCESS"
	case UnknownHost:
		return "UNKNOWN_HOST"
	case InvalidHost:
		return "INVALID_HOST"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Response is one host's classified broadcast outcome.
type Response struct {
	Kind   Kind
	Result interface{}
	Err    error
}

// Listener observes broadcast outcomes as they complete, each firing
// exactly once per host (spec.md §4.8).
type Listener interface {
	OnSuccess(host string, result interface{})
	OnFail(host string, resp Response)
}

// Options configures a Client.
type Options struct {
	MaxWorkers int // default DefaultMaxWorkers
	Listener   Listener
	Sinks      *monitor.Sinks
}

// Client fans calls out across a subset of a clientlist.List's fleet.
type Client struct {
	list      *clientlist.List
	hostIndex map[string]int
	pool      *workerpool.Pool
	listener  Listener
}

// New builds a broadcast Client over list. hostIndex is derived from
// list.Hosts() so Execute can tell a never-configured host apart from a
// configured-but-currently-dead one.
func New(list *clientlist.List, opts Options) *Client {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}

	idx := make(map[string]int, list.Len())
	for i, h := range list.Hosts() {
		idx[h] = i
	}

	var poolSink workerpool.Sink
	if opts.Sinks != nil && opts.Sinks.Pool != nil {
		poolSink = opts.Sinks.Pool
	}

	return &Client{
		list:      list,
		hostIndex: idx,
		pool:      workerpool.New("broadcast", opts.MaxWorkers, poolSink),
		listener:  opts.Listener,
	}
}

// Execute dispatches call to every host in hosts concurrently and
// returns one Response per host once every host has resolved.
// UNKNOWN_HOST and INVALID_HOST results are classified synchronously
// without ever touching the worker pool, per spec.md §4.8.
func (c *Client) Execute(hosts []string, call directclient.Call) map[string]Response {
	results := make(map[string]Response, len(hosts))
	var mu sync.Mutex
	var wg sync.WaitGroup

	set := func(host string, resp Response) {
		mu.Lock()
		results[host] = resp
		mu.Unlock()
		c.notify(host, resp)
	}

	for _, host := range hosts {
		idx, known := c.hostIndex[host]
		if !known {
			set(host, Response{Kind: UnknownHost})
			continue
		}

		dc := c.list.Get(idx)
		if dc == nil {
			set(host, Response{Kind: InvalidHost})
			continue
		}

		wg.Add(1)
		host, dc := host, dc
		submitted := c.pool.TrySubmit(func() {
			defer wg.Done()
			result, err := dc.Execute(call)
			if err != nil {
				set(host, Response{Kind: Error, Err: err})
				return
			}
			set(host, Response{Kind: Success, Result: result})
		})
		if !submitted {
			wg.Done()
			set(host, Response{Kind: Error, Err: directclient.ErrTooBusy})
		}
	}

	wg.Wait()
	return results
}

// ExecuteTimeout is Execute with an overall deadline. If the deadline
// passes before Execute returns, every host in hosts is reported as
// Error with ErrTimeout, including hosts that had already resolved; no
// partial results are returned, and the abandoned Execute keeps running
// in the background (its listener callbacks still fire). A per-call
// timeout should normally be set on call
// itself instead — this exists for callers that need a hard ceiling on
// Execute's own wall-clock time regardless of individual call timeouts.
func (c *Client) ExecuteTimeout(hosts []string, call directclient.Call, timeout time.Duration) map[string]Response {
	done := make(chan map[string]Response, 1)
	go func() { done <- c.Execute(hosts, call) }()

	select {
	case results := <-done:
		return results
	case <-time.After(timeout):
		partial := make(map[string]Response, len(hosts))
		for _, host := range hosts {
			partial[host] = Response{Kind: Error, Err: directclient.ErrTimeout}
		}
		return partial
	}
}

func (c *Client) notify(host string, resp Response) {
	if c.listener == nil {
		return
	}
	rpclog.Safe(rpclog.NewNop().ClientError, "broadcast listener", func() {
		if resp.Kind == Success {
			c.listener.OnSuccess(host, resp.Result)
			return
		}
		c.listener.OnFail(host, resp)
	})
}
