// Package clientlist implements List: a fixed-size fleet of direct
// clients with per-slot liveness tracking and a background rescue loop
// that re-dials a slot whose client died.
//
// The slot array is fixed at construction, one slot per configured
// host, and tracks atomic liveness: a dead slot is nulled immediately
// (either reactively, on the next Get, or proactively, via the direct
// client's own close notification) and refilled by a single background
// goroutine.
package clientlist

import (
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/driftloom/corerpc/directclient"
)

// ErrNoActiveClient is returned by New when not a single configured host
// could be dialed at construction time.
var ErrNoActiveClient = errors.New("clientlist: no host could be reached")

// DefaultRescueInterval is the sleep between rescue passes when at least
// one slot is still down after a full scan.
const DefaultRescueInterval = 5 * time.Second

// DialFunc connects to host, wiring onClosed so the List learns about a
// dead channel without waiting for the next lookup.
type DialFunc func(host string, onClosed directclient.ClosedListener) (*directclient.DirectClient, error)

// Listener observes slot transitions.
type Listener interface {
	// OnClosed fires when a slot's client is found dead, either reactively
	// (Get/GetAvailableClient) or proactively (the client's own close
	// callback). wasOffline reports whether the peer had announced
	// OFFLINE before the channel went down.
	OnClosed(host string, wasOffline bool)

	// OnRecovered fires when the rescue loop successfully re-dials host.
	OnRecovered(host string)
}

// List is a fixed-size fleet of direct clients. The slot array, once
// sized at construction, never grows or shrinks — entries merely toggle
// between a live *DirectClient and nil.
type List struct {
	hosts     []string
	hostIndex map[string]int
	slots     []atomic.Pointer[directclient.DirectClient]
	rescueAt  []atomic.Int64 // unix millis, 0 = never rescued

	dial            DialFunc
	listener        Listener
	rescueInterval  time.Duration
	rescueRunning   atomic.Bool
	closed          atomic.Bool
}

// Options configures a List at construction.
type Options struct {
	Dial           DialFunc
	Listener       Listener // may be nil
	RescueInterval time.Duration
}

// New dials every host in hosts once; a host that cannot be reached
// leaves its slot nil. At least one slot must come up active, or New
// fails with ErrNoActiveClient. If any slot is still down, a rescue
// goroutine is started immediately.
func New(hosts []string, opts Options) (*List, error) {
	if opts.RescueInterval <= 0 {
		opts.RescueInterval = DefaultRescueInterval
	}
	l := &List{
		hosts:          append([]string(nil), hosts...),
		hostIndex:      make(map[string]int, len(hosts)),
		slots:          make([]atomic.Pointer[directclient.DirectClient], len(hosts)),
		rescueAt:       make([]atomic.Int64, len(hosts)),
		dial:           opts.Dial,
		listener:       opts.Listener,
		rescueInterval: opts.RescueInterval,
	}
	for i, h := range hosts {
		l.hostIndex[h] = i
	}

	active := 0
	for i, h := range hosts {
		dc, err := l.dial(h, l)
		if err != nil {
			continue
		}
		l.slots[i].Store(dc)
		active++
	}
	if active == 0 {
		return nil, ErrNoActiveClient
	}
	if active < len(hosts) {
		l.ensureRescue()
	}
	return l, nil
}

// Hosts returns the fixed, ordered host list this List was built from.
func (l *List) Hosts() []string { return l.hosts }

// Len returns the number of configured slots (== len(Hosts())).
func (l *List) Len() int { return len(l.hosts) }

// RescueTime returns the last successful-rescue wall clock (unix millis)
// for slot i, or 0 if it has never been rescued since startup.
func (l *List) RescueTime(i int) int64 { return l.rescueAt[i].Load() }

// Get returns the client at slot i if it is active. If the slot holds a
// client that has gone inactive (offline-draining or fully closed), the
// first caller to observe that atomically nulls the slot, notifies the
// listener, and kicks off rescue; every caller in that race returns nil.
// An already-nil slot also ensures rescue is running and returns nil.
func (l *List) Get(i int) *directclient.DirectClient {
	if i < 0 || i >= len(l.hosts) {
		panic("clientlist: slot index out of range")
	}
	dc := l.slots[i].Load()
	if dc == nil {
		l.ensureRescue()
		return nil
	}
	if dc.IsActive() {
		return dc
	}
	if l.slots[i].CompareAndSwap(dc, nil) {
		l.notifyClosed(l.hosts[i], dc.IsOffline())
	}
	return nil
}

// GetAvailableClient scans every slot in order, collects those that are
// non-nil, active, and not in exclude, and returns one sampled uniformly
// at random. It returns nil if no slot qualifies.
func (l *List) GetAvailableClient(exclude ...int) *directclient.DirectClient {
	excluded := make(map[int]bool, len(exclude))
	for _, i := range exclude {
		excluded[i] = true
	}

	candidates := make([]*directclient.DirectClient, 0, len(l.hosts))
	for i := range l.hosts {
		if excluded[i] {
			continue
		}
		if dc := l.Get(i); dc != nil {
			candidates = append(candidates, dc)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

// OrAvailableClient returns the client at slot i if healthy, else a
// random healthy peer excluding i — the combined primitive cluster.Client
// uses to pair round-robin fairness with graceful degradation.
func (l *List) OrAvailableClient(i int) *directclient.DirectClient {
	if dc := l.Get(i); dc != nil {
		return dc
	}
	return l.GetAvailableClient(i)
}

// OnClientClosed implements directclient.ClosedListener: proactive
// removal the instant a client's channel dies, rather than waiting for
// the next Get/GetAvailableClient to discover it.
func (l *List) OnClientClosed(host string, wasOffline bool) {
	if l.closed.Load() {
		return
	}
	i, ok := l.hostIndex[host]
	if !ok {
		return
	}
	if dc := l.slots[i].Load(); dc != nil {
		l.slots[i].CompareAndSwap(dc, nil)
	}
	l.notifyClosed(host, wasOffline)
}

func (l *List) notifyClosed(host string, wasOffline bool) {
	if l.listener != nil {
		l.listener.OnClosed(host, wasOffline)
	}
	l.ensureRescue()
}

// ensureRescue starts the rescue goroutine if it is not already running;
// at most one runs concurrently per List.
func (l *List) ensureRescue() {
	if l.closed.Load() {
		return
	}
	if l.rescueRunning.CompareAndSwap(false, true) {
		go l.rescueLoop()
	}
}

func (l *List) rescueLoop() {
	defer l.rescueRunning.Store(false)
	for {
		if l.closed.Load() {
			return
		}
		allHealthy := true
		for i, h := range l.hosts {
			if l.closed.Load() {
				return
			}
			if l.slots[i].Load() != nil {
				continue
			}
			dc, err := l.dial(h, l)
			if err != nil {
				allHealthy = false
				continue
			}
			if !l.slots[i].CompareAndSwap(nil, dc) {
				// The slot is no longer nil; don't leak the connection
				// we just opened.
				dc.Close()
				continue
			}
			l.rescueAt[i].Store(time.Now().UnixMilli())
			if l.listener != nil {
				l.listener.OnRecovered(h)
			}
		}
		if allHealthy {
			return
		}
		time.Sleep(l.rescueInterval)
	}
}

// Close tears down every live client and stops further rescue attempts.
// Idempotent.
func (l *List) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	for i := range l.slots {
		if dc := l.slots[i].Swap(nil); dc != nil {
			dc.Close()
		}
	}
	return nil
}
