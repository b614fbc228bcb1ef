// Package rpchannel implements the duplex, multiplexed connection that
// every DirectClient and every accepted server connection runs on top of.
//
// A single type is usable from both directions: on the client it
// originates CALL and HEARTBEAT requests and consumes responses; on the
// server it originates responses (and OFFLINE requests) and consumes
// CALL requests. Same state machine either way.
package rpchannel

import (
	"encoding/binary"
	"net"
	"sync/atomic"
	"time"

	"github.com/driftloom/corerpc/packet"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Role distinguishes which side of the conversation a Channel represents.
// It only affects default heartbeat behavior (server-originated channels
// disable heartbeats, since the client drives them) and whether
// Offline() is permitted.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// State is the channel's lifecycle stage.
type State int32

const (
	StateUninitialized State = iota
	StateNormal
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateNormal:
		return "normal"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultSendBufferSize = 32 * 1024
	// defaultOfflineGrace is the fixed grace period between OFFLINE
	// flag-set and close, overridable via Options.OfflineGrace.
	defaultOfflineGrace = 60 * time.Second
)

// Listener is the sole hook upper layers get into a channel: every
// non-control packet received is handed to OnPacket, and OnClosed fires
// exactly once when the channel transitions to StateClosed.
type Listener interface {
	OnPacket(ch *Channel, pkt packet.Packet)
	OnClosed(ch *Channel)
}

// SocketSink receives raw byte counts moved over the wire. Narrow
// subset of monitor.SocketSink so this package need not import monitor.
type SocketSink interface {
	AddBytesRead(n int64)
	AddBytesWritten(n int64)
}

// Options configures a Channel at construction time.
type Options struct {
	Role Role

	// HeartbeatPeriod, when >0, makes the write worker self-enqueue a
	// HEARTBEAT request whenever the outbound queue sits idle for that
	// long. Ignored (forced to 0) for RoleServer channels.
	HeartbeatPeriod time.Duration

	// OfflineGrace is the delay between observing an OFFLINE request and
	// closing the channel. Defaults to 60s.
	OfflineGrace time.Duration

	// SendBufferSize overrides the write-merge threshold. Zero means
	// "probe the socket once, fall back to 32KiB".
	SendBufferSize int

	Listener Listener
	Sockets  SocketSink
	Logger   *zap.Logger
}

// Channel is a single TCP connection carrying packets in both directions,
// with its own read and write goroutines.
type Channel struct {
	conn     net.Conn
	role     Role
	listener Listener
	sockets  SocketSink
	logger   *zap.Logger

	heartbeat    time.Duration
	offlineGrace time.Duration
	sendBufSize  int

	outbound *outboundQueue

	packetSeq atomic.Uint64
	state     atomic.Int32
	offline   atomic.Bool
	closeOnce int32
	closedCh  chan struct{}
}

// New constructs a Channel over conn and immediately starts its read and
// write workers, transitioning it to StateNormal. A non-nil error means
// the channel failed before ever reaching StateNormal (StateClosed).
func New(conn net.Conn, opts Options) (*Channel, error) {
	if opts.Role == RoleServer {
		opts.HeartbeatPeriod = 0
	}
	if opts.OfflineGrace <= 0 {
		opts.OfflineGrace = defaultOfflineGrace
	}
	sendBuf := opts.SendBufferSize
	if sendBuf <= 0 {
		sendBuf = socketSendBufferSize(conn)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Channel{
		conn:         conn,
		role:         opts.Role,
		listener:     opts.Listener,
		sockets:      opts.Sockets,
		logger:       logger,
		heartbeat:    opts.HeartbeatPeriod,
		offlineGrace: opts.OfflineGrace,
		sendBufSize:  sendBuf,
		outbound:     newOutboundQueue(),
		closedCh:     make(chan struct{}),
	}
	c.state.Store(int32(StateNormal))
	c.packetSeq.Store(randomPacketIDSeed())

	go c.readLoop()
	go c.writeLoop()

	return c, nil
}

// randomPacketIDSeed derives a random starting offset for a channel's
// packet id counter from a fresh UUID, so a reconnecting client that
// restarts a dead channel doesn't reuse low packet ids a slow-to-arrive
// response from the previous channel incarnation might still resolve
// against (the previous channel's pending map is gone, but a shared
// counter space across incarnations invites confusion when debugging
// wire captures). Counter monotonicity within one channel's lifetime,
// not global uniqueness, is what correctness actually depends on.
func randomPacketIDSeed() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

// NextPacketID returns a fresh, monotonically increasing packet id. The
// starting value is randomized per channel (see randomPacketIDSeed);
// DirectClient uses this to correlate CALL responses. Control requests
// (HEARTBEAT, OFFLINE) always carry packet id 0 instead.
func (c *Channel) NextPacketID() uint64 {
	return c.packetSeq.Add(1)
}

// State returns the channel's current lifecycle stage.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// IsActive reports whether new calls may be sent: state is Normal and the
// channel has not received an OFFLINE request.
func (c *Channel) IsActive() bool {
	return c.State() == StateNormal && !c.offline.Load()
}

// IsOffline reports whether the peer has announced OFFLINE.
func (c *Channel) IsOffline() bool {
	return c.offline.Load()
}

// RemoteAddr exposes the underlying connection's remote address, used by
// upper layers for logging and for the clientlist.List host key.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Closed returns a channel closed exactly once the Channel transitions to
// StateClosed, for callers that want to select on channel death.
func (c *Channel) Closed() <-chan struct{} {
	return c.closedCh
}

// ErrInactive is returned by Send when the channel cannot accept new
// outbound packets (closed, or offline and draining).
type ErrInactive struct{ Reason string }

func (e *ErrInactive) Error() string { return "rpchannel: inactive: " + e.Reason }

// Send enqueues a CALL (or control) packet for the write worker. It
// never blocks on the socket, only on the local queue append.
func (c *Channel) Send(h packet.Header, body []byte) error {
	if !c.IsActive() {
		return &ErrInactive{Reason: c.State().String()}
	}
	if !c.outbound.push(queuedPacket{header: h, body: body}) {
		return &ErrInactive{Reason: "closed"}
	}
	return nil
}

// Offline starts the graceful-drain protocol: enqueues an OFFLINE request
// (packet id 0) so the peer stops issuing new calls. Only meaningful on
// RoleServer channels; a no-op on RoleClient channels.
func (c *Channel) Offline() {
	if c.role != RoleServer {
		return
	}
	if c.State() != StateNormal {
		return
	}
	magic := packet.MagicRequest
	c.outbound.push(queuedPacket{header: packet.Header{
		Magic:  magic,
		Opcode: packet.OpOffline,
	}})
}

// Close tears the channel down: closes the socket and the outbound queue
// (packets still queued are never written), and notifies the listener
// exactly once.
func (c *Channel) Close() error {
	return c.fail(nil)
}

// fail transitions the channel to StateClosed (idempotently), closes the
// socket and outbound queue, and notifies the listener's OnClosed exactly
// once. cause may be nil for an intentional local Close().
func (c *Channel) fail(cause error) error {
	if !atomic.CompareAndSwapInt32(&c.closeOnce, 0, 1) {
		return nil
	}
	c.state.Store(int32(StateClosed))
	err := c.conn.Close()
	c.outbound.close()
	close(c.closedCh)

	if cause != nil {
		c.logger.Debug("channel closed", zap.Error(cause), zap.Stringer("remote", errAddr{c.conn}))
	}

	if c.listener != nil {
		safeCall(c.logger, "OnClosed", func() { c.listener.OnClosed(c) })
	}
	return err
}

type errAddr struct{ conn net.Conn }

func (a errAddr) String() string {
	if a.conn == nil || a.conn.RemoteAddr() == nil {
		return "unknown"
	}
	return a.conn.RemoteAddr().String()
}

// safeCall recovers a panicking listener callback, logs it, and swallows
// it. A listener exception must never break the channel or fail the
// call it was notifying about.
func safeCall(logger *zap.Logger, where string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("recovered panic in channel listener", zap.String("where", where), zap.Any("panic", r))
		}
	}()
	fn()
}

func (c *Channel) readLoop() {
	for {
		h, body, err := packet.Decode(c.conn)
		if err != nil {
			c.fail(err)
			return
		}
		if c.sockets != nil {
			c.sockets.AddBytesRead(int64(packet.HeaderSize + len(body)))
		}

		switch h.Opcode {
		case packet.OpHeartbeat:
			if h.Magic == packet.MagicRequest {
				c.replyControl(h.PacketID, packet.OpHeartbeat)
			}
			// Heartbeat responses are consumed silently here.
			continue

		case packet.OpOffline:
			if h.Magic == packet.MagicRequest {
				c.offline.Store(true)
				c.replyControl(h.PacketID, packet.OpOffline)
				time.AfterFunc(c.offlineGrace, func() { c.fail(nil) })
			}
			// An OFFLINE response (the peer's acknowledgement) is consumed
			// without action.
			continue
		}

		if c.listener != nil {
			safeCall(c.logger, "OnPacket", func() {
				c.listener.OnPacket(c, packet.Packet{Header: h, Body: body})
			})
		}
	}
}

func (c *Channel) replyControl(id uint64, op packet.Opcode) {
	c.outbound.push(queuedPacket{header: packet.Header{
		Magic:          packet.MagicResponse,
		Opcode:         op,
		PacketID:       id,
		ResponseStatus: packet.StatusSuccess,
	}})
}

// writeLoop implements the merge-on-write batching algorithm: packets
// queued while a write is already draining coalesce into one syscall.
func (c *Channel) writeLoop() {
	var pending []byte
	var pendingLen int

	flush := func() bool {
		if len(pending) == 0 {
			return true
		}
		n, err := c.conn.Write(pending)
		if c.sockets != nil && n > 0 {
			c.sockets.AddBytesWritten(int64(n))
		}
		pending = pending[:0]
		pendingLen = 0
		if err != nil {
			c.fail(err)
			return false
		}
		return true
	}

	for {
		timeout := c.heartbeat
		qp, ok, closed := c.outbound.pop(timeout)
		if closed {
			return
		}
		if !ok {
			// Idle timeout: self-enqueue a heartbeat, only meaningful
			// when HeartbeatPeriod>0 (guaranteed by the pop timeout).
			c.outbound.push(queuedPacket{header: packet.Header{
				Magic:  packet.MagicRequest,
				Opcode: packet.OpHeartbeat,
			}})
			continue
		}

		encoded, err := packet.AppendEncoded(nil, qp.header, qp.body)
		if err != nil {
			c.logger.Error("failed to encode outbound packet", zap.Error(err))
			continue
		}

		if pendingLen+len(encoded) < c.sendBufSize {
			pending = append(pending, encoded...)
			pendingLen += len(encoded)
		} else {
			if !flush() {
				return
			}
			pending = append(pending, encoded...)
			pendingLen = len(encoded)
		}

		if c.outbound.empty() {
			if !flush() {
				return
			}
		}
	}
}
