// Package directclient implements a single-host client: issue a call,
// await the reply, validate arguments, and classify the outcome into a
// small error taxonomy.
//
// DirectClient only knows about one host and one channel. Host
// selection and fleet-wide concerns live one layer up, in cluster.Client
// and broadcast.Client, both composed over clientlist.List.
package directclient

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/driftloom/corerpc/monitor"
	"github.com/driftloom/corerpc/packet"
	"github.com/driftloom/corerpc/rpchannel"
	"github.com/driftloom/corerpc/rpclog"
	"github.com/driftloom/corerpc/rpcmessage"
	"github.com/driftloom/corerpc/transcoder"
	"go.uber.org/zap"
)

// DefaultSlowThreshold is the elapsed-time cutoff past which a completed
// call is reported to the slow-execution sink.
const DefaultSlowThreshold = 50 * time.Millisecond

// DefaultHeartbeat is the client-driven heartbeat period.
const DefaultHeartbeat = 30 * time.Second

// Error classification returned by Execute.
var (
	ErrIllegalState = errors.New("directclient: illegal state")
	ErrTimeout      = errors.New("directclient: timeout")
	ErrTooBusy      = errors.New("directclient: too busy")
)

// RpcError wraps a peer- or protocol-reported failure that is none of
// the other three kinds: CLASS_NOT_FOUND, NO_SUCH_METHOD,
// ILLEGAL_ARGUMENT, INVOCATION_ERROR, INTERNAL_ERROR, or a local decode
// failure.
type RpcError struct {
	Status  packet.Status
	Message string
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("directclient: rpc error (status %d): %s", e.Status, e.Message)
}

// ClosedListener is notified when this client's underlying channel dies,
// so a clientlist.List can null its slot and kick off rescue without
// waiting for the next lookup.
type ClosedListener interface {
	OnClientClosed(host string, wasOffline bool)
}

// Options configures a DirectClient.
type Options struct {
	DialTimeout     time.Duration
	HeartbeatPeriod time.Duration
	SlowThreshold   time.Duration
	Transcoder      *transcoder.Transcoder
	Logs            *rpclog.Streams
	Sinks           *monitor.Sinks
	OnClosed        ClosedListener
}

type pendingCall struct {
	resultCh chan packet.Packet
	once     sync.Once
}

func (p *pendingCall) deliver(pkt packet.Packet) {
	p.once.Do(func() { p.resultCh <- pkt })
}

// DirectClient owns exactly one channel to one host.
type DirectClient struct {
	host string
	ch   *rpchannel.Channel
	tc   *transcoder.Transcoder
	logs *rpclog.Streams
	opts Options

	pending sync.Map // map[uint64]*pendingCall
}

// Dial connects to host ("hostname:port") and wraps the connection in an
// rpchannel.Channel with heartbeats enabled: client-originated channels
// drive heartbeats, the server side only answers them.
func Dial(host string, opts Options) (*DirectClient, error) {
	if opts.HeartbeatPeriod == 0 {
		opts.HeartbeatPeriod = DefaultHeartbeat
	}
	if opts.SlowThreshold <= 0 {
		opts.SlowThreshold = DefaultSlowThreshold
	}
	if opts.Transcoder == nil {
		opts.Transcoder = transcoder.New()
	}
	if opts.Logs == nil {
		opts.Logs = rpclog.NewNop()
	}

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.Dial("tcp", host)
	if err != nil {
		return nil, err
	}

	dc := &DirectClient{
		host: host,
		tc:   opts.Transcoder,
		logs: opts.Logs,
		opts: opts,
	}

	var sockSink rpchannel.SocketSink
	if opts.Sinks != nil && opts.Sinks.Socket != nil {
		sockSink = opts.Sinks.Socket
	}

	ch, err := rpchannel.New(conn, rpchannel.Options{
		Role:            rpchannel.RoleClient,
		HeartbeatPeriod: opts.HeartbeatPeriod,
		Listener:        dc,
		Sockets:         sockSink,
		Logger:          opts.Logs.Conn,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	dc.ch = ch
	return dc, nil
}

// Host returns "hostname:port" for this client.
func (dc *DirectClient) Host() string { return dc.host }

// IsActive reports whether the underlying channel can accept new calls.
func (dc *DirectClient) IsActive() bool { return dc.ch.IsActive() }

// IsOffline reports whether the peer has announced OFFLINE on this
// client's channel (draining, not yet closed).
func (dc *DirectClient) IsOffline() bool { return dc.ch.IsOffline() }

// Close tears down the underlying channel.
func (dc *DirectClient) Close() error { return dc.ch.Close() }

// OnPacket implements rpchannel.Listener: route a response to its
// waiting caller by packet id; a late response for an id no longer in
// the pending map (timed out and removed) is silently discarded.
func (dc *DirectClient) OnPacket(ch *rpchannel.Channel, pkt packet.Packet) {
	if pkt.Header.Magic != packet.MagicResponse {
		return
	}
	if v, ok := dc.pending.LoadAndDelete(pkt.Header.PacketID); ok {
		v.(*pendingCall).deliver(pkt)
	}
}

// OnClosed implements rpchannel.Listener: wake every still-pending call
// with IllegalState, since a closed channel can never deliver their
// responses, then notify the ClosedListener so a clientlist.List can
// react immediately.
func (dc *DirectClient) OnClosed(ch *rpchannel.Channel) {
	wasOffline := ch.IsOffline()
	dc.pending.Range(func(key, value any) bool {
		dc.pending.Delete(key)
		value.(*pendingCall).deliver(packet.Packet{Header: packet.Header{ResponseStatus: closedSentinel}})
		return true
	})
	if dc.opts.OnClosed != nil {
		rpclog.Safe(dc.logs.ClientError, "OnClientClosed", func() {
			dc.opts.OnClosed.OnClientClosed(dc.host, wasOffline)
		})
	}
}

// closedSentinel is an out-of-band response status used only internally
// to signal "channel closed while waiting" through the same pendingCall
// channel used for real responses.
const closedSentinel packet.Status = -128

// Call is the arguments a caller passes to Execute: the method identity
// (must match rpcservice's "Name(Type1,Type2)" scheme on the server),
// the ordered argument list, and a timeout.
type Call struct {
	Target   string
	MethodID string
	Args     []interface{}
	Timeout  time.Duration
}

// Execute performs a synchronous RPC call and returns the decoded result
// or one of ErrIllegalState / ErrTimeout / ErrTooBusy / *RpcError.
func (dc *DirectClient) Execute(call Call) (interface{}, error) {
	start := time.Now()
	result, err := dc.execute(call)
	took := time.Since(start)

	if took > dc.opts.SlowThreshold {
		dc.logs.ClientSlow.Warn("slow RPC call", zap.String("method", call.MethodID), zap.Duration("took", took))
		if dc.opts.Sinks != nil && dc.opts.Sinks.Execution != nil {
			dc.opts.Sinks.Execution.ObserveSlowCall(call.MethodID, took.Seconds())
		}
	}
	if dc.opts.Sinks != nil && dc.opts.Sinks.Execution != nil {
		dc.opts.Sinks.Execution.ObserveCall(call.MethodID, took.Seconds())
	}
	return result, err
}

// execute validates and sends call. Argument *count* against the
// target method's declared parameter count is not checked here, unlike
// spec.md §4.4's "local pre-wire" validation step — a DirectClient only
// carries a MethodID string, not the method's reflected signature, so a
// count mismatch is only caught server-side by rpcservice/dispatcher's
// convertArgs, surfacing as an ILLEGAL_ARGUMENT RpcError instead of a
// local, wire-free failure. Everything sanitizeArgs can check locally
// (serializability of each argument) still fails fast here.
func (dc *DirectClient) execute(call Call) (interface{}, error) {
	if call.MethodID == "" {
		return nil, fmt.Errorf("directclient: %w: empty method id", ErrIllegalState)
	}
	if !dc.ch.IsActive() {
		return nil, ErrIllegalState
	}

	args, err := sanitizeArgs(call.Args)
	if err != nil {
		return nil, err
	}

	req := rpcmessage.Request{Target: call.Target, MethodID: call.MethodID, Args: args}
	sid, cid, body, err := dc.tc.Encode(&req)
	if err != nil {
		return nil, fmt.Errorf("directclient: encode request: %w", err)
	}

	id := dc.ch.NextPacketID()
	pc := &pendingCall{resultCh: make(chan packet.Packet, 1)}
	dc.pending.Store(id, pc)

	h := packet.Header{
		Magic:       packet.MagicRequest,
		Opcode:      packet.OpCall,
		Serializer:  sid,
		Compression: cid,
		BodyLen:     uint32(len(body)),
		PacketID:    id,
	}
	if err := dc.ch.Send(h, body); err != nil {
		dc.pending.Delete(id)
		return nil, ErrIllegalState
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case pkt := <-pc.resultCh:
		if pkt.Header.ResponseStatus == closedSentinel {
			return nil, ErrIllegalState
		}
		return dc.decodeResponse(pkt, call.MethodID)
	case <-time.After(timeout):
		dc.pending.Delete(id)
		return nil, ErrTimeout
	}
}

func (dc *DirectClient) decodeResponse(pkt packet.Packet, methodID string) (interface{}, error) {
	var resp rpcmessage.Response
	if len(pkt.Body) > 0 {
		if err := dc.tc.Decode(pkt.Body, pkt.Header.Serializer, pkt.Header.Compression, &resp); err != nil {
			return nil, &RpcError{Status: packet.StatusInternalError, Message: err.Error()}
		}
	}

	switch pkt.Header.ResponseStatus {
	case packet.StatusSuccess:
		return resp.Result, nil
	case packet.StatusTooBusy:
		return nil, ErrTooBusy
	case packet.StatusInvocationError:
		return nil, &RpcError{Status: pkt.Header.ResponseStatus, Message: resp.Error}
	case packet.StatusClassNotFound, packet.StatusNoSuchMethod, packet.StatusIllegalArgument, packet.StatusInternalError:
		return nil, &RpcError{Status: pkt.Header.ResponseStatus, Message: resp.Error}
	default:
		return nil, &RpcError{Status: pkt.Header.ResponseStatus, Message: resp.Error}
	}
}

// sanitizeArgs defensively copies recognized collection kinds (slice,
// map) into plain serializable representations and rejects anything the
// transcoder cannot handle.
func sanitizeArgs(args []interface{}) ([]interface{}, error) {
	out := make([]interface{}, len(args))
	for i, a := range args {
		v, err := sanitizeArg(a)
		if err != nil {
			return nil, fmt.Errorf("directclient: argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func sanitizeArg(a interface{}) (interface{}, error) {
	if a == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(a)
	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return nil, fmt.Errorf("non-serializable argument kind %s", rv.Kind())
	case reflect.Slice, reflect.Array:
		n := rv.Len()
		copied := make([]interface{}, n)
		for i := 0; i < n; i++ {
			v, err := sanitizeArg(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			copied[i] = v
		}
		return copied, nil
	case reflect.Map:
		copied := make(map[string]interface{}, rv.Len())
		for _, key := range rv.MapKeys() {
			v, err := sanitizeArg(rv.MapIndex(key).Interface())
			if err != nil {
				return nil, err
			}
			copied[fmt.Sprint(key.Interface())] = v
		}
		return copied, nil
	default:
		return a, nil
	}
}
