// Package dispatcher implements the server side of the protocol: accept
// loop, per-connection channel, request decode → registered target →
// response, and the bounded worker pool that turns pool exhaustion into
// a TOO_BUSY reply.
//
// Dispatch goes through workerpool.Pool for bounded concurrency and
// rpcservice's generalized method identity scheme, rather than spawning
// one unbounded goroutine per request on a fixed (args *T, reply *U)
// error method convention.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/driftloom/corerpc/middleware"
	"github.com/driftloom/corerpc/monitor"
	"github.com/driftloom/corerpc/packet"
	"github.com/driftloom/corerpc/rpchannel"
	"github.com/driftloom/corerpc/rpclog"
	"github.com/driftloom/corerpc/rpcmessage"
	"github.com/driftloom/corerpc/rpcservice"
	"github.com/driftloom/corerpc/transcoder"
	"github.com/driftloom/corerpc/workerpool"
	"go.uber.org/zap"
)

// DefaultSlowThreshold is the elapsed-time cutoff past which a completed
// call is reported to the slow-execution sink.
const DefaultSlowThreshold = 50 * time.Millisecond

// Options configures a Server.
type Options struct {
	MaxWorkers      int // default 256
	SlowThreshold   time.Duration
	HeartbeatPeriod time.Duration // unused for server channels (always 0), kept for symmetry
	Logs            *rpclog.Streams
	Sinks           *monitor.Sinks
	Transcoder      *transcoder.Transcoder

	// Middleware wraps the business handler (logging, timeout, rate
	// limiting, retry) in onion order, outermost first, per
	// middleware.Chain. Service/method lookup and argument conversion run
	// inside that handler, so their failures (CLASS_NOT_FOUND,
	// NO_SUCH_METHOD, ILLEGAL_ARGUMENT) pass back out through the chain as
	// tagged Response.Error strings. Only a request body that fails to
	// decode is answered before the chain runs.
	Middleware []middleware.Middleware
}

// Server accepts connections, routes CALL requests to registered
// services, and supports graceful offline drain.
type Server struct {
	opts     Options
	registry *rpcservice.Registry
	pool     *workerpool.Pool
	tc       *transcoder.Transcoder
	logs     *rpclog.Streams
	chain    middleware.HandlerFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[*rpchannel.Channel]struct{}
	closing  bool
}

// New creates a Server with the given options, defaulting unset fields.
func New(opts Options) *Server {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 256
	}
	if opts.SlowThreshold <= 0 {
		opts.SlowThreshold = DefaultSlowThreshold
	}
	if opts.Logs == nil {
		opts.Logs = rpclog.NewNop()
	}
	if opts.Transcoder == nil {
		opts.Transcoder = transcoder.New()
	}

	s := &Server{
		opts:  opts,
		logs:  opts.Logs,
		tc:    opts.Transcoder,
		conns: make(map[*rpchannel.Channel]struct{}),
	}

	var poolSink workerpool.Sink
	if opts.Sinks != nil && opts.Sinks.Pool != nil {
		poolSink = opts.Sinks.Pool
	}
	s.pool = workerpool.New("dispatcher", opts.MaxWorkers, poolSink)

	s.registry = rpcservice.New(func(iface string) {
		s.logs.ServerError.Warn("re-registering interface with a different target", zap.String("interface", iface))
	})
	s.chain = middleware.Chain(opts.Middleware...)(s.businessHandler)
	return s
}

// Register installs rcvr's depiction under each name in ifaces (the
// struct's own type name if ifaces is empty).
func (s *Server) Register(rcvr interface{}, ifaces ...string) error {
	return s.registry.Register(rcvr, ifaces...)
}

// Serve binds network/address and runs the accept loop until the
// listener is closed (via Offline/Close) or a fatal accept error occurs.
func (s *Server) Serve(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			return err
		}

		ch, err := rpchannel.New(conn, rpchannel.Options{
			Role:     rpchannel.RoleServer,
			Listener: s,
			Sockets:  socketSinkOf(s.opts.Sinks),
			Logger:   s.logs.Conn,
		})
		if err != nil {
			conn.Close()
			continue
		}
		s.mu.Lock()
		s.conns[ch] = struct{}{}
		s.mu.Unlock()
	}
}

func socketSinkOf(sinks *monitor.Sinks) rpchannel.SocketSink {
	if sinks == nil || sinks.Socket == nil {
		return nil
	}
	return sinks.Socket
}

// Offline closes the accept socket and asks every live connection to
// drain.
func (s *Server) Offline() {
	s.mu.Lock()
	s.closing = true
	ln := s.listener
	conns := make([]*rpchannel.Channel, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.Offline()
	}
}

// OnClosed implements rpchannel.Listener: drop the connection from the
// active set.
func (s *Server) OnClosed(ch *rpchannel.Channel) {
	s.mu.Lock()
	delete(s.conns, ch)
	s.mu.Unlock()
}

// OnPacket implements rpchannel.Listener: every CALL request gets
// submitted to the bounded worker pool; rejection becomes an immediate
// TOO_BUSY reply on the channel's own read goroutine.
func (s *Server) OnPacket(ch *rpchannel.Channel, pkt packet.Packet) {
	if pkt.Header.Opcode != packet.OpCall || pkt.Header.Magic != packet.MagicRequest {
		return
	}

	submitted := s.pool.TrySubmit(func() {
		s.handle(ch, pkt)
	})
	if !submitted {
		s.reply(ch, pkt.Header.PacketID, packet.StatusTooBusy, nil)
	}
}

func (s *Server) handle(ch *rpchannel.Channel, pkt packet.Packet) {
	start := time.Now()

	var req rpcmessage.Request
	if err := s.tc.Decode(pkt.Body, pkt.Header.Serializer, pkt.Header.Compression, &req); err != nil {
		s.logs.ServerError.Error("failed to decode request", zap.Error(err))
		s.reply(ch, pkt.Header.PacketID, packet.StatusInternalError, nil)
		return
	}

	resp := s.chain(context.Background(), &req)

	elapsed := time.Since(start)
	if elapsed > s.opts.SlowThreshold {
		s.logs.ServerSlow.Warn("slow RPC execution", zap.String("method", req.MethodID), zap.Duration("took", elapsed))
		if s.opts.Sinks != nil && s.opts.Sinks.Execution != nil {
			s.opts.Sinks.Execution.ObserveSlowCall(req.MethodID, elapsed.Seconds())
		}
	}
	if s.opts.Sinks != nil && s.opts.Sinks.Execution != nil {
		s.opts.Sinks.Execution.ObserveCall(req.MethodID, elapsed.Seconds())
	}

	status, resp := declassify(resp)
	s.reply(ch, pkt.Header.PacketID, status, resp)
}

// Tags smuggle the wire status a businessHandler failure maps to through
// middleware.HandlerFunc's plain Response.Error string, since arbitrary
// middleware (logging, retry) only ever sees/forwards that string, not a
// side channel. declassify strips the tag back off before the response
// ever reaches the wire.
const (
	tagClassNotFound = "\x00CLASS_NOT_FOUND\x00"
	tagNoSuchMethod  = "\x00NO_SUCH_METHOD\x00"
	tagIllegalArg    = "\x00ILLEGAL_ARGUMENT\x00"
)

func declassify(resp *rpcmessage.Response) (packet.Status, *rpcmessage.Response) {
	switch {
	case resp.Error == "":
		return packet.StatusSuccess, resp
	case resp.Error == tagClassNotFound:
		return packet.StatusClassNotFound, &rpcmessage.Response{}
	case resp.Error == tagNoSuchMethod:
		return packet.StatusNoSuchMethod, &rpcmessage.Response{}
	case strings.HasPrefix(resp.Error, tagIllegalArg):
		return packet.StatusIllegalArgument, &rpcmessage.Response{Error: strings.TrimPrefix(resp.Error, tagIllegalArg)}
	default:
		return packet.StatusInvocationError, resp
	}
}

// businessHandler is the innermost handler every configured middleware
// wraps: service lookup, argument conversion, and reflective invocation.
func (s *Server) businessHandler(ctx context.Context, req *rpcmessage.Request) *rpcmessage.Response {
	depiction, method := s.registry.Lookup(req.Target, req.MethodID)
	if depiction == nil {
		return &rpcmessage.Response{Error: tagClassNotFound}
	}
	if method == nil {
		return &rpcmessage.Response{Error: tagNoSuchMethod}
	}

	args, err := convertArgs(req.Args, method.ArgTypes)
	if err != nil {
		return &rpcmessage.Response{Error: tagIllegalArg + err.Error()}
	}

	result, invokeErr := s.invoke(depiction, method, args)
	if invokeErr != nil {
		if ia, ok := invokeErr.(illegalArgument); ok {
			return &rpcmessage.Response{Error: tagIllegalArg + ia.Error()}
		}
		return &rpcmessage.Response{Error: invokeErr.Error()}
	}
	return &rpcmessage.Response{Result: result}
}

// illegalArgument marks an invocation-time failure (reflect panic on
// call) that should surface as ILLEGAL_ARGUMENT rather than
// INVOCATION_ERROR.
type illegalArgument struct{ err error }

func (e illegalArgument) Error() string { return e.err.Error() }

func (s *Server) invoke(d *rpcservice.Depiction, m *rpcservice.Method, args []reflect.Value) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = illegalArgument{fmt.Errorf("invocation panic: %v", r)}
		}
	}()
	return d.Invoke(m, args)
}

// convertArgs re-shapes the generically-decoded argument list (produced
// by the transcoder's JSON pass, so each element is a map/slice/scalar of
// interface{}) into concrete reflect.Values matching argTypes, via a
// marshal/unmarshal round trip per argument.
func convertArgs(raw []interface{}, argTypes []reflect.Type) ([]reflect.Value, error) {
	if len(raw) != len(argTypes) {
		return nil, fmt.Errorf("rpcservice: expected %d arguments, got %d", len(argTypes), len(raw))
	}
	out := make([]reflect.Value, len(argTypes))
	for i, t := range argTypes {
		buf, err := json.Marshal(raw[i])
		if err != nil {
			return nil, fmt.Errorf("rpcservice: argument %d: %w", i, err)
		}
		v := reflect.New(t)
		if err := json.Unmarshal(buf, v.Interface()); err != nil {
			return nil, fmt.Errorf("rpcservice: argument %d: %w", i, err)
		}
		out[i] = v.Elem()
	}
	return out, nil
}

func (s *Server) reply(ch *rpchannel.Channel, id uint64, status packet.Status, resp *rpcmessage.Response) {
	if resp == nil {
		resp = &rpcmessage.Response{}
	}
	sid, cid, body, err := s.tc.Encode(resp)
	if err != nil {
		s.logs.ServerError.Error("failed to encode response", zap.Error(err))
		return
	}
	h := packet.Header{
		Magic:          packet.MagicResponse,
		Opcode:         packet.OpCall,
		Serializer:     sid,
		Compression:    cid,
		PacketID:       id,
		ResponseStatus: status,
	}
	if err := ch.Send(h, body); err != nil {
		s.logs.ServerError.Debug("failed to send response, channel likely closed", zap.Error(err))
	}
}
