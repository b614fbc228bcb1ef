// Package rpclog binds a fixed set of named logger streams — connection,
// root error, server error, server slow-execution, client error, client
// slow-execution — to zap.Logger instances.
//
// Emission is always best-effort: nothing in this package ever returns an
// error, because a logging failure must never propagate into RPC call
// handling.
package rpclog

import (
	"go.uber.org/zap"
)

// Streams holds one logger per named stream. The zero value is unusable;
// construct with New or NewNop.
type Streams struct {
	Conn        *zap.Logger
	RootError   *zap.Logger
	ServerError *zap.Logger
	ServerSlow  *zap.Logger
	ClientError *zap.Logger
	ClientSlow  *zap.Logger
}

// New builds Streams backed by zap.NewProduction, or zap.NewDevelopment
// when debug is true (more verbose, human-readable console output).
func New(debug bool) (*Streams, error) {
	var base *zap.Logger
	var err error
	if debug {
		base, err = zap.NewDevelopment()
	} else {
		base, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return &Streams{
		Conn:        base.Named("conn"),
		RootError:   base.Named("root-error"),
		ServerError: base.Named("server-error"),
		ServerSlow:  base.Named("server-slow"),
		ClientError: base.Named("client-error"),
		ClientSlow:  base.Named("client-slow"),
	}, nil
}

// NewNop returns Streams that discard everything — the default for
// components constructed without an explicit logger, so the core never
// requires a logging dependency to function.
func NewNop() *Streams {
	nop := zap.NewNop()
	return &Streams{
		Conn:        nop,
		RootError:   nop,
		ServerError: nop,
		ServerSlow:  nop,
		ClientError: nop,
		ClientSlow:  nop,
	}
}

// Safe recovers from a panic in fn, logging it to logger and swallowing it.
// Used to wrap listener callbacks (DirectClient's ClosedListener,
// broadcast listener hooks) so a panicking listener never kills the
// caller's goroutine. rpchannel guards its own Listener calls with an
// equivalent private helper.
func Safe(logger *zap.Logger, where string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("recovered panic in listener callback",
				zap.String("where", where),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}
