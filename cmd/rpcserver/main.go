// Command rpcserver hosts registered services behind a dispatcher.Server
// on a fixed listen address; clients reach it through a static host
// list, per the module's static-fleet configuration model.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/driftloom/corerpc/dispatcher"
	"github.com/driftloom/corerpc/middleware"
	"github.com/driftloom/corerpc/monitor"
	"github.com/driftloom/corerpc/rpclog"
)

// EchoService is the example target rpcserver registers. A real
// deployment registers its own services via dispatcher.Server.Register
// in place of this.
type EchoService struct{}

// Echo returns its argument unchanged; rpcclient's demo call exercises
// the round trip end to end through it.
func (EchoService) Echo(s string) (string, error) { return s, nil }

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1:4182", "listen address")
		metricAddr = flag.String("metrics-addr", "", "Prometheus /metrics listen address, empty disables it")
		maxWorkers = flag.Int("max-workers", 256, "dispatcher worker pool ceiling")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logs, err := rpclog.New(*debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build loggers:", err)
		os.Exit(1)
	}

	promReg := prometheus.NewRegistry()
	sinks := &monitor.Sinks{}
	promSinks := monitor.NewPrometheusSinks(promReg)
	sinks.Compression = promSinks
	sinks.Execution = promSinks
	sinks.Pool = promSinks
	sinks.Socket = promSinks

	if *metricAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricAddr, mux); err != nil {
				logs.RootError.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	srv := dispatcher.New(dispatcher.Options{
		MaxWorkers: *maxWorkers,
		Logs:       logs,
		Sinks:      sinks,
		Middleware: []middleware.Middleware{
			middleware.LoggingMiddleware(logs.ServerError),
			middleware.TimeOutMiddleware(5 * time.Second),
		},
	})
	if err := srv.Register(&EchoService{}, "EchoService"); err != nil {
		logs.RootError.Fatal("failed to register service", zap.Error(err))
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logs.RootError.Info("shutting down, draining connections")
		srv.Offline()
	}()

	logs.RootError.Info("rpcserver listening", zap.String("addr", *addr))
	if err := srv.Serve("tcp", *addr); err != nil {
		logs.RootError.Fatal("server stopped", zap.Error(err))
	}
}
