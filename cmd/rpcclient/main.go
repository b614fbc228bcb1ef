// Command rpcclient builds a ClusterClient over a statically configured
// host list and issues a single demo call — enough to exercise
// directclient, clientlist, and cluster end to end without a test
// harness.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/driftloom/corerpc/balancer"
	"github.com/driftloom/corerpc/clientlist"
	"github.com/driftloom/corerpc/cluster"
	"github.com/driftloom/corerpc/directclient"
	"github.com/driftloom/corerpc/registry"
	"github.com/driftloom/corerpc/rpclog"
)

func main() {
	var (
		hosts      = flag.String("hosts", "127.0.0.1:4182", "comma-separated host:port list")
		serviceKey = flag.String("service", "corerpc-echo", "service name recorded in the static registry")
		message    = flag.String("message", "hello", "argument to pass to EchoService.Echo")
		timeout    = flag.Duration("timeout", 3*time.Second, "per-call timeout")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logs, err := rpclog.New(*debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build loggers:", err)
		os.Exit(1)
	}

	hostList, err := resolveHosts(*serviceKey, *hosts)
	if err != nil {
		logs.RootError.Fatal("failed to resolve hosts", zap.Error(err))
	}

	dial := func(host string, onClosed directclient.ClosedListener) (*directclient.DirectClient, error) {
		return directclient.Dial(host, directclient.Options{
			DialTimeout: time.Second,
			Logs:        logs,
			OnClosed:    onClosed,
		})
	}

	list, err := clientlist.New(hostList, clientlist.Options{Dial: dial})
	if err != nil {
		logs.RootError.Fatal("failed to build client fleet", zap.Error(err))
	}
	defer list.Close()

	client := cluster.New(list)
	result, err := client.Execute(directclient.Call{
		Target:   "EchoService",
		MethodID: "Echo(string)",
		Args:     []interface{}{*message},
		Timeout:  *timeout,
	})
	if err != nil {
		logs.RootError.Fatal("call failed", zap.Error(err))
	}

	fmt.Println(result)
}

// resolveHosts turns the -hosts flag into the fleet order clientlist.New
// dials in: a registry.StaticRegistry holds the configured instances,
// and balancer.InitialOrder (round robin) decides which slot each one
// starts in, rather than dialing them in flag order verbatim.
func resolveHosts(serviceKey, hostsFlag string) ([]string, error) {
	reg := registry.Hosts(serviceKey, strings.Split(hostsFlag, ",")...)
	instances, err := reg.Discover(serviceKey)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", serviceKey, err)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("no hosts configured for %s", serviceKey)
	}
	order := balancer.InitialOrder(&balancer.RoundRobinBalancer{}, instances)
	if len(order) == 0 {
		return nil, fmt.Errorf("balancer produced an empty order for %s", serviceKey)
	}
	return order, nil
}
