/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	ipfixfwd "github.com/CESNET/ipfixcol-forward"
)

func main() {
	var (
		configPath  = flag.String("config", "/etc/ipfixcol-forward/config.yaml", "path to the YAML configuration file")
		tcpAddr     = flag.String("tcp", ":4739", "address to accept IPFIX-over-TCP sessions on")
		udpAddr     = flag.String("udp", ":4739", "address to accept IPFIX-over-UDP datagrams on")
		metricsAddr = flag.String("metrics", ":9000", "address to serve Prometheus metrics on")
	)
	flag.Parse()

	log := logr.Discard()
	if os.Getenv("IPFIXCOL_FORWARD_DEBUG") != "" {
		log = logr.New(textLogger{})
	}
	ipfixfwd.SetLogger(log)

	if err := run(*configPath, *tcpAddr, *udpAddr, *metricsAddr); err != nil {
		ipfixfwd.Log.Error(err, "exiting")
		os.Exit(1)
	}
}

func run(configPath, tcpAddr, udpAddr, metricsAddr string) error {
	f, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("opening config: %w", err)
	}
	cfg, err := ipfixfwd.Load(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	mode, err := cfg.DistributionMode()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	ipfixfwd.MustRegister(registry)

	templates := ipfixfwd.NewManager()
	destinations := ipfixfwd.NewDestinationManager(templates)
	for _, dc := range cfg.Destinations {
		destinations.Add(ipfixfwd.NewSender(dc.IP, dc.Port(cfg.DefaultPort)))
	}

	dispatcher := ipfixfwd.NewDispatcher(templates, destinations, cfg.PacketSize, mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	destinations.StartConnector(ctx, cfg.ReconnectionPeriod)
	defer destinations.StopConnector()

	tcpListener := ipfixfwd.NewTCPListener(tcpAddr, func(source interface{}) {
		for _, odid := range templates.ODIDs() {
			templates.RemoveSource(odid, source)
		}
	})
	udpListener := ipfixfwd.NewUDPListener(udpAddr)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return tcpListener.Listen(ctx) })
	group.Go(func() error { return udpListener.Listen(ctx) })
	group.Go(func() error { return serveMetrics(ctx, metricsAddr, registry) })
	group.Go(func() error { return ipfixfwd.Serve(ctx, dispatcher, templates, tcpListener, udpListener) })

	return group.Wait()
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// textLogger is a minimal logr.LogSink writing to stderr, used only when
// IPFIXCOL_FORWARD_DEBUG is set; production deployments are expected to
// call ipfixfwd.SetLogger with a real sink (zapr, logrusr, ...) from their
// own wiring.
type textLogger struct{}

var _ logr.LogSink = textLogger{}

func (textLogger) Init(logr.RuntimeInfo) {}
func (textLogger) Enabled(int) bool      { return true }
func (textLogger) Info(_ int, msg string, kv ...interface{}) {
	fmt.Fprintln(os.Stderr, append([]interface{}{"INFO", msg}, kv...)...)
}
func (textLogger) Error(err error, msg string, kv ...interface{}) {
	fmt.Fprintln(os.Stderr, append([]interface{}{"ERROR", msg, "error", err}, kv...)...)
}
func (t textLogger) WithValues(...interface{}) logr.LogSink { return t }
func (t textLogger) WithName(string) logr.LogSink           { return t }
