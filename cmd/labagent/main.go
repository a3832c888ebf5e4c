// labagent runs diagnostic tools for the lab console and streams their
// output over websockets.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/bgplab/livetest/internal/agent"
)

var (
	flagCertFile          = flag.String("cert", "", "The file with server certificates in PEM format.")
	flagKeyFile           = flag.String("key", "", "The file with server key in PEM format.")
	flagEndpoint          = flag.String("wss_addr", ":4443", "Listen address/port for TLS connections")
	flagEndpointCleartext = flag.String("ws_addr", ":8080", "Listen address/port for cleartext connections")
	flagDataDir           = flag.String("datadir", "./data", "Directory to archive finished tests in. Empty disables archiving.")
	flagHost              = flag.String("host", "", "Managed host name reported in monitor snapshots")
	flagFinishedTTL       = flag.Duration("finished_ttl", agent.DefaultFinishedTTL, "How long finished tests stay viewable")
	flagDebug             = flag.Bool("debug", false, "Enable debug logging")
)

// httpServer creates a new *http.Server with the provided address and
// handler. Only the header read is bounded: sessions last as long as the
// tools they run.
func httpServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func serve(srv *http.Server, tls bool) {
	l, err := net.Listen("tcp", srv.Addr)
	rtx.Must(err, "failed to create listener")
	go func() {
		if tls {
			err = srv.ServeTLS(l, *flagCertFile, *flagKeyFile)
		} else {
			err = srv.Serve(l)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			rtx.Must(err, "could not serve on %s", srv.Addr)
		}
	}()
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "could not get args from environment")

	// Initialize logging and metrics.
	log.SetReportCaller(true)
	log.SetReportTimestamp(true)
	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := agent.New(agent.Config{
		Host:        *flagHost,
		DataDir:     *flagDataDir,
		FinishedTTL: *flagFinishedTTL,
	})
	handler := a.Handler()

	servers := []*http.Server{httpServer(*flagEndpointCleartext, handler)}
	log.Info("About to listen for ws sessions", "endpoint", *flagEndpointCleartext)
	serve(servers[0], false)

	// Only start TLS-based services if certs and keys are provided
	if *flagCertFile != "" && *flagKeyFile != "" {
		tlsSrv := httpServer(*flagEndpoint, handler)
		log.Info("About to listen for wss sessions", "endpoint", *flagEndpoint)
		serve(tlsSrv, true)
		servers = append(servers, tlsSrv)
	}

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		srv.Shutdown(shutdownCtx)
	}
	// Stops the remaining tools, which ends their sessions, then archives.
	a.Close()
}
