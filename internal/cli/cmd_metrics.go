package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/seqstore/pkg/seqstore"
)

const (
	defaultMetricsAddr = "127.0.0.1:9464"
	shutdownTimeout    = 5 * time.Second
)

// MetricsCmd returns the metrics command.
func MetricsCmd(s *session) *Command {
	flags := flag.NewFlagSet("metrics", flag.ContinueOnError)
	listen := flags.StringP("listen", "l", "", "Listen `address` (default metrics_addr or "+defaultMetricsAddr+")")

	return &Command{
		Flags: flags,
		Usage: "metrics [flags]",
		Short: "Serve Prometheus metrics",
		Long: `Serve store and environment metrics on /metrics until interrupted.

The environment stays open while serving, so other processes cannot open it.`,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			m, err := s.manager(ctx)
			if err != nil {
				return err
			}

			addr := *listen
			if addr == "" {
				addr = s.cfg.MetricsAddr
			}

			if addr == "" {
				addr = defaultMetricsAddr
			}

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}

			o.Printf("serving metrics on http://%s/metrics\n", ln.Addr())

			return serveMetrics(ctx, ln, newMetricsHandler(m), m.Done(), s.log)
		},
	}
}

// newMetricsHandler serves m's collector together with the Go runtime and
// process collectors from a private registry.
func newMetricsHandler(m *seqstore.Manager) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		seqstore.NewCollector(m),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return mux
}

// serveMetrics serves until ctx is cancelled or the environment shuts down.
func serveMetrics(ctx context.Context, ln net.Listener, h http.Handler, done <-chan struct{}, log *zap.Logger) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.Serve(ln)
	}()

	log.Info("metrics server started", zap.Stringer("addr", ln.Addr()))

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-done:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)

	serveErr := <-errCh
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}

	log.Info("metrics server stopped")

	return errors.Join(err, serveErr)
}
