package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tally-io/tally/internal/logging"
)

// Registry is the process registry: the Go and process collectors plus a
// Set of tally recorders. Nothing is registered on the default registry.
type Registry struct {
	*Set
	reg *prometheus.Registry
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: Namespace}),
	)
	return &Registry{Set: NewSet(reg), reg: reg}
}

func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the exposition format. Scrapes are counted under
// promhttp_metric_handler_requests_total on the same registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(r.reg, promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{
		Registry:      r.reg,
		ErrorHandling: promhttp.ContinueOnError,
	}))
}

// Server exposes a Registry on /metrics.
type Server struct {
	srv  *http.Server
	addr string
}

// Serve binds addr and serves r until Shutdown. Use "127.0.0.1:0" for an
// ephemeral port; Addr reports the bound one.
func (r *Registry) Serve(addr string) (*Server, error) {
	engine := gin.New()
	engine.Use(gin.Recovery())
	h := gin.WrapH(r.Handler())
	engine.GET("/metrics", h)
	engine.HEAD("/metrics", h)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		srv: &http.Server{
			Handler:      engine,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		addr: ln.Addr().String(),
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Global().Warnf("metrics server stopped", map[string]any{
				"addr":  s.Addr(),
				"error": err.Error(),
			})
		}
	}()
	return s, nil
}

func (s *Server) Addr() string { return s.addr }

// Shutdown waits for in-flight scrapes until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
