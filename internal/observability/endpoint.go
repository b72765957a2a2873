package observability

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/atekin/mprt/internal/errors"
	"github.com/atekin/mprt/internal/logger"
)

// ShutdownTimeout bounds the graceful stop of the metrics server.
const ShutdownTimeout = 5 * time.Second

// Endpoint serves /metrics until its context is cancelled.
type Endpoint struct {
	listenAddress string
	metrics       *Metrics
	ready         chan net.Addr
}

// NewEndpoint creates a metrics endpoint listening on listenAddress.
func NewEndpoint(listenAddress string, metrics *Metrics) *Endpoint {
	return &Endpoint{
		listenAddress: listenAddress,
		metrics:       metrics,
		ready:         make(chan net.Addr, 1),
	}
}

// Addr returns the bound address once the listener is up.
func (e *Endpoint) Addr() <-chan net.Addr {
	return e.ready
}

// Run listens and serves until ctx is done, then shuts the server down.
func (e *Endpoint) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	e.metrics.RegisterHandlers(mux)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", e.listenAddress)
	if err != nil {
		return errors.New(err).
			Component("observability").
			Category(errors.CategoryNetwork).
			Context("address", e.listenAddress).
			Build()
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	e.ready <- ln.Addr()
	log.Info("metrics endpoint started", logger.String("address", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics server shutdown error", logger.Error(err))
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("metrics endpoint stopped")
	return nil
}
