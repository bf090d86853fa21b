// internal/control/server.go
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autotap/api/schemas"
	"github.com/xkilldash9x/autotap/internal/channel"
	"github.com/xkilldash9x/autotap/internal/config"
	"github.com/xkilldash9x/autotap/internal/observability"
)

// maxBodySize caps POST /messages bodies.
const maxBodySize = 64 << 10

// Server is the popup/UI context: an HTTP API that forwards requests onto the bus.
type Server struct {
	cfg     config.ControlConfig
	bus     *channel.Bus
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewServer builds the control API. metrics may be nil, which disables /metrics.
func NewServer(cfg config.ControlConfig, bus *channel.Bus, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Server{cfg: cfg, bus: bus, metrics: metrics, logger: logger.Named("control")}
}

// Routes returns the API handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// The event stream is long-lived; it stays out of the request timeout.
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.Timeout))
			r.Post("/script/start", s.forward(func() schemas.Message { return schemas.StartScript{} }))
			r.Post("/script/stop", s.forward(func() schemas.Message { return schemas.StopScript{} }))
			r.Get("/script/status", s.forward(func() schemas.Message { return schemas.GetScriptStatus{} }))
			r.Post("/messages", s.handleMessage)
		})
	})
	return r
}

// Run serves on the configured address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Control API listening.", zap.String("address", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("control API stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Control API shutdown error.", zap.Error(err))
		return err
	}
	<-errCh
	s.logger.Info("Control API stopped.")
	return nil
}

// -- Handlers --

// forward sends a fixed message to the target tab.
func (s *Server) forward(build func() schemas.Message) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg := build()
		to, err := s.target(r, msg)
		if err != nil {
			s.respond(w, schemas.Fail(err))
			return
		}
		s.respond(w, s.bus.Send(r.Context(), channel.Popup, to, msg))
	}
}

// handleMessage accepts any script message in its wire form.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.respond(w, schemas.FailWith(schemas.ErrorTypeInvalidMessage, fmt.Sprintf("failed to read body: %v", err)))
		return
	}
	msg, err := schemas.DecodeMessage(body)
	if err != nil {
		t := schemas.ErrorTypeInvalidMessage
		if schemas.ErrorTypeOf(err) == schemas.ErrorTypeUnknownAction {
			t = schemas.ErrorTypeUnknownAction
		}
		s.respond(w, schemas.FailWith(t, err.Error()))
		return
	}
	to, err := s.target(r, msg)
	if err != nil {
		s.respond(w, schemas.Fail(err))
		return
	}
	s.logger.Debug("Forwarding message.", zap.String("action", string(msg.Action())), zap.Stringer("to", to))
	s.respond(w, s.bus.Send(r.Context(), channel.Popup, to, msg))
}

// target picks the receiving context: background requests go to the background, everything
// else to the tab named by ?tab=N, or the first attached tab.
func (s *Server) target(r *http.Request, msg schemas.Message) (channel.Address, error) {
	switch msg.(type) {
	case schemas.GetCredentials, schemas.FindAuthTab, schemas.ClickControlInTab:
		return channel.Background, nil
	}
	if raw := r.URL.Query().Get("tab"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil || id <= 0 {
			return channel.Address{}, schemas.NewTypedError(schemas.ErrorTypeInvalidArgument, fmt.Errorf("invalid tab %q", raw))
		}
		return channel.Tab(id), nil
	}
	tabs := s.bus.Tabs()
	if len(tabs) == 0 {
		return channel.Address{}, fmt.Errorf("%w: no monitored tab is attached", channel.ErrChannelUnavailable)
	}
	return channel.Tab(tabs[0]), nil
}

func (s *Server) respond(w http.ResponseWriter, resp schemas.Response) {
	if creds, ok := schemas.DataAs[schemas.Credentials](resp); ok {
		resp.Data = creds.Redacted()
	}
	body, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to encode response.", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(resp))
	_, _ = w.Write(body)
}

// statusFor maps a response onto an HTTP status. The body always carries the full response.
func statusFor(resp schemas.Response) int {
	if resp.Success {
		return http.StatusOK
	}
	switch resp.ErrorType {
	case schemas.ErrorTypeInvalidMessage, schemas.ErrorTypeUnknownAction, schemas.ErrorTypeInvalidArgument:
		return http.StatusBadRequest
	case schemas.ErrorTypeAlreadyRunning, schemas.ErrorTypeInvalidTransition:
		return http.StatusConflict
	case schemas.ErrorTypeChannelUnavailable:
		return http.StatusServiceUnavailable
	case schemas.ErrorTypeNoResponse:
		return http.StatusGatewayTimeout
	case schemas.ErrorTypeInternal, schemas.ErrorTypeHandlerFailed:
		return http.StatusInternalServerError
	}
	return http.StatusUnprocessableEntity
}
