// Package health serves the liveness and readiness endpoints of the binaries.
package health

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-fulfillment/pkg/broker"
	"github.com/zoff-tech/go-fulfillment/pkg/logging"
)

const defaultCheckTimeout = 2 * time.Second

// Check reports whether one dependency can be used.
type Check func(ctx context.Context) error

// CheckStatus is the readiness of one dependency.
type CheckStatus struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

var errCircuitOpen = errors.New("broker circuit open")

// BusCheck fails while the circuit breaker in front of bus is open.
func BusCheck(bus broker.Bus) Check {
	return func(context.Context) error {
		if b, ok := bus.(interface{ State() string }); ok && b.State() == "open" {
			return errCircuitOpen
		}
		return nil
	}
}

type Server struct {
	app     *fiber.App
	mu      sync.RWMutex
	checks  map[string]Check
	timeout time.Duration
	logger  *zap.Logger
}

func NewServer(logger *zap.Logger) *Server {
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			JSONEncoder:           json.Marshal,
			JSONDecoder:           json.Unmarshal,
		}),
		checks:  make(map[string]Check),
		timeout: defaultCheckTimeout,
		logger:  logging.OrNop(logger),
	}
	s.app.Get("/healthz", s.live)
	s.app.Get("/readyz", s.ready)
	return s
}

// Register adds a readiness check. A later check with the same name replaces
// the earlier one.
func (s *Server) Register(name string, check Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// App exposes the fiber app, mostly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) live(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "alive"})
}

func (s *Server) ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), s.timeout)
	defer cancel()

	statuses := s.Run(ctx)
	httpStatus := fiber.StatusOK
	overall := "available"
	for name, st := range statuses {
		if !st.Healthy {
			httpStatus = fiber.StatusServiceUnavailable
			overall = "degraded"
			s.logger.Warn("Readiness check failed", zap.String("check", name), zap.String("error", st.Error))
		}
	}
	return c.Status(httpStatus).JSON(fiber.Map{
		"status":       overall,
		"dependencies": statuses,
	})
}

// Run executes every registered check.
func (s *Server) Run(ctx context.Context) map[string]CheckStatus {
	s.mu.RLock()
	checks := maps.Clone(s.checks)
	s.mu.RUnlock()
	names := slices.Sorted(maps.Keys(checks))

	out := make(map[string]CheckStatus, len(names))
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			out[name] = CheckStatus{Error: err.Error()}
			continue
		}
		out[name] = CheckStatus{Healthy: true}
	}
	return out
}

// Serve listens on addr until ctx is cancelled, then shuts the app down.
func (s *Server) Serve(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Health server listening", zap.String("address", addr))
		errCh <- s.app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if err := s.app.ShutdownWithTimeout(5 * time.Second); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}
