// Package health reports the health of a requestor run and the services it
// depends on.
//
// Endpoints:
// - /health - liveness
// - /health/ready - readiness, fails when the marketplace daemon is unreachable
// - /health/detailed - every component plus the run state
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cosmossdk.io/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	healthCheckTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crunch_health_check_total",
			Help: "Total number of health check requests",
		},
		[]string{"endpoint", "status"},
	)

	componentHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crunch_component_healthy",
			Help: "1 if the component is healthy, 0 otherwise",
		},
		[]string{"component"},
	)
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// ComponentHealth represents the health status of a single component
type ComponentHealth struct {
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metrics   map[string]interface{} `json:"metrics,omitempty"`
}

// HealthCheck represents the overall health check response
type HealthCheck struct {
	Status     Status                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// Probe checks that a dependency answers.
type Probe func(ctx context.Context) error

// RunState reports the controller state name and the run error, if any.
type RunState func() (state string, failed bool, lastError string)

// Checker performs health checks on the run's dependencies.
type Checker struct {
	logger      log.Logger
	marketplace Probe
	journal     Probe
	run         RunState
	version     string

	maxResponseTime time.Duration

	mu            sync.RWMutex
	lastCheck     time.Time
	cachedHealth  *HealthCheck
	cacheDuration time.Duration
}

// Config holds configuration for the health checker
type Config struct {
	// Version is reported in every response
	Version string

	// MaxResponseTime bounds each probe; half of it marks a component degraded
	MaxResponseTime time.Duration

	// CacheDuration is how long readiness results are reused
	CacheDuration time.Duration
}

// DefaultConfig returns the default health check configuration
func DefaultConfig() Config {
	return Config{
		MaxResponseTime: 5 * time.Second,
		CacheDuration:   5 * time.Second,
	}
}

// NewChecker creates a health checker. journal and run are optional.
func NewChecker(logger log.Logger, cfg Config, marketplace, journal Probe, run RunState) (*Checker, error) {
	if marketplace == nil {
		return nil, fmt.Errorf("marketplace probe is required")
	}
	if cfg.MaxResponseTime <= 0 {
		return nil, fmt.Errorf("max response time must be positive")
	}

	return &Checker{
		logger:          logger.With("module", "health"),
		marketplace:     marketplace,
		journal:         journal,
		run:             run,
		version:         cfg.Version,
		maxResponseTime: cfg.MaxResponseTime,
		cacheDuration:   cfg.CacheDuration,
	}, nil
}

type check struct {
	name string
	fn   func(context.Context) ComponentHealth
}

// Check runs every probe in parallel. Non-detailed results are cached.
func (c *Checker) Check(ctx context.Context, detailed bool) *HealthCheck {
	if !detailed {
		if cached, ok := c.cached(); ok {
			return cached
		}
	}

	health := &HealthCheck{
		Timestamp:  time.Now(),
		Version:    c.version,
		Components: make(map[string]ComponentHealth),
	}

	checks := []check{{"marketplace", c.probe(c.marketplace)}}
	if c.journal != nil {
		checks = append(checks, check{"journal", c.probe(c.journal)})
	}
	if detailed && c.run != nil {
		checks = append(checks, check{"run", c.checkRun})
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, ch := range checks {
		wg.Add(1)
		go func(ch check) {
			defer wg.Done()
			result := ch.fn(ctx)
			mu.Lock()
			health.Components[ch.name] = result
			mu.Unlock()
		}(ch)
	}
	wg.Wait()

	for name, component := range health.Components {
		healthy := 0.0
		if component.Status == StatusHealthy {
			healthy = 1
		}
		componentHealthy.WithLabelValues(name).Set(healthy)
	}

	health.Status = calculateOverallStatus(health.Components)

	if !detailed {
		c.mu.Lock()
		c.lastCheck = time.Now()
		c.cachedHealth = health
		c.mu.Unlock()
	}
	return health
}

// probe times p and grades the answer.
func (c *Checker) probe(p Probe) func(context.Context) ComponentHealth {
	return func(ctx context.Context) ComponentHealth {
		timeoutCtx, cancel := context.WithTimeout(ctx, c.maxResponseTime)
		defer cancel()

		start := time.Now()
		err := p(timeoutCtx)
		duration := time.Since(start)

		if err != nil {
			return ComponentHealth{
				Status:    StatusUnhealthy,
				Message:   err.Error(),
				Timestamp: time.Now(),
			}
		}

		status := StatusHealthy
		message := "responsive"
		if duration > c.maxResponseTime/2 {
			status = StatusDegraded
			message = "response time is degraded"
		}
		return ComponentHealth{
			Status:    status,
			Message:   message,
			Timestamp: time.Now(),
			Metrics:   map[string]interface{}{"response_time_ms": duration.Milliseconds()},
		}
	}
}

func (c *Checker) checkRun(context.Context) ComponentHealth {
	state, failed, lastError := c.run()
	health := ComponentHealth{
		Status:    StatusHealthy,
		Message:   state,
		Timestamp: time.Now(),
		Metrics:   map[string]interface{}{"state": state},
	}
	if failed {
		health.Status = StatusUnhealthy
		health.Message = lastError
	}
	return health
}

// calculateOverallStatus determines the overall health status based on component statuses
func calculateOverallStatus(components map[string]ComponentHealth) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, component := range components {
		switch component.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

func (c *Checker) cached() (*HealthCheck, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cachedHealth == nil || time.Since(c.lastCheck) >= c.cacheDuration {
		return nil, false
	}
	return c.cachedHealth, true
}

// RegisterRoutes registers health check endpoints on router
func (c *Checker) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", c.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", c.handleCheck("ready", false)).Methods(http.MethodGet)
	router.HandleFunc("/health/detailed", c.handleCheck("detailed", true)).Methods(http.MethodGet)
}

func (c *Checker) handleHealth(w http.ResponseWriter, _ *http.Request) {
	healthCheckTotal.WithLabelValues("live", string(StatusHealthy)).Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (c *Checker) handleCheck(endpoint string, detailed bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := c.Check(r.Context(), detailed)
		healthCheckTotal.WithLabelValues(endpoint, string(health.Status)).Inc()

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
			c.logger.Debug("health check failed", "endpoint", endpoint, "components", len(health.Components))
		}
		writeJSON(w, statusCode, health)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
