// Package httpapi is the ambient health/readiness/metrics surface exposed
// alongside the core. The scheduling and dispatch engine itself is
// transport-agnostic (see internal/scheduling.Service); this package only
// carries the operational endpoints a deployer's load balancer and
// scrape target need, in the shape the starting point's health handler
// used before the campaign-CRUD surface it fronted was superseded by the
// Scheduling Service.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatrelay/internal/connection"
	"chatrelay/internal/repository"
)

// Status constants mirrored per dependency check.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"

	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// HealthStatus is the /healthz response body.
type HealthStatus struct {
	Status    string            `json:"status"`
	Services  map[string]string `json:"services"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version,omitempty"`
}

// Checker performs the dependency checks the /healthz and /readyz
// endpoints report. It never touches the core's business logic directly;
// it only asks each collaborator whether it is reachable.
type Checker struct {
	db         repository.DB
	rabbitURL  string
	manager    *connection.Manager
	version    string
}

// NewChecker constructs a Checker. manager may be nil if the process
// hosting this endpoint does not own a Connection Manager (e.g. a
// horizontally scaled read-only status process).
func NewChecker(db repository.DB, rabbitURL string, manager *connection.Manager, version string) *Checker {
	return &Checker{db: db, rabbitURL: rabbitURL, manager: manager, version: version}
}

func (c *Checker) checkDatabase(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.db.QueryRowContext(ctx, "SELECT 1").Scan(new(int)); err != nil {
		return StatusDisconnected
	}
	return StatusConnected
}

func (c *Checker) checkQueue() string {
	conn, err := amqp.DialConfig(c.rabbitURL, amqp.Config{Dial: amqp.DefaultDial(2 * time.Second)})
	if err != nil {
		return StatusDisconnected
	}
	defer conn.Close()
	return StatusConnected
}

// CheckHealth reports database and queue reachability plus overall status.
func (c *Checker) CheckHealth(ctx context.Context) *HealthStatus {
	services := map[string]string{
		"database": c.checkDatabase(ctx),
		"queue":    c.checkQueue(),
	}
	if c.manager != nil {
		if c.manager.GetSocket() != nil {
			services["chat_socket"] = StatusConnected
		} else {
			services["chat_socket"] = StatusDisconnected
		}
	}

	overall := StatusHealthy
	if services["database"] == StatusDisconnected {
		overall = StatusUnhealthy
	} else if services["queue"] == StatusDisconnected {
		overall = StatusDegraded
	}

	return &HealthStatus{
		Status:    overall,
		Services:  services,
		Timestamp: time.Now().UTC(),
		Version:   c.version,
	}
}

// Router builds the ambient mux.Router serving /healthz, /readyz, and
// /metrics. It never mounts the Scheduling Service's operations; those
// are the transport layer's responsibility (out of scope for this repo).
func Router(checker *Checker) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		status := checker.CheckHealth(req.Context())
		w.Header().Set("Content-Type", "application/json")
		switch status.Status {
		case StatusHealthy:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	}).Methods(http.MethodGet)

	r.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		status := checker.CheckHealth(req.Context())
		w.Header().Set("Content-Type", "application/json")
		if status.Services["database"] != StatusConnected {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(status)
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}
