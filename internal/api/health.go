package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tally-io/tally/internal/datastore"
	"github.com/tally-io/tally/internal/datastore/keys"
	"github.com/tally-io/tally/internal/objectstore"
)

// ReadinessChecker is a dependency that can report whether it is serving.
type ReadinessChecker interface {
	// Name returns the name of the component for display in health status.
	Name() string

	// CheckReady returns nil if the component is ready, or an error describing
	// why it is not.
	CheckReady(ctx context.Context) error
}

// HealthStatus is the /health response.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult represents the result of a single health check.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// DefaultReadinessTimeout bounds all readiness checks of one request.
const DefaultReadinessTimeout = 5 * time.Second

const healthCheckKey = keys.Prefix + "/health-check"

// DatastoreChecker verifies the data service responds.
type DatastoreChecker struct {
	store datastore.Store
}

func NewDatastoreChecker(store datastore.Store) *DatastoreChecker {
	return &DatastoreChecker{store: store}
}

func (c *DatastoreChecker) Name() string { return "datastore" }

// CheckReady reads a key that never exists; only a transport failure fails.
func (c *DatastoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("datastore not configured")
	}
	_, err := c.store.Get(ctx, healthCheckKey)
	return err
}

// ObjectStoreChecker verifies the archive bucket is reachable.
type ObjectStoreChecker struct {
	store objectstore.Store
}

func NewObjectStoreChecker(store objectstore.Store) *ObjectStoreChecker {
	return &ObjectStoreChecker{store: store}
}

func (c *ObjectStoreChecker) Name() string { return "object_store" }

func (c *ObjectStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("object store not configured")
	}
	_, err := c.store.Head(ctx, "health-check")
	if err != nil && !errors.Is(err, objectstore.ErrNotFound) {
		return err
	}
	return nil
}

func (s *Server) checkHealth(ctx context.Context) HealthStatus {
	status := HealthStatus{Status: "ok", Checks: make(map[string]CheckResult)}
	if s.shuttingDown.Load() {
		status.Status = "shutting_down"
		status.Checks["shutdown"] = CheckResult{Healthy: false, Message: "server is shutting down"}
		return status
	}

	ctx, cancel := context.WithTimeout(ctx, s.readinessTimeout)
	defer cancel()
	for _, check := range s.checks {
		if err := check.CheckReady(ctx); err != nil {
			status.Status = "unavailable"
			status.Checks[check.Name()] = CheckResult{Healthy: false, Message: err.Error()}
			continue
		}
		status.Checks[check.Name()] = CheckResult{Healthy: true}
	}
	return status
}

func (s *Server) handleHealth(c *gin.Context) {
	status := s.checkHealth(c.Request.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	if c.Request.Method == http.MethodHead {
		c.Status(code)
		return
	}
	c.JSON(code, status)
}
