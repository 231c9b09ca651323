package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthStatus represents the health status of the server
type HealthStatus struct {
	Status      string            `json:"status"` // "healthy", "unhealthy"
	Timestamp   time.Time         `json:"timestamp"`
	Components  map[string]string `json:"components,omitempty"`
	DeadLetters map[string]int    `json:"dead_letters,omitempty"`
	Message     string            `json:"message,omitempty"`
	Version     string            `json:"version,omitempty"`
	Uptime      string            `json:"uptime,omitempty"`
	StartTime   time.Time         `json:"-"`
}

var (
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}
)

// ComponentHealth tracks the health of a single component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// HealthChecker manages health checks for various components
type HealthChecker struct {
	mu          sync.RWMutex
	components  map[string]ComponentHealth
	startTime   time.Time
	version     string
	deadLetters func() map[string]int
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

// RegisterComponent registers a component for health checking
func RegisterComponent(name string, healthy bool, message string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()

	healthChecker.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// UpdateComponent updates the health status of a component
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// SetDeadLetterSource installs the callback that supplies per-class
// dead-letter counts for health responses
func SetDeadLetterSource(fn func() map[string]int) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.deadLetters = fn
}

// GetHealth returns the overall health status. Subsystems report themselves
// as components: cache, persistence, task_worker, and one sync_workers:<class>
// entry per write-behind class carrying its lag.
func GetHealth() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string)

	for name, comp := range healthChecker.components {
		if !comp.Healthy {
			status = "unhealthy"
			components[name] = "unhealthy: " + comp.Message
		} else if comp.Message != "" {
			components[name] = comp.Message
		} else {
			components[name] = "ok"
		}
	}

	uptime := time.Since(healthChecker.startTime)

	var deadLetters map[string]int
	if healthChecker.deadLetters != nil {
		deadLetters = healthChecker.deadLetters()
	}

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Components:  components,
		DeadLetters: deadLetters,
		Version:     healthChecker.version,
		Uptime:      uptime.String(),
		StartTime:   healthChecker.startTime,
	}
}

// HealthHandler returns an HTTP handler for the /health endpoint
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()

		w.Header().Set("Content-Type", "application/json")

		statusCode := http.StatusOK
		if health.Status == "unhealthy" {
			statusCode = http.StatusServiceUnavailable
		}
		w.WriteHeader(statusCode)

		_ = json.NewEncoder(w).Encode(health)
	}
}

// LivenessHandler returns a simple liveness check (always 200 while the
// process runs)
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(healthChecker.startTime).String(),
		})
	}
}
