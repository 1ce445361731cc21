// Package health provides health monitoring for gateway components
package health

import "time"

// Status values reported by components
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Status represents the health state of a component or the whole gateway
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"` // "healthy", "unhealthy", "degraded"
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StatusHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == StatusDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == StatusUnhealthy
}

// NewHealthy builds a healthy status for a component
func NewHealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		Status:    StatusHealthy,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewDegraded builds a degraded status for a component
func NewDegraded(component, message string) Status {
	return Status{
		Component: component,
		Status:    StatusDegraded,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewUnhealthy builds an unhealthy status for a component
func NewUnhealthy(component, message string) Status {
	return Status{
		Component: component,
		Status:    StatusUnhealthy,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Aggregate combines component statuses into a system status. The system is
// unhealthy if any component is unhealthy, degraded if any is degraded, and
// healthy otherwise.
func Aggregate(systemName string, statuses []Status) Status {
	agg := NewHealthy(systemName, "all components healthy")
	agg.SubStatuses = statuses

	for _, s := range statuses {
		if s.IsUnhealthy() {
			agg.Healthy = false
			agg.Status = StatusUnhealthy
			agg.Message = s.Component + ": " + s.Message
			return agg
		}
	}
	for _, s := range statuses {
		if s.IsDegraded() {
			agg.Healthy = false
			agg.Status = StatusDegraded
			agg.Message = s.Component + ": " + s.Message
			return agg
		}
	}
	return agg
}
