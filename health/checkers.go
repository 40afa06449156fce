package health

import (
	"context"
	"time"

	"github.com/glimte/amqpmodel"
)

// ModelChecker reports the lifecycle state of a model
type ModelChecker struct {
	model *amqpmodel.Model
}

// NewModelChecker creates a checker for m
func NewModelChecker(m *amqpmodel.Model) *ModelChecker {
	return &ModelChecker{model: m}
}

func (c *ModelChecker) Name() string {
	return "model"
}

func (c *ModelChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.model.State()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"state":     state.String(),
			"consumers": len(c.model.ConsumerTags()),
		},
	}
	if q := c.model.Queue(); q != nil {
		result.Details["queue"] = q.Name
	}
	if ex := c.model.Exchange(); ex != nil {
		result.Details["exchange"] = ex.Name
	}

	switch state {
	case amqpmodel.StateReady:
		result.Status = StatusHealthy
		result.Message = "Model is ready"
	case amqpmodel.StateError, amqpmodel.StateDisconnected:
		result.Status = StatusUnhealthy
		result.Message = "Model is " + state.String()
		if err := c.model.Err(); err != nil {
			result.Error = err.Error()
		}
	default:
		result.Status = StatusDegraded
		result.Message = "Model is still setting up"
	}

	result.Duration = time.Since(start)
	return result
}

// Connectable is implemented by transports that can report their
// connection state
type Connectable interface {
	IsConnected() bool
}

// ConnectionChecker reports whether a transport connection is open
type ConnectionChecker struct {
	conn Connectable
}

// NewConnectionChecker creates a checker for conn
func NewConnectionChecker(conn Connectable) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "connection"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
	}

	if c.conn.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "Connection is open"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
	}

	result.Duration = time.Since(start)
	return result
}
