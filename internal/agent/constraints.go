package agent

import (
	"context"
	"time"
)

// DefaultRunLimit bounds a run whose command carries no timeout.
const DefaultRunLimit = 2 * time.Hour

// Constrainer bounds how long one assignment may run.
type Constrainer struct {
	limit time.Duration
}

// NewConstrainer takes the command's limit in milliseconds.
func NewConstrainer(limitMillis int64) *Constrainer {
	limit := time.Duration(limitMillis) * time.Millisecond
	if limit <= 0 {
		limit = DefaultRunLimit
	}
	return &Constrainer{limit: limit}
}

func (c *Constrainer) WithContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.limit)
}

func (c *Constrainer) Deadline() time.Duration {
	return c.limit
}
