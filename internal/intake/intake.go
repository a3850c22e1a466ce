// Package intake is the external work channel the coordinator drains each
// tick: newly pending assignments, operator stop requests, and slaves whose
// durable record changed.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
)

// StopRequest asks the coordinator to stop an assignment on a slave.
type StopRequest struct {
	AssignmentID int64 `json:"id"`
	SlaveID      int64 `json:"slave_id"`
}

type pendingEntry struct {
	ID int64 `json:"id"`
}

// Intake drains are atomic: a value returned by one call is never returned
// by another, and no value appended concurrently is lost.
type Intake interface {
	DrainPending(ctx context.Context) ([]int64, error)
	DrainStop(ctx context.Context) ([]StopRequest, error)
	DrainUpdatedSlaves(ctx context.Context) ([]int64, error)
}

// Producer is the write side used by operators and the web front end.
type Producer interface {
	EnqueuePending(ctx context.Context, ids ...int64) error
	RequestStop(ctx context.Context, reqs ...StopRequest) error
	MarkSlaveUpdated(ctx context.Context, ids ...int64) error
}

func decodePending(raw string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	var entries []pendingEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("decoding pending list: %w", err)
	}
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids, nil
}

func decodeStop(raw string) ([]StopRequest, error) {
	if raw == "" {
		return nil, nil
	}
	var reqs []StopRequest
	if err := json.Unmarshal([]byte(raw), &reqs); err != nil {
		return nil, fmt.Errorf("decoding stop list: %w", err)
	}
	return reqs, nil
}
