package queue

import (
	"golang.org/x/exp/slices"
)

// Queue is the working set of unfinished assignments. Iteration order is
// insertion order. Like the registry it relies on the coordinator for
// serialization.
type Queue struct {
	items []*Assignment
}

func New() *Queue {
	return &Queue{}
}

// Add appends a if it is active and not already queued.
func (q *Queue) Add(a *Assignment) bool {
	if a == nil || !a.Status.Active() || q.Contains(a.ID) {
		return false
	}
	q.items = append(q.items, a)
	return true
}

func (q *Queue) Contains(id int64) bool {
	_, ok := q.Get(id)
	return ok
}

func (q *Queue) Get(id int64) (*Assignment, bool) {
	i := slices.IndexFunc(q.items, func(a *Assignment) bool { return a.ID == id })
	if i < 0 {
		return nil, false
	}
	return q.items[i], true
}

// FindScript resolves the assignment running script in round.
func (q *Queue) FindScript(roundID int64, script string) (*Assignment, bool) {
	i := slices.IndexFunc(q.items, func(a *Assignment) bool {
		return a.RoundID == roundID && a.ScriptName == script
	})
	if i < 0 {
		return nil, false
	}
	return q.items[i], true
}

func (q *Queue) Remove(id int64) bool {
	i := slices.IndexFunc(q.items, func(a *Assignment) bool { return a.ID == id })
	if i < 0 {
		return false
	}
	q.items = slices.Delete(q.items, i, i+1)
	return true
}

// Pending returns pending assignments in FIFO order.
func (q *Queue) Pending() []*Assignment {
	var out []*Assignment
	for _, a := range q.items {
		if a.Status == StatusPending {
			out = append(out, a)
		}
	}
	return out
}

func (q *Queue) List() []*Assignment {
	return slices.Clone(q.items)
}

func (q *Queue) Len() int {
	return len(q.items)
}
