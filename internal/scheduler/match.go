// Package scheduler decides which free slave should run a pending
// assignment. It is pure: it reads registry and queue values and never
// mutates them.
package scheduler

import (
	"cmp"
	"strings"

	"github.com/mateo/testfarm/internal/queue"
	"github.com/mateo/testfarm/internal/registry"
	"golang.org/x/exp/slices"
)

// Rank orders how specifically a slave's affinity names a value.
// Lower is better.
type Rank int

const (
	RankExact Rank = iota
	RankList
	RankWildcard
	RankNone
)

// AffinityRank classifies affinity (a name, a comma-separated list, or
// "*") against want.
func AffinityRank(affinity, want string) Rank {
	switch {
	case affinity == want:
		return RankExact
	case affinity == registry.Wildcard:
		return RankWildcard
	case inList(affinity, want):
		return RankList
	default:
		return RankNone
	}
}

func inList(list, want string) bool {
	if !strings.Contains(list, ",") {
		return false
	}
	for _, item := range strings.Split(list, ",") {
		if strings.TrimSpace(item) == want {
			return true
		}
	}
	return false
}

// Candidates returns the free, active slaves whose affinity admits the
// project and test type, best first. Order is stable: ties beyond priority
// keep the order of slaves.
func Candidates(slaves []*registry.Slave, project, testType string) []*registry.Slave {
	type ranked struct {
		slave    *registry.Slave
		project  Rank
		testType Rank
	}

	var pool []ranked
	for _, s := range slaves {
		if !s.Free() || !s.Active {
			continue
		}
		pr := AffinityRank(s.ProjectName, project)
		tr := AffinityRank(s.TestType, testType)
		if pr == RankNone || tr == RankNone {
			continue
		}
		pool = append(pool, ranked{slave: s, project: pr, testType: tr})
	}

	slices.SortStableFunc(pool, func(a, b ranked) int {
		if c := cmp.Compare(a.project, b.project); c != 0 {
			return c
		}
		if c := cmp.Compare(a.testType, b.testType); c != 0 {
			return c
		}
		return cmp.Compare(a.slave.Priority, b.slave.Priority)
	})

	out := make([]*registry.Slave, len(pool))
	for i, r := range pool {
		out[i] = r.slave
	}
	return out
}

// Match picks the slave that should run a, or nil when none qualifies.
// An explicit target bypasses affinity and the active flag but must still
// be free and capable.
func Match(slaves []*registry.Slave, a *queue.Assignment) *registry.Slave {
	if a.Driver == "" {
		return nil
	}
	required := a.Requirements()

	if a.TargetSlaveID != queue.AnySlave {
		i := slices.IndexFunc(slaves, func(s *registry.Slave) bool { return s.ID == a.TargetSlaveID })
		if i < 0 {
			return nil
		}
		if s := slaves[i]; s.Free() && s.HasCapabilities(required) {
			return s
		}
		return nil
	}

	for _, s := range Candidates(slaves, a.ProjectName, a.TestType) {
		if s.HasCapabilities(required) {
			return s
		}
	}
	return nil
}
