package registry

import (
	"golang.org/x/exp/slices"
)

// Registry is the table of connected slaves in registration order.
// It is not synchronized; the coordinator serializes every access.
type Registry struct {
	slaves []*Slave
}

func New() *Registry {
	return &Registry{}
}

// Add appends s, or replaces an entry with the same name in place so the
// slave keeps its position in the iteration order.
func (r *Registry) Add(s *Slave) {
	if i := r.indexByName(s.Name); i >= 0 {
		r.slaves[i] = s
		return
	}
	r.slaves = append(r.slaves, s)
}

func (r *Registry) Get(name string) (*Slave, bool) {
	i := r.indexByName(name)
	if i < 0 {
		return nil, false
	}
	return r.slaves[i], true
}

func (r *Registry) ByID(id int64) (*Slave, bool) {
	i := slices.IndexFunc(r.slaves, func(s *Slave) bool { return s.ID == id })
	if i < 0 {
		return nil, false
	}
	return r.slaves[i], true
}

// ByConn finds the slave owning the connection with the given id.
func (r *Registry) ByConn(connID string) (*Slave, bool) {
	i := slices.IndexFunc(r.slaves, func(s *Slave) bool {
		return s.conn != nil && s.conn.ID() == connID
	})
	if i < 0 {
		return nil, false
	}
	return r.slaves[i], true
}

// Remove deletes the entry and returns it, or nil if absent.
func (r *Registry) Remove(s *Slave) *Slave {
	i := slices.Index(r.slaves, s)
	if i < 0 {
		return nil
	}
	r.slaves = slices.Delete(r.slaves, i, i+1)
	return s
}

// List returns the slaves in registration order.
func (r *Registry) List() []*Slave {
	return slices.Clone(r.slaves)
}

func (r *Registry) Len() int {
	return len(r.slaves)
}

func (r *Registry) indexByName(name string) int {
	return slices.IndexFunc(r.slaves, func(s *Slave) bool { return s.Name == name })
}
