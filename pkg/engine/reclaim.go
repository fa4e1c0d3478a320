package engine

import (
	"sync"

	"github.com/batlogic/axiom/pkg/codegen"
)

// reclaimer defers releasing replaced modules until enough compile passes
// have completed that no execution goroutine can still be using them.
type reclaimer struct {
	mu      sync.Mutex
	delay   uint64
	pending []retiredModule
}

type retiredModule struct {
	module codegen.Module
	pass   uint64
}

// retire queues m, replaced during pass.
func (r *reclaimer) retire(m codegen.Module, pass uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, retiredModule{module: m, pass: pass})
	return len(r.pending)
}

// collect releases modules retired at least delay passes before pass and
// returns how many were released and how many remain.
func (r *reclaimer) collect(pass uint64) (released, remaining int) {
	r.mu.Lock()
	var due []codegen.Module
	keep := r.pending[:0]
	for _, rm := range r.pending {
		if pass >= rm.pass+r.delay {
			due = append(due, rm.module)
			continue
		}
		keep = append(keep, rm)
	}
	for i := len(keep); i < len(r.pending); i++ {
		r.pending[i] = retiredModule{}
	}
	r.pending = keep
	remaining = len(r.pending)
	r.mu.Unlock()

	for _, m := range due {
		m.Release()
	}
	return len(due), remaining
}

// drain releases every pending module.
func (r *reclaimer) drain() int {
	r.mu.Lock()
	due := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, rm := range due {
		rm.module.Release()
	}
	return len(due)
}

func (r *reclaimer) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
