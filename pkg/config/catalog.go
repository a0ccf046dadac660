package config

import (
	"fmt"
	"maps"
	"sync/atomic"

	"callctl/pkg/protocol"
)

// Catalog maps agent types to worker programs. Readers see either the old
// or the new table after a Swap, never a mix.
type Catalog struct {
	programs atomic.Pointer[map[protocol.AgentType]protocol.WorkerProgram]
}

// NewCatalog returns a Catalog holding a copy of programs.
func NewCatalog(programs map[protocol.AgentType]protocol.WorkerProgram) *Catalog {
	c := &Catalog{}
	c.Swap(programs)
	return c
}

// Resolve returns the worker program for t.
func (c *Catalog) Resolve(t protocol.AgentType) (protocol.WorkerProgram, error) {
	if _, err := protocol.ParseAgentType(string(t)); err != nil {
		return protocol.WorkerProgram{}, err
	}
	prog, ok := (*c.programs.Load())[t]
	if !ok {
		return protocol.WorkerProgram{}, &protocol.ConfigurationError{
			Kind:   protocol.ScriptNotFound,
			Detail: fmt.Sprintf("no worker program configured for %s", t),
		}
	}
	return prog, nil
}

// Swap replaces the whole table.
func (c *Catalog) Swap(programs map[protocol.AgentType]protocol.WorkerProgram) {
	cp := maps.Clone(programs)
	if cp == nil {
		cp = map[protocol.AgentType]protocol.WorkerProgram{}
	}
	c.programs.Store(&cp)
}

// Programs returns a copy of the current table.
func (c *Catalog) Programs() map[protocol.AgentType]protocol.WorkerProgram {
	return maps.Clone(*c.programs.Load())
}
