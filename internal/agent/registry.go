// Package agent defines the live agent abstraction the improvement loop
// mutates. Registry state is in-memory only and rebuilt on process start;
// the persona version chain in the prompt store is the durable record.
package agent

import (
	"fmt"
	"sync"
)

// Agent is a live agent whose persona can be swapped at runtime.
type Agent interface {
	Identity() string
	Persona() string
	SetPersona(text, versionID string)
}

// LiveAgent is the default Agent implementation, safe for concurrent use.
type LiveAgent struct {
	mu        sync.RWMutex
	id        string
	role      string
	persona   string
	versionID string
}

// NewLiveAgent creates an agent with its static workflow-definition persona.
// versionID stays empty until the improvement loop attaches a version.
func NewLiveAgent(id, role, persona string) *LiveAgent {
	return &LiveAgent{id: id, role: role, persona: persona}
}

// Identity returns the agent's id.
func (a *LiveAgent) Identity() string { return a.id }

// Role returns the agent's workflow role.
func (a *LiveAgent) Role() string { return a.role }

// Persona returns the agent's current persona text.
func (a *LiveAgent) Persona() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.persona
}

// PersonaVersionID returns the prompt version the current persona came
// from, or "" for the static workflow persona.
func (a *LiveAgent) PersonaVersionID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.versionID
}

// SetPersona replaces the agent's persona text and records its version.
func (a *LiveAgent) SetPersona(text, versionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.persona = text
	a.versionID = versionID
}

// Registry maps agent id to live agent for one workflow team.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent. Registering the same id twice is an error.
func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.Identity()]; exists {
		return fmt.Errorf("agent %q already registered", a.Identity())
	}
	r.agents[a.Identity()] = a
	return nil
}

// Get returns an agent by id, or nil if not registered.
func (r *Registry) Get(agentID string) Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[agentID]
}

// List returns all registered agents.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agents := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	return agents
}
