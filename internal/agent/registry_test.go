package agent

import (
	"sync"
	"testing"
)

func TestRegistry(t *testing.T) {
	t.Run("register_and_get", func(t *testing.T) {
		reg := NewRegistry()
		a := NewLiveAgent("planner", "Planner", "plan things")
		if err := reg.Register(a); err != nil {
			t.Fatal(err)
		}
		got := reg.Get("planner")
		if got == nil || got.Identity() != "planner" {
			t.Fatalf("unexpected agent: %v", got)
		}
		if got.Persona() != "plan things" {
			t.Errorf("persona = %q", got.Persona())
		}
	})

	t.Run("duplicate_id_rejected", func(t *testing.T) {
		reg := NewRegistry()
		if err := reg.Register(NewLiveAgent("planner", "", "a")); err != nil {
			t.Fatal(err)
		}
		if err := reg.Register(NewLiveAgent("planner", "", "b")); err == nil {
			t.Error("expected duplicate error")
		}
	})

	t.Run("missing_agent_is_nil", func(t *testing.T) {
		reg := NewRegistry()
		if got := reg.Get("ghost"); got != nil {
			t.Errorf("expected nil, got %v", got)
		}
	})

	t.Run("set_persona_records_version", func(t *testing.T) {
		a := NewLiveAgent("planner", "Planner", "static persona")
		a.SetPersona("evolved persona", "ver-2")
		if a.Persona() != "evolved persona" {
			t.Errorf("persona = %q", a.Persona())
		}
		if a.PersonaVersionID() != "ver-2" {
			t.Errorf("version = %q", a.PersonaVersionID())
		}
	})

	t.Run("concurrent_persona_swaps", func(t *testing.T) {
		a := NewLiveAgent("planner", "Planner", "static")
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				a.SetPersona("swapped", "ver-x")
				_ = a.Persona()
			}()
		}
		wg.Wait()
		if a.Persona() != "swapped" {
			t.Errorf("persona = %q", a.Persona())
		}
	})
}
