// Package samplemodules provides the illustrative simulation modules an
// engine node registers out of the box: enough to exercise the container
// tick loop and snapshot format end to end without committing to any real
// game-domain simulation logic, which is explicitly out of scope.
package samplemodules

import (
	"math"

	"github.com/ireland-samantha/forgefleet/internal/container"
	"github.com/ireland-samantha/forgefleet/internal/ecs"
)

const moduleNamePosition = "position"

var (
	componentX  = ecs.ComponentKey{Module: moduleNamePosition, Component: "x"}
	componentY  = ecs.ComponentKey{Module: moduleNamePosition, Component: "y"}
	componentVX = ecs.ComponentKey{Module: moduleNamePosition, Component: "vx"}
	componentVY = ecs.ComponentKey{Module: moduleNamePosition, Component: "vy"}
)

// Position integrates a velocity into an entity's x/y coordinates every
// tick. It seeds one entity on first tick so a fresh match has something to
// simulate immediately.
type Position struct {
	seeded bool
}

func NewPosition() *Position { return &Position{} }

func (m *Position) Name() string { return moduleNamePosition }

func (m *Position) Components() []ecs.ComponentKey {
	return []ecs.ComponentKey{componentX, componentY, componentVX, componentVY}
}

func (m *Position) OnTick(store *ecs.Store) {
	if !m.seeded {
		_ = store.CreateEntity(1)
		_ = store.AttachComponents(1, []ecs.ComponentKey{componentX, componentY, componentVX, componentVY},
			[]float32{0, 0, 1, 0.5})
		m.seeded = true
		return
	}

	for _, e := range store.GetEntitiesWithComponents(componentX, componentY, componentVX, componentVY) {
		x := store.GetComponent(e, componentX) + store.GetComponent(e, componentVX)
		y := store.GetComponent(e, componentY) + store.GetComponent(e, componentVY)
		_ = store.AttachComponents(e, []ecs.ComponentKey{componentX, componentY}, []float32{x, y})
	}
}

const moduleNameHealth = "health"

var (
	componentHP       = ecs.ComponentKey{Module: moduleNameHealth, Component: "hp"}
	componentRegenSec = ecs.ComponentKey{Module: moduleNameHealth, Component: "regenPerTick"}
)

// Health regenerates hit points toward a cap of 100 and accepts a "damage"
// command that subtracts a flat amount from every live entity's hp. It
// demonstrates a module that both ticks and owns a command handler.
type Health struct{}

func NewHealth() *Health { return &Health{} }

func (m *Health) Name() string { return moduleNameHealth }

func (m *Health) Components() []ecs.ComponentKey {
	return []ecs.ComponentKey{componentHP, componentRegenSec}
}

func (m *Health) OnTick(store *ecs.Store) {
	for _, e := range store.GetEntitiesWithComponents(componentHP) {
		hp := store.GetComponent(e, componentHP)
		regen := store.GetComponent(e, componentRegenSec)
		hp = float32(math.Min(100, float64(hp+regen)))
		_ = store.AttachComponent(e, componentHP, hp)
	}
}

// applyDamage subtracts params["amount"] from every entity carrying an hp
// component. Registered under DamageCommand by CommandHandlers.
func (m *Health) applyDamage(store *ecs.Store, params map[string]float64) error {
	amount := float32(params["amount"])
	for _, e := range store.GetEntitiesWithComponents(componentHP) {
		hp := store.GetComponent(e, componentHP) - amount
		if hp < 0 {
			hp = 0
		}
		_ = store.AttachComponent(e, componentHP, hp)
	}
	return nil
}

// DamageCommand is the command name Health.applyDamage is registered under.
const DamageCommand = "damage"

// CommandHandlers implements nodeapi's optional command-handler source
// interface so a createMatch request including the health module also gets
// the damage command wired up automatically.
func (m *Health) CommandHandlers() map[string]container.CommandHandler {
	return map[string]container.CommandHandler{
		DamageCommand: m.applyDamage,
	}
}

// NamePosition and NameHealth name the createMatch "modules" strings that
// select these modules.
const (
	NamePosition = moduleNamePosition
	NameHealth   = moduleNameHealth
)
