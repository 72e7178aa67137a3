// Package container implements the per-match container runtime: the
// lifecycle state machine, tick loop, command queue, and snapshot
// publication that sit on top of an ecs.Store.
package container

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ireland-samantha/forgefleet/infrastructure/errors"
	"github.com/ireland-samantha/forgefleet/internal/ecs"
)

// State is a container lifecycle state.
type State int

const (
	StateCreated State = iota
	StateRunning
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Module is a named simulation handler registered against a fixed set of
// components it owns. Modules are invoked in registration order on every
// tick — the "dependency order" spec.md describes is expressed purely by
// registration order, since dynamic module loading is out of scope.
type Module interface {
	Name() string
	Components() []ecs.ComponentKey
	OnTick(store *ecs.Store)
}

// CommandHandler applies a named command's parameters to the store. It runs
// once per queued command at the start of the tick that drains it.
type CommandHandler func(store *ecs.Store, params map[string]float64) error

// Command is a single queued simulation command, as submitted over the
// control-plane REST surface and forwarded to the owning node.
type Command struct {
	Name   string
	Params map[string]float64
}

// Snapshot is the per-tick published view of every module's component
// columns, keyed moduleName -> componentName -> values.
type Snapshot struct {
	Tick int
	Data map[string]map[string][]float32
}

func illegalState(from State, action string) error {
	return errors.Conflict(fmt.Sprintf("cannot %s from state %s", action, from)).
		WithDetails("code", "ILLEGAL_STATE").
		WithDetails("state", from.String())
}

type waiter struct {
	target int
	done   chan struct{}
}

// Container holds one match's ECS store plus the tick loop and state
// machine that drive it. A container owns exactly one ecs.Store and is the
// single-threaded "logical worker" spec.md describes: the tick loop itself
// runs on one goroutine at a time even though commands and subscriptions
// may be registered concurrently.
type Container struct {
	mu     sync.Mutex
	tickMu sync.Mutex
	state  State

	store    *ecs.QueryCache
	modules  []Module
	handlers map[string]CommandHandler

	pendingCommands []Command
	tick            int

	cronRunner  *cron.Cron
	autoAdvance bool

	waiters []waiter

	subs   map[string]chan Snapshot
	nextID int

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a container in the CREATED state, wired to its own fresh ECS
// store decorated with a per-tick query cache (the policy matches the tick
// loop's "clear cache at tick boundary" contract from spec.md section 4.1).
func New(modules []Module) *Container {
	store := ecs.NewQueryCache(ecs.NewStore(0, 0), ecs.PerTick)
	return &Container{
		state:    StateCreated,
		store:    store,
		modules:  modules,
		handlers: make(map[string]CommandHandler),
		subs:     make(map[string]chan Snapshot),
		done:     make(chan struct{}),
	}
}

// Done returns a channel closed once the container reaches STOPPED. The
// node's error-stream WS route uses it to emit a terminal frame before
// closing the connection.
func (c *Container) Done() <-chan struct{} {
	return c.done
}

// Store returns the container's decorated ECS store.
func (c *Container) Store() *ecs.QueryCache {
	return c.store
}

// RegisterCommandHandler binds a command name to the function that applies
// it to the store. Must be called before the container starts receiving
// commands.
func (c *Container) RegisterCommandHandler(name string, handler CommandHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = handler
}

// State returns the container's current lifecycle state.
func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Tick returns the current tick count.
func (c *Container) Tick() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tick
}

// Start transitions CREATED -> RUNNING.
func (c *Container) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateCreated {
		return illegalState(c.state, "start")
	}
	c.state = StateRunning
	return nil
}

// Pause transitions RUNNING -> PAUSED.
func (c *Container) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return illegalState(c.state, "pause")
	}
	c.state = StatePaused
	return nil
}

// Resume transitions PAUSED -> RUNNING.
func (c *Container) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused {
		return illegalState(c.state, "resume")
	}
	c.state = StateRunning
	return nil
}

// Stop transitions {RUNNING,PAUSED} -> STOPPED and halts auto-advance.
func (c *Container) Stop() error {
	c.mu.Lock()
	if c.state != StateRunning && c.state != StatePaused {
		defer c.mu.Unlock()
		return illegalState(c.state, "stop")
	}
	c.state = StateStopped
	runner := c.cronRunner
	c.cronRunner = nil
	c.autoAdvance = false
	c.mu.Unlock()

	if runner != nil {
		runner.Stop()
	}
	c.doneOnce.Do(func() { close(c.done) })
	return nil
}

// SubmitCommand enqueues a command for the next tick. Commands submitted by
// a single caller for this match are drained in FIFO order.
func (c *Container) SubmitCommand(cmd Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingCommands = append(c.pendingCommands, cmd)
}

// Advance runs exactly one tick. Fails ILLEGAL_STATE unless the container
// is RUNNING.
func (c *Container) Advance() error {
	return c.AdvanceBy(1)
}

// AdvanceBy runs n ticks. n must be positive.
func (c *Container) AdvanceBy(n int) error {
	if n <= 0 {
		return errors.InvalidInput("n", "must be positive")
	}

	c.mu.Lock()
	if c.state != StateRunning {
		defer c.mu.Unlock()
		return illegalState(c.state, "advance")
	}
	c.mu.Unlock()

	for i := 0; i < n; i++ {
		c.runTick()
	}
	return nil
}

// Play starts auto-advance: a tick fires every interval until StopAutoAdvance
// or Stop is called. Auto-advance is scheduled with robfig/cron's "@every"
// descriptor rather than a raw time.Ticker.
func (c *Container) Play(interval time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning {
		return illegalState(c.state, "play")
	}
	if c.autoAdvance {
		return nil
	}

	runner := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := runner.AddFunc(fmt.Sprintf("@every %s", interval), c.runTick); err != nil {
		return errors.Internal("failed to schedule auto-advance", err)
	}
	runner.Start()

	c.cronRunner = runner
	c.autoAdvance = true
	return nil
}

// StopAutoAdvance halts the auto-advance timer without changing the
// container's lifecycle state.
func (c *Container) StopAutoAdvance() {
	c.mu.Lock()
	runner := c.cronRunner
	c.cronRunner = nil
	c.autoAdvance = false
	c.mu.Unlock()

	if runner != nil {
		runner.Stop()
	}
}

// WaitForTick blocks until the current tick is at least target. Requires
// auto-advance to be active. With a positive timeout, returns a TIMEOUT
// error if the deadline passes first.
func (c *Container) WaitForTick(target int, timeout time.Duration) error {
	c.mu.Lock()
	if !c.autoAdvance {
		c.mu.Unlock()
		return illegalState(c.state, "waitForTick")
	}
	if c.tick >= target {
		c.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	c.waiters = append(c.waiters, waiter{target: target, done: done})
	c.mu.Unlock()

	if timeout <= 0 {
		<-done
		return nil
	}

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.Timeout("waitForTick")
	}
}

// Subscribe returns a channel of published snapshots and an id used to
// Unsubscribe. The channel is buffered so a slow consumer does not block
// the tick loop; a full channel drops the oldest pending snapshot.
func (c *Container) Subscribe() (string, <-chan Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := fmt.Sprintf("sub-%d", c.nextID)
	ch := make(chan Snapshot, 4)
	c.subs[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber's channel.
func (c *Container) Unsubscribe(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.subs[id]; ok {
		close(ch)
		delete(c.subs, id)
	}
}

func (c *Container) runTick() {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	c.mu.Lock()
	commands := c.pendingCommands
	c.pendingCommands = nil
	handlers := c.handlers
	c.mu.Unlock()

	c.store.BeginTick()

	for _, cmd := range commands {
		if handler, ok := handlers[cmd.Name]; ok {
			_ = handler(c.store.Store(), cmd.Params)
		}
	}

	for _, m := range c.modules {
		m.OnTick(c.store.Store())
	}

	snapshot := c.buildSnapshot()

	c.mu.Lock()
	c.tick = snapshot.Tick
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if c.tick >= w.target {
			close(w.done)
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	subs := make([]chan Snapshot, 0, len(c.subs))
	for _, ch := range c.subs {
		subs = append(subs, ch)
	}
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

func (c *Container) buildSnapshot() Snapshot {
	c.mu.Lock()
	tick := c.tick + 1
	modules := c.modules
	c.mu.Unlock()

	data := make(map[string]map[string][]float32, len(modules))
	store := c.store.Store()

	for _, m := range modules {
		componentsByName := make(map[string][]float32)
		entities := store.GetEntitiesWithComponents()
		sort.Ints(entities)

		for _, key := range m.Components() {
			values := make([]float32, len(entities))
			for i, e := range entities {
				values[i] = store.GetComponent(e, key)
			}
			componentsByName[key.Component] = values
		}
		data[m.Name()] = componentsByName
	}

	return Snapshot{Tick: tick, Data: data}
}
