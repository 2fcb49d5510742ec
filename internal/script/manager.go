package script

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ashuang/procman/internal/model"
	"github.com/ashuang/procman/internal/sheriff"
)

// actionSpacing is the minimum time between an action that installed a
// predicate being dispatched and the next action dispatching, once that
// predicate is satisfied, per spec.md §4.3's spacing guarantee.
const actionSpacing = 100 * time.Millisecond

const eventQueueSize = 256

// ScriptManager interprets one active script at a time, subscribing to
// Sheriff status-change events and implementing the time-based and
// predicate-based gating between actions described in spec.md §4.3. The
// zero value is not usable; construct with New.
type ScriptManager struct {
	sheriff *sheriff.Sheriff
	log     zerolog.Logger

	mu             sync.Mutex // guards everything below
	scripts        map[string]*Script
	frames         []frame
	running        bool
	pending        *pendingPredicate
	nextActionTime time.Time

	listenersMu sync.RWMutex
	listeners   []Listener

	events chan Event
	wake   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sheriffListener sheriff.Listener

	now func() time.Time
}

// New constructs a ScriptManager bound to s and starts its interpreter
// and listener-dispatch workers. Call Shutdown to stop them.
func New(s *sheriff.Sheriff, log zerolog.Logger) *ScriptManager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &ScriptManager{
		sheriff: s,
		log:     log.With().Str("component", "scriptmanager").Logger(),
		scripts: make(map[string]*Script),
		events:  make(chan Event, eventQueueSize),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
	m.sheriffListener = sheriff.ListenerFunc(func(ev sheriff.Event) {
		if ev.Kind == sheriff.EventCommandStatusChanged {
			m.onStatusChanged()
		}
	})
	s.AddListener(m.sheriffListener)

	m.wg.Add(2)
	go m.eventDispatchLoop()
	go m.runLoop()

	return m
}

// Shutdown stops the interpreter and dispatch workers and unsubscribes
// from the Sheriff. It blocks until both have returned.
func (m *ScriptManager) Shutdown() {
	m.sheriff.RemoveListener(m.sheriffListener)
	m.cancel()
	m.wg.Wait()
}

// AddListener registers a Listener for script events.
func (m *ScriptManager) AddListener(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// RemoveListener unregisters a previously added Listener.
func (m *ScriptManager) RemoveListener(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	for i, existing := range m.listeners {
		if existing == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *ScriptManager) eventDispatchLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.events:
			m.listenersMu.RLock()
			listeners := make([]Listener, len(m.listeners))
			copy(listeners, m.listeners)
			m.listenersMu.RUnlock()
			for _, l := range listeners {
				l.OnEvent(ev)
			}
		}
	}
}

func (m *ScriptManager) queueEvent(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.log.Warn().Str("kind", string(ev.Kind)).Msg("event queue full, dropping event")
	}
}

func (m *ScriptManager) signalWake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// AddScript registers or replaces a named script. Disallowed while that
// script is anywhere on the active call stack.
func (m *ScriptManager) AddScript(s *Script) error {
	if s.Name == "" {
		return newError(ErrInvalidArg, "script name must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.frames {
		if f.script.Name == s.Name {
			return newError(ErrScriptRunning, "script %q is currently executing", s.Name)
		}
	}
	m.scripts[s.Name] = s
	return nil
}

// RemoveScript deletes a named script. Fails with ScriptRunning if it is
// anywhere on the active call stack.
func (m *ScriptManager) RemoveScript(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.frames {
		if f.script.Name == name {
			return newError(ErrScriptRunning, "script %q is currently executing", name)
		}
	}
	delete(m.scripts, name)
	return nil
}

// ReplaceAllScripts atomically swaps the whole script set, per spec.md
// §4.4's "scripts are replaced wholesale before commands are loaded".
func (m *ScriptManager) ReplaceAllScripts(scripts []*Script) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return newError(ErrScriptRunning, "cannot replace scripts while one is executing")
	}
	fresh := make(map[string]*Script, len(scripts))
	for _, s := range scripts {
		fresh[s.Name] = s
	}
	m.scripts = fresh
	return nil
}

// Scripts returns a snapshot of every registered script's name.
func (m *ScriptManager) Scripts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.scripts))
	for name := range m.scripts {
		out = append(out, name)
	}
	return out
}

// Script returns a copy of the named script's body, or (nil, false) if
// unregistered.
func (m *ScriptManager) Script(name string) (*Script, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scripts[name]
	if !ok {
		return nil, false
	}
	cp := *s
	cp.Actions = append([]Action(nil), s.Actions...)
	return &cp, true
}

// All returns a copy of every registered script's body, for config
// saving.
func (m *ScriptManager) All() []*Script {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Script, 0, len(m.scripts))
	for _, s := range m.scripts {
		cp := *s
		cp.Actions = append([]Action(nil), s.Actions...)
		out = append(out, &cp)
	}
	return out
}

// IsRunning reports whether a script is currently executing.
func (m *ScriptManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// StartScript begins interpreting the named script. Fails with
// ScriptRunning if a script is already active, or NotFound if name is
// unregistered.
func (m *ScriptManager) StartScript(name string) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return newError(ErrScriptRunning, "a script is already executing")
	}
	s, ok := m.scripts[name]
	if !ok {
		m.mu.Unlock()
		return newError(ErrNotFound, "no such script %q", name)
	}
	m.frames = []frame{{script: s, pc: 0}}
	m.running = true
	m.pending = nil
	m.nextActionTime = m.now()
	m.mu.Unlock()

	m.queueEvent(Event{Kind: EventScriptStarted, ScriptName: name})
	m.signalWake()
	return nil
}

// AbortScript immediately finishes the active script, if any, emitting
// ScriptFinished and dropping any pending predicate. Commands already
// started remain started: there is no rollback.
func (m *ScriptManager) AbortScript() {
	m.mu.Lock()
	wasRunning := m.running
	m.running = false
	m.frames = nil
	m.pending = nil
	m.mu.Unlock()

	if wasRunning {
		m.queueEvent(Event{Kind: EventScriptFinished})
	}
}

func (m *ScriptManager) runLoop() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		if !m.running {
			m.mu.Unlock()
			select {
			case <-m.ctx.Done():
				return
			case <-m.wake:
				continue
			}
		}
		if m.pending != nil {
			m.mu.Unlock()
			select {
			case <-m.ctx.Done():
				return
			case <-m.wake:
				continue
			}
		}
		wait := m.nextActionTime.Sub(m.now())
		m.mu.Unlock()
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-m.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		m.executeNextAction()
	}
}

// executeNextAction pops the next action off the top frame, popping
// exhausted frames until one yields an action or the stack empties.
func (m *ScriptManager) executeNextAction() {
	m.mu.Lock()
	var action Action
	for {
		if !m.running {
			m.mu.Unlock()
			return
		}
		if len(m.frames) == 0 {
			m.running = false
			m.mu.Unlock()
			m.queueEvent(Event{Kind: EventScriptFinished})
			return
		}
		top := &m.frames[len(m.frames)-1]
		if top.pc >= len(top.script.Actions) {
			m.frames = m.frames[:len(m.frames)-1]
			continue
		}
		action = top.script.Actions[top.pc]
		top.pc++
		break
	}
	m.mu.Unlock()

	m.queueEvent(Event{Kind: EventScriptActionExecuting, Action: action})
	m.dispatch(action)
}

// dispatch carries out one action's effects. It must never be called
// while holding m.mu: it calls into the Sheriff, which takes its own
// lock, and spec.md §5 forbids holding both locks simultaneously.
func (m *ScriptManager) dispatch(action Action) {
	switch action.Kind {
	case ActionWaitMs:
		dur := time.Duration(action.DelayMs) * time.Millisecond
		m.mu.Lock()
		m.pending = nil
		m.nextActionTime = m.now().Add(dur)
		m.mu.Unlock()
		m.signalWake()

	case ActionRunScript:
		m.mu.Lock()
		sub, ok := m.scripts[action.ScriptName]
		if !ok {
			m.running = false
			m.frames = nil
			m.mu.Unlock()
			m.log.Error().Str("script", action.ScriptName).Msg("run_script target no longer registered")
			m.queueEvent(Event{Kind: EventScriptFinished})
			return
		}
		m.frames = append(m.frames, frame{script: sub, pc: 0})
		m.nextActionTime = m.now()
		m.mu.Unlock()
		m.signalWake()

	case ActionWaitStatus:
		m.installPredicate(action.Target, action.WaitFor, m.now())

	case ActionStartStopRestart:
		ids := m.resolveTarget(action.Target)
		for _, id := range ids {
			var err error
			switch action.Op {
			case OpStart:
				err = m.sheriff.StartCommand(id)
			case OpStop:
				err = m.sheriff.StopCommand(id)
			case OpRestart:
				err = m.sheriff.RestartCommand(id)
			}
			if err != nil {
				m.log.Warn().Err(err).Str("command", string(id)).Str("op", string(action.Op)).Msg("script action failed")
			}
		}
		dispatchedAt := m.now()
		if action.WaitFor != WaitNone {
			m.installPredicate(action.Target, action.WaitFor, dispatchedAt)
		} else {
			m.mu.Lock()
			m.pending = nil
			m.nextActionTime = dispatchedAt
			m.mu.Unlock()
			m.signalWake()
		}
	}
}

// installPredicate gates the interpreter on target reaching waitFor. If
// the predicate already holds, the next action is scheduled respecting
// the spacing guarantee instead of suspending.
func (m *ScriptManager) installPredicate(target Target, waitFor WaitStatus, dispatchedAt time.Time) {
	p := pendingPredicate{target: target, waitFor: waitFor, dispatchedAt: dispatchedAt.UnixMicro()}
	if m.predicateSatisfied(p) {
		m.mu.Lock()
		m.pending = nil
		m.nextActionTime = dispatchedAt.Add(actionSpacing)
		m.mu.Unlock()
	} else {
		m.mu.Lock()
		m.pending = &p
		m.mu.Unlock()
	}
	m.signalWake()
}

// onStatusChanged is invoked by the Sheriff's listener-dispatch worker,
// outside the Sheriff's lock, whenever any command's derived status
// changes. It re-evaluates the pending predicate, if any.
func (m *ScriptManager) onStatusChanged() {
	m.mu.Lock()
	pending := m.pending
	m.mu.Unlock()
	if pending == nil {
		return
	}
	if !m.predicateSatisfied(*pending) {
		return
	}

	m.mu.Lock()
	if m.pending == pending {
		next := time.UnixMicro(pending.dispatchedAt).Add(actionSpacing)
		if now := m.now(); next.Before(now) {
			next = now
		}
		m.nextActionTime = next
		m.pending = nil
	}
	m.mu.Unlock()
	m.signalWake()
}

// predicateSatisfied must never be called while holding m.mu: it queries
// the Sheriff, which takes its own lock.
func (m *ScriptManager) predicateSatisfied(p pendingPredicate) bool {
	ids := m.resolveTarget(p.target)
	if len(ids) == 0 {
		return true
	}
	for _, id := range ids {
		rec, ok := m.sheriff.GetCommandByID(id)
		if !ok {
			continue
		}
		atRest := rec.DesiredRunID == rec.ActualRunID
		if !p.waitFor.matchesStatus(rec.Status(), atRest) {
			return false
		}
	}
	return true
}

// resolveTarget resolves a Target to its current command set. Resolved
// at call time, not at script-load or script-start time, so a command
// added after a script starts can still satisfy a later action (spec.md
// §9's late-bound target resolution).
func (m *ScriptManager) resolveTarget(t Target) []model.CommandID {
	switch t.Kind {
	case TargetEverything:
		return idsOf(m.sheriff.GetCommandsByGroup(""))
	case TargetGroup:
		return idsOf(m.sheriff.GetCommandsByGroup(t.Name))
	case TargetCommand:
		if rec, ok := m.sheriff.GetCommandByID(model.CommandID(t.Name)); ok {
			return []model.CommandID{rec.CommandID}
		}
		return nil
	default:
		return nil
	}
}

func idsOf(recs []*model.CommandRecord) []model.CommandID {
	out := make([]model.CommandID, len(recs))
	for i, r := range recs {
		out[i] = r.CommandID
	}
	return out
}

// targetExists reports whether t currently resolves to at least one
// command (TargetEverything always does, vacuously).
func (m *ScriptManager) targetExists(t Target) bool {
	switch t.Kind {
	case TargetEverything:
		return true
	case TargetGroup:
		return len(m.sheriff.GetCommandsByGroup(t.Name)) > 0
	case TargetCommand:
		_, ok := m.sheriff.GetCommandByID(model.CommandID(t.Name))
		return ok
	default:
		return false
	}
}

func describeTarget(t Target) string {
	switch t.Kind {
	case TargetEverything:
		return "everything"
	case TargetGroup:
		return fmt.Sprintf("group %q", t.Name)
	case TargetCommand:
		return fmt.Sprintf("command %q", t.Name)
	default:
		return "unknown target"
	}
}
