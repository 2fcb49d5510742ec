package sheriff

import (
	"github.com/ashuang/procman/internal/model"
)

// AddCommand creates a new CommandRecord owned by deputyID. Fails
// with InvalidArg if any required field is empty, DuplicateId if
// CommandID already exists anywhere in the fleet, or ObserverBlocked in
// observer mode.
func (s *Sheriff) AddCommand(spec model.CommandSpec, deputyID model.DeputyID) error {
	if spec.ExecStr == "" || spec.CommandID == "" || deputyID == "" {
		return newError(ErrInvalidArg, "execStr, commandId, and deputyId are required")
	}

	s.mu.Lock()
	if s.isObserver {
		s.mu.Unlock()
		return newError(ErrObserverBlocked, "cannot add commands while observing")
	}
	if s.findCommandLocked(spec.CommandID) != nil {
		s.mu.Unlock()
		return newError(ErrDuplicateID, "command id %q already exists", spec.CommandID)
	}

	dep := s.getOrCreateDeputyLocked(deputyID)
	rec := &model.CommandRecord{
		CommandSpec:  spec,
		DeputyID:     deputyID,
		DesiredRunID: 1, // §3 invariant: desiredRunid >= 1 always holds
	}
	dep.Commands[spec.CommandID] = rec
	s.mu.Unlock()

	s.queueEvent(Event{Kind: EventCommandAdded, DeputyID: deputyID, CommandID: spec.CommandID})
	s.requestBroadcast()
	return nil
}

// StartCommand increments the command's desired run id and clears
// force-quit, unless it is already running (no-op), per spec.md §4.1.
func (s *Sheriff) StartCommand(id model.CommandID) error {
	return s.mutateCommand(id, func(c *model.CommandRecord) { c.Start() })
}

// RestartCommand unconditionally bumps the command's desired run id.
func (s *Sheriff) RestartCommand(id model.CommandID) error {
	return s.mutateCommand(id, func(c *model.CommandRecord) { c.Restart() })
}

// StopCommand sets force-quit without touching the desired run id.
func (s *Sheriff) StopCommand(id model.CommandID) error {
	return s.mutateCommand(id, func(c *model.CommandRecord) { c.Stop() })
}

// mutateCommand applies fn to the named command under the Sheriff lock,
// emitting CommandStatusChanged if the derived status actually changed,
// then triggers an immediate broadcast.
func (s *Sheriff) mutateCommand(id model.CommandID, fn func(*model.CommandRecord)) error {
	s.mu.Lock()
	if s.isObserver {
		s.mu.Unlock()
		return newError(ErrObserverBlocked, "cannot mutate commands while observing")
	}
	rec := s.findCommandLocked(id)
	if rec == nil {
		s.mu.Unlock()
		return newError(ErrNotFound, "no such command %q", id)
	}

	oldStatus := rec.Status()
	fn(rec)
	newStatus := rec.Status()
	deputyID := rec.DeputyID
	s.mu.Unlock()

	if oldStatus != newStatus {
		s.queueEvent(Event{
			Kind: EventCommandStatusChanged, DeputyID: deputyID, CommandID: id,
			OldStatus: oldStatus, NewStatus: newStatus,
		})
	}
	s.requestBroadcast()
	return nil
}

// ScheduleForRemoval marks a command for removal. If its deputy has
// never reported in, the record is removed immediately since no
// confirmation is possible; otherwise it persists until the deputy's
// next DeputyInfo omits it.
func (s *Sheriff) ScheduleForRemoval(id model.CommandID) error {
	s.mu.Lock()
	if s.isObserver {
		s.mu.Unlock()
		return newError(ErrObserverBlocked, "cannot remove commands while observing")
	}
	dep, rec := s.findDeputyAndCommandLocked(id)
	if rec == nil {
		s.mu.Unlock()
		return newError(ErrNotFound, "no such command %q", id)
	}

	rec.ScheduledForRemoval = true
	immediate := !dep.EverHeardFrom()
	if immediate {
		delete(dep.Commands, id)
	}
	deputyID := dep.DeputyID
	s.mu.Unlock()

	if immediate {
		s.queueEvent(Event{Kind: EventCommandRemoved, DeputyID: deputyID, CommandID: id})
	}
	s.requestBroadcast()
	return nil
}

// SetCommandExec updates the command's launch line. Takes effect on the
// next (re)start, not mid-run.
func (s *Sheriff) SetCommandExec(id model.CommandID, execStr string) error {
	if execStr == "" {
		return newError(ErrInvalidArg, "execStr must not be empty")
	}
	return s.setField(id, func(c *model.CommandRecord) { c.ExecStr = execStr }, false)
}

// SetCommandGroup updates the command's group path, emitting
// CommandGroupChanged.
func (s *Sheriff) SetCommandGroup(id model.CommandID, group string) error {
	return s.setField(id, func(c *model.CommandRecord) { c.Group = model.NormalizeGroup(group) }, true)
}

// SetCommandAutoRespawn updates the auto-respawn policy.
func (s *Sheriff) SetCommandAutoRespawn(id model.CommandID, autoRespawn bool) error {
	return s.setField(id, func(c *model.CommandRecord) { c.AutoRespawn = autoRespawn }, false)
}

// SetCommandStopSignal updates the signal sent to request a stop.
func (s *Sheriff) SetCommandStopSignal(id model.CommandID, sig int) error {
	return s.setField(id, func(c *model.CommandRecord) { c.StopSignal = sig }, false)
}

// SetCommandStopTimeAllowed updates the grace period (seconds) before an
// escalated stop.
func (s *Sheriff) SetCommandStopTimeAllowed(id model.CommandID, seconds int) error {
	return s.setField(id, func(c *model.CommandRecord) { c.StopTimeAllowed = seconds }, false)
}

func (s *Sheriff) setField(id model.CommandID, fn func(*model.CommandRecord), groupChanged bool) error {
	s.mu.Lock()
	if s.isObserver {
		s.mu.Unlock()
		return newError(ErrObserverBlocked, "cannot mutate commands while observing")
	}
	rec := s.findCommandLocked(id)
	if rec == nil {
		s.mu.Unlock()
		return newError(ErrNotFound, "no such command %q", id)
	}
	fn(rec)
	deputyID := rec.DeputyID
	s.mu.Unlock()

	if groupChanged {
		s.queueEvent(Event{Kind: EventCommandGroupChanged, DeputyID: deputyID, CommandID: id})
	}
	s.requestBroadcast()
	return nil
}

// SetObserver toggles observer mode. Idempotent: calling with the
// current value is a no-op that emits no event. On a real transition it
// emits ObserverStatusChanged.
func (s *Sheriff) SetObserver(observer bool) {
	s.mu.Lock()
	changed := s.isObserver != observer
	s.isObserver = observer
	s.mu.Unlock()

	if changed {
		s.queueEvent(Event{Kind: EventObserverStatusChanged, IsObserver: observer})
	}
}

// IsObserver reports the current observer-mode flag.
func (s *Sheriff) IsObserver() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isObserver
}

// PurgeUseless removes DeputyRecords that are empty or whose commands
// are all scheduled for removal.
func (s *Sheriff) PurgeUseless() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, dep := range s.deputies {
		if dep.IsEmpty() || dep.AllScheduledForRemoval() {
			delete(s.deputies, id)
		}
	}
}

// GetDeputies returns a snapshot of every known DeputyID.
func (s *Sheriff) GetDeputies() []model.DeputyID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.DeputyID, 0, len(s.deputies))
	for id := range s.deputies {
		out = append(out, id)
	}
	return out
}

// FindDeputy returns a shallow snapshot of the named deputy's state, or
// (nil, false) if unknown.
func (s *Sheriff) FindDeputy(id model.DeputyID) (*model.DeputyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dep, ok := s.deputies[id]
	if !ok {
		return nil, false
	}
	return cloneDeputy(dep), true
}

// GetAllCommands returns a snapshot of every command in the fleet.
func (s *Sheriff) GetAllCommands() []*model.CommandRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.CommandRecord
	for _, dep := range s.deputies {
		for _, c := range dep.Commands {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out
}

// GetCommandByID returns a snapshot of the named command, or (nil,
// false) if unknown.
func (s *Sheriff) GetCommandByID(id model.CommandID) (*model.CommandRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.findCommandLocked(id)
	if rec == nil {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// GetCommandsByGroup returns every command whose (normalized) group is
// path or nested under it. An empty path matches every command.
func (s *Sheriff) GetCommandsByGroup(path string) []*model.CommandRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.CommandRecord
	for _, dep := range s.deputies {
		for _, c := range dep.Commands {
			if model.GroupMatches(path, c.Group) {
				cp := *c
				out = append(out, &cp)
			}
		}
	}
	return out
}

func (s *Sheriff) getOrCreateDeputyLocked(id model.DeputyID) *model.DeputyRecord {
	dep, ok := s.deputies[id]
	if !ok {
		dep = model.NewDeputyRecord(id)
		s.deputies[id] = dep
	}
	return dep
}

func (s *Sheriff) findCommandLocked(id model.CommandID) *model.CommandRecord {
	_, rec := s.findDeputyAndCommandLocked(id)
	return rec
}

func (s *Sheriff) findDeputyAndCommandLocked(id model.CommandID) (*model.DeputyRecord, *model.CommandRecord) {
	for _, dep := range s.deputies {
		if rec, ok := dep.Commands[id]; ok {
			return dep, rec
		}
	}
	return nil, nil
}

func cloneDeputy(dep *model.DeputyRecord) *model.DeputyRecord {
	cp := *dep
	cp.Commands = make(map[model.CommandID]*model.CommandRecord, len(dep.Commands))
	for id, c := range dep.Commands {
		cc := *c
		cp.Commands[id] = &cc
	}
	return &cp
}

// requestBroadcast signals the broadcast worker to publish orders
// immediately, without waiting for the next 1Hz tick. Non-blocking: a
// pending request already queued is sufficient.
func (s *Sheriff) requestBroadcast() {
	select {
	case s.broadcastNow <- struct{}{}:
	default:
	}
}
