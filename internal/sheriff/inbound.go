package sheriff

import (
	"github.com/ashuang/procman/internal/model"
	"github.com/ashuang/procman/internal/protocol"
)

// OnDeputyInfo processes one inbound DeputyInfo report, per spec.md
// §4.2. It is normally driven by the transport receive loop but is
// exported so tests and embedders can feed messages directly.
func (s *Sheriff) OnDeputyInfo(info *protocol.DeputyInfo) {
	s.mu.Lock()

	observer := s.isObserver
	if !observer && s.isStale(info.SendMicros) {
		s.mu.Unlock()
		s.log.Warn().Str("deputy", info.DeputyID).Msg("dropping stale DeputyInfo")
		return
	}

	deputyID := model.DeputyID(info.DeputyID)
	dep := s.getOrCreateDeputyLocked(deputyID)

	type change struct {
		id         model.CommandID
		old, new_  model.Status
		wasCreated bool
	}
	var changes []change
	seen := make(map[model.CommandID]bool, len(info.Cmds))

	for _, cmdMsg := range info.Cmds {
		id := model.CommandID(cmdMsg.Spec.CommandID)
		seen[id] = true

		rec, existed := dep.Commands[id]
		var oldStatus model.Status
		wasCreated := false
		if existed {
			oldStatus = rec.Status()
		} else {
			rec = &model.CommandRecord{
				CommandSpec: specFromWire(cmdMsg.Spec),
				DeputyID:    deputyID,
			}
			seeded := model.RunID(cmdMsg.ActualRuns)
			if seeded < 1 {
				seeded = 1 // §3 invariant: desiredRunid >= 1 always holds
			}
			rec.DesiredRunID = seeded
			dep.Commands[id] = rec
			wasCreated = true
		}

		rec.UpdateFromInfo(model.RunID(cmdMsg.ActualRuns), cmdMsg.Pid, cmdMsg.ExitCode,
			cmdMsg.TermSignal, cmdMsg.CPUUsage, cmdMsg.MemVsize, cmdMsg.MemRss)
		rec.CommandSpec = specFromWire(cmdMsg.Spec)

		newStatus := rec.Status()
		if wasCreated || oldStatus != newStatus {
			changes = append(changes, change{id: id, old: oldStatus, new_: newStatus, wasCreated: wasCreated})
		}
	}

	// Confirmed removal: a scheduled-for-removal command absent from
	// this info message has been acknowledged gone by the deputy.
	var removed []model.CommandID
	for id, rec := range dep.Commands {
		if rec.ScheduledForRemoval && !seen[id] {
			removed = append(removed, id)
			delete(dep.Commands, id)
		}
	}

	dep.LastUpdateMicros = info.SendMicros
	dep.CPULoad = info.CPULoad
	dep.PhysMemTotal = info.PhysMemTotal
	dep.PhysMemFree = info.PhysMemFree

	s.mu.Unlock()

	s.queueEvent(Event{Kind: EventDeputyInfoReceived, DeputyID: deputyID})
	for _, c := range changes {
		if c.wasCreated {
			s.queueEvent(Event{Kind: EventCommandAdded, DeputyID: deputyID, CommandID: c.id})
		}
		if c.old != c.new_ {
			s.queueEvent(Event{
				Kind: EventCommandStatusChanged, DeputyID: deputyID, CommandID: c.id,
				OldStatus: c.old, NewStatus: c.new_,
			})
		}
	}
	for _, id := range removed {
		s.queueEvent(Event{Kind: EventCommandRemoved, DeputyID: deputyID, CommandID: id})
	}
}

// OnOrders processes one inbound Orders message from the transport. Our
// own broadcasts echo back on the same channel and are ignored by
// SheriffID. Otherwise: in observer mode the message is an authoritative
// state snapshot; in active mode it signals a conflicting peer Sheriff.
func (s *Sheriff) OnOrders(orders *protocol.Orders) {
	if model.SheriffID(orders.SheriffID) == s.id {
		return
	}

	s.mu.Lock()
	observer := s.isObserver
	s.mu.Unlock()

	if !observer {
		s.queueEvent(Event{
			Kind:           EventSheriffConflictDetected,
			OtherSheriffID: model.SheriffID(orders.SheriffID),
		})
		return
	}

	s.absorbOrdersAsSnapshot(orders)
}

func (s *Sheriff) absorbOrdersAsSnapshot(orders *protocol.Orders) {
	s.mu.Lock()

	deputyID := model.DeputyID(orders.DeputyID)
	dep := s.getOrCreateDeputyLocked(deputyID)

	type change struct {
		id         model.CommandID
		old, new_  model.Status
		wasCreated bool
	}
	var changes []change
	seen := make(map[model.CommandID]bool, len(orders.Cmds))

	for _, cmdMsg := range orders.Cmds {
		id := model.CommandID(cmdMsg.Spec.CommandID)
		seen[id] = true

		rec, existed := dep.Commands[id]
		var oldStatus model.Status
		wasCreated := false
		if !existed {
			rec = &model.CommandRecord{DeputyID: deputyID}
			dep.Commands[id] = rec
			wasCreated = true
		} else {
			oldStatus = rec.Status()
		}
		rec.UpdateFromOrders(specFromWire(cmdMsg.Spec), model.RunID(cmdMsg.DesiredRunID), cmdMsg.ForceQuit)

		newStatus := rec.Status()
		if wasCreated || oldStatus != newStatus {
			changes = append(changes, change{id: id, old: oldStatus, new_: newStatus, wasCreated: wasCreated})
		}
	}

	// Absent from the snapshot: mark scheduled for removal, matching
	// spec.md §4.2's observer-mode snapshot semantics.
	for id, rec := range dep.Commands {
		if seen[id] || rec.ScheduledForRemoval {
			continue
		}
		oldStatus := rec.Status()
		rec.ScheduledForRemoval = true
		newStatus := rec.Status()
		if oldStatus != newStatus {
			changes = append(changes, change{id: id, old: oldStatus, new_: newStatus})
		}
	}

	s.mu.Unlock()

	for _, c := range changes {
		if c.wasCreated {
			s.queueEvent(Event{Kind: EventCommandAdded, DeputyID: deputyID, CommandID: c.id})
		}
		if c.old != c.new_ {
			s.queueEvent(Event{
				Kind: EventCommandStatusChanged, DeputyID: deputyID, CommandID: c.id,
				OldStatus: c.old, NewStatus: c.new_,
			})
		}
	}
}

func (s *Sheriff) isStale(sendMicros int64) bool {
	age := s.now().UnixMicro() - sendMicros
	return age > deputyInfoMaxAge.Microseconds()
}

func specFromWire(w protocol.CommandSpecWire) model.CommandSpec {
	return model.CommandSpec{
		ExecStr:         w.ExecStr,
		CommandID:       model.CommandID(w.CommandID),
		Group:           w.Group,
		AutoRespawn:     w.AutoRespawn,
		StopSignal:      w.StopSignal,
		StopTimeAllowed: w.StopTimeAllowed,
	}
}
