package sheriff

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ashuang/procman/internal/model"
	"github.com/ashuang/procman/internal/protocol"
	"github.com/ashuang/procman/internal/transport"
)

func newTestSheriff(t *testing.T) (*Sheriff, chan Event) {
	t.Helper()
	bus := transport.NewInProc()
	s := New(bus, zerolog.Nop())
	t.Cleanup(s.Shutdown)

	events := make(chan Event, 64)
	s.AddListener(ListenerFunc(func(e Event) {
		select {
		case events <- e:
		default:
		}
	}))
	return s, events
}

func waitForEvent(t *testing.T, events chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", kind)
		}
	}
}

func TestAddStartStopLifecycle(t *testing.T) {
	s, events := newTestSheriff(t)

	spec := model.CommandSpec{ExecStr: "true", CommandID: "c1"}
	if err := s.AddCommand(spec, "dep1"); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	waitForEvent(t, events, EventCommandAdded)

	// Deputy hasn't reported yet: status is UNKNOWN regardless of desired
	// state.
	rec, ok := s.GetCommandByID("c1")
	if !ok {
		t.Fatalf("command not found after AddCommand")
	}
	if rec.Status() != model.StatusUnknown {
		t.Fatalf("status = %s, want UNKNOWN", rec.Status())
	}

	// Deputy reports the command at rest: run id 1 ran to completion.
	s.OnDeputyInfo(&protocol.DeputyInfo{
		SendMicros: time.Now().UnixMicro(),
		DeputyID:   "dep1",
		Cmds: []protocol.DeputyInfoCommand{
			{Spec: protocol.CommandSpecWire{ExecStr: "true", CommandID: "c1"}, ActualRuns: 1},
		},
	})
	waitForEvent(t, events, EventDeputyInfoReceived)

	rec, _ = s.GetCommandByID("c1")
	if rec.Status() != model.StatusStoppedOK {
		t.Fatalf("status = %s, want STOPPED_OK", rec.Status())
	}

	if err := s.StartCommand("c1"); err != nil {
		t.Fatalf("StartCommand: %v", err)
	}
	rec, _ = s.GetCommandByID("c1")
	if rec.Status() != model.StatusTryingToStart {
		t.Fatalf("status = %s, want TRYING_TO_START", rec.Status())
	}

	// Deputy confirms the process is up at the new run id.
	s.OnDeputyInfo(&protocol.DeputyInfo{
		SendMicros: time.Now().UnixMicro(),
		DeputyID:   "dep1",
		Cmds: []protocol.DeputyInfoCommand{
			{Spec: protocol.CommandSpecWire{ExecStr: "true", CommandID: "c1"}, ActualRuns: 2, Pid: 4242},
		},
	})
	rec, _ = s.GetCommandByID("c1")
	if rec.Status() != model.StatusRunning {
		t.Fatalf("status = %s, want RUNNING", rec.Status())
	}

	if err := s.StopCommand("c1"); err != nil {
		t.Fatalf("StopCommand: %v", err)
	}
	rec, _ = s.GetCommandByID("c1")
	if rec.Status() != model.StatusTryingToStop {
		t.Fatalf("status = %s, want TRYING_TO_STOP", rec.Status())
	}

	// Deputy confirms the process exited cleanly.
	s.OnDeputyInfo(&protocol.DeputyInfo{
		SendMicros: time.Now().UnixMicro(),
		DeputyID:   "dep1",
		Cmds: []protocol.DeputyInfoCommand{
			{Spec: protocol.CommandSpecWire{ExecStr: "true", CommandID: "c1"}, ActualRuns: 2, Pid: 0, ExitCode: 0},
		},
	})
	rec, _ = s.GetCommandByID("c1")
	if rec.Status() != model.StatusStoppedOK {
		t.Fatalf("status = %s, want STOPPED_OK", rec.Status())
	}
}

func TestScheduleForRemovalWaitsForConfirmation(t *testing.T) {
	s, events := newTestSheriff(t)

	spec := model.CommandSpec{ExecStr: "true", CommandID: "c1"}
	if err := s.AddCommand(spec, "dep1"); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	waitForEvent(t, events, EventCommandAdded)

	s.OnDeputyInfo(&protocol.DeputyInfo{
		SendMicros: time.Now().UnixMicro(),
		DeputyID:   "dep1",
		Cmds: []protocol.DeputyInfoCommand{
			{Spec: protocol.CommandSpecWire{ExecStr: "true", CommandID: "c1"}},
		},
	})
	waitForEvent(t, events, EventDeputyInfoReceived)

	if err := s.ScheduleForRemoval("c1"); err != nil {
		t.Fatalf("ScheduleForRemoval: %v", err)
	}

	// Deputy still reports the command: it must not be gone yet.
	if _, ok := s.GetCommandByID("c1"); !ok {
		t.Fatalf("command removed before deputy confirmation")
	}

	// Deputy's next report omits it: removal is confirmed.
	s.OnDeputyInfo(&protocol.DeputyInfo{
		SendMicros: time.Now().UnixMicro(),
		DeputyID:   "dep1",
		Cmds:       nil,
	})
	waitForEvent(t, events, EventCommandRemoved)

	if _, ok := s.GetCommandByID("c1"); ok {
		t.Fatalf("command still present after confirmed removal")
	}
}

func TestScheduleForRemovalImmediateWhenDeputyNeverReported(t *testing.T) {
	s, events := newTestSheriff(t)

	spec := model.CommandSpec{ExecStr: "true", CommandID: "c1"}
	if err := s.AddCommand(spec, "dep1"); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	waitForEvent(t, events, EventCommandAdded)

	if err := s.ScheduleForRemoval("c1"); err != nil {
		t.Fatalf("ScheduleForRemoval: %v", err)
	}
	waitForEvent(t, events, EventCommandRemoved)

	if _, ok := s.GetCommandByID("c1"); ok {
		t.Fatalf("command should be gone immediately: deputy never reported in")
	}
}

func TestOnOrdersFromForeignSheriffSignalsConflict(t *testing.T) {
	s, events := newTestSheriff(t)

	s.OnOrders(&protocol.Orders{
		SendMicros: time.Now().UnixMicro(),
		DeputyID:   "dep1",
		SheriffID:  "some-other-sheriff",
		Cmds:       nil,
	})

	e := waitForEvent(t, events, EventSheriffConflictDetected)
	if e.OtherSheriffID != "some-other-sheriff" {
		t.Fatalf("OtherSheriffID = %q, want %q", e.OtherSheriffID, "some-other-sheriff")
	}

	// Active mode: a foreign Orders message must never mutate state.
	if cmds := s.GetAllCommands(); len(cmds) != 0 {
		t.Fatalf("active-mode Sheriff mutated state from a foreign Orders message: %+v", cmds)
	}
}

func TestOnOrdersEchoIsIgnored(t *testing.T) {
	s, events := newTestSheriff(t)

	s.OnOrders(&protocol.Orders{
		SendMicros: time.Now().UnixMicro(),
		DeputyID:   "dep1",
		SheriffID:  string(s.ID()),
	})

	select {
	case e := <-events:
		t.Fatalf("unexpected event from self-echo: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestObserverModeAbsorbsOrdersAsSnapshot(t *testing.T) {
	s, events := newTestSheriff(t)
	s.SetObserver(true)
	waitForEvent(t, events, EventObserverStatusChanged)

	s.OnOrders(&protocol.Orders{
		SendMicros: time.Now().UnixMicro(),
		DeputyID:   "dep1",
		SheriffID:  "remote-sheriff",
		Cmds: []protocol.OrdersCommand{
			{Spec: protocol.CommandSpecWire{ExecStr: "true", CommandID: "c1"}, DesiredRunID: 3},
		},
	})
	waitForEvent(t, events, EventCommandAdded)

	rec, ok := s.GetCommandByID("c1")
	if !ok {
		t.Fatalf("command not absorbed from observed snapshot")
	}
	if rec.DesiredRunID != 3 {
		t.Fatalf("DesiredRunID = %d, want 3 (seeded from the snapshot)", rec.DesiredRunID)
	}

	// A later snapshot that omits c1 marks it for removal rather than
	// deleting it outright.
	s.OnOrders(&protocol.Orders{
		SendMicros: time.Now().UnixMicro(),
		DeputyID:   "dep1",
		SheriffID:  "remote-sheriff",
		Cmds:       nil,
	})
	waitForEvent(t, events, EventCommandStatusChanged)

	rec, ok = s.GetCommandByID("c1")
	if !ok {
		t.Fatalf("command removed outright in observer mode; should be scheduled instead")
	}
	if !rec.ScheduledForRemoval {
		t.Fatalf("expected ScheduledForRemoval after omission from an observed snapshot")
	}

	// Mutating calls are blocked while observing.
	if err := s.StartCommand("c1"); err == nil {
		t.Fatalf("expected ObserverBlocked error, got nil")
	}
}

func TestSendOrdersSkipsScheduledForRemovalAndUnknownDeputies(t *testing.T) {
	s, events := newTestSheriff(t)
	ordersCh, unsub := s.bus.Subscribe(protocol.ChannelOrders)
	defer unsub()

	spec := model.CommandSpec{ExecStr: "true", CommandID: "c1"}
	if err := s.AddCommand(spec, "dep1"); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	waitForEvent(t, events, EventCommandAdded)

	// dep1 has never reported in: SendOrders must not address it yet.
	s.SendOrders()
	select {
	case msg := <-ordersCh:
		t.Fatalf("orders published for a deputy that never reported in: %+v", msg)
	default:
	}

	s.OnDeputyInfo(&protocol.DeputyInfo{
		SendMicros: time.Now().UnixMicro(),
		DeputyID:   "dep1",
		Cmds: []protocol.DeputyInfoCommand{
			{Spec: protocol.CommandSpecWire{ExecStr: "true", CommandID: "c1"}},
		},
	})
	waitForEvent(t, events, EventDeputyInfoReceived)

	if err := s.ScheduleForRemoval("c1"); err != nil {
		t.Fatalf("ScheduleForRemoval: %v", err)
	}
	// Orders snapshotted before the removal may still be queued; the ones
	// built after it must address dep1 with c1 omitted.
	s.SendOrders()
	filtered := false
	for len(ordersCh) > 0 {
		var orders protocol.Orders
		if err := (<-ordersCh).ParsePayload(&orders); err != nil {
			t.Fatalf("ParsePayload: %v", err)
		}
		if orders.DeputyID == "dep1" && len(orders.Cmds) == 0 {
			filtered = true
		}
	}
	if !filtered {
		t.Fatalf("no orders for dep1 with c1 omitted after ScheduleForRemoval")
	}
}

func TestGetCommandsByGroup(t *testing.T) {
	s, events := newTestSheriff(t)

	specs := []model.CommandSpec{
		{ExecStr: "true", CommandID: "c1", Group: "web/frontend"},
		{ExecStr: "true", CommandID: "c2", Group: "web/backend"},
		{ExecStr: "true", CommandID: "c3", Group: "batch"},
	}
	for _, spec := range specs {
		if err := s.AddCommand(spec, "dep1"); err != nil {
			t.Fatalf("AddCommand(%s): %v", spec.CommandID, err)
		}
	}
	for range specs {
		waitForEvent(t, events, EventCommandAdded)
	}

	web := s.GetCommandsByGroup("web")
	if len(web) != 2 {
		t.Fatalf("len(web) = %d, want 2", len(web))
	}

	all := s.GetCommandsByGroup("")
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
}
