package script

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ashuang/procman/internal/model"
	"github.com/ashuang/procman/internal/protocol"
	"github.com/ashuang/procman/internal/sheriff"
	"github.com/ashuang/procman/internal/transport"
)

func newTestManager(t *testing.T) (*sheriff.Sheriff, *ScriptManager, chan Event) {
	t.Helper()
	bus := transport.NewInProc()
	sh := sheriff.New(bus, zerolog.Nop())
	t.Cleanup(sh.Shutdown)

	m := New(sh, zerolog.Nop())
	t.Cleanup(m.Shutdown)

	events := make(chan Event, 64)
	m.AddListener(ListenerFunc(func(e Event) {
		select {
		case events <- e:
		default:
		}
	}))
	return sh, m, events
}

func waitForEvent(t *testing.T, events chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
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

func reportAtRest(t *testing.T, sh *sheriff.Sheriff, deputyID, commandID string) {
	t.Helper()
	sh.OnDeputyInfo(&protocol.DeputyInfo{
		SendMicros: time.Now().UnixMicro(),
		DeputyID:   deputyID,
		Cmds: []protocol.DeputyInfoCommand{
			{Spec: protocol.CommandSpecWire{ExecStr: "true", CommandID: commandID}, ActualRuns: 1},
		},
	})
}

func reportRunning(t *testing.T, sh *sheriff.Sheriff, deputyID, commandID string, runID uint32, pid int) {
	t.Helper()
	sh.OnDeputyInfo(&protocol.DeputyInfo{
		SendMicros: time.Now().UnixMicro(),
		DeputyID:   deputyID,
		Cmds: []protocol.DeputyInfoCommand{
			{Spec: protocol.CommandSpecWire{ExecStr: "true", CommandID: commandID}, ActualRuns: runID, Pid: pid},
		},
	})
}

func TestScriptWithWaitRunsToCompletion(t *testing.T) {
	sh, m, events := newTestManager(t)

	if err := sh.AddCommand(model.CommandSpec{ExecStr: "true", CommandID: "s1"}, "dep1"); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	reportAtRest(t, sh, "dep1", "s1")

	s := &Script{
		Name: "boot",
		Actions: []Action{
			{Kind: ActionStartStopRestart, Op: OpStart, Target: Target{Kind: TargetCommand, Name: "s1"}, WaitFor: WaitRunning},
			{Kind: ActionWaitMs, DelayMs: 100},
			{Kind: ActionStartStopRestart, Op: OpStop, Target: Target{Kind: TargetCommand, Name: "s1"}, WaitFor: WaitStopped},
		},
	}
	if err := m.AddScript(s); err != nil {
		t.Fatalf("AddScript: %v", err)
	}

	start := time.Now()
	if err := m.StartScript("boot"); err != nil {
		t.Fatalf("StartScript: %v", err)
	}
	waitForEvent(t, events, EventScriptStarted)
	waitForEvent(t, events, EventScriptActionExecuting) // start s1

	// Simulate the deputy acknowledging the new run id.
	reportRunning(t, sh, "dep1", "s1", 2, 4242)

	waitForEvent(t, events, EventScriptActionExecuting) // wait ms 100
	waitForEvent(t, events, EventScriptActionExecuting) // stop s1

	reportRunning(t, sh, "dep1", "s1", 2, 0) // exited cleanly

	waitForEvent(t, events, EventScriptFinished)
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("script finished in %v, want >= 100ms (wait ms 100)", elapsed)
	}
}

func TestScriptCycleRejection(t *testing.T) {
	_, m, _ := newTestManager(t)

	p := &Script{Name: "p", Actions: []Action{{Kind: ActionRunScript, ScriptName: "q"}}}
	q := &Script{Name: "q", Actions: []Action{{Kind: ActionRunScript, ScriptName: "p"}}}
	if err := m.AddScript(p); err != nil {
		t.Fatalf("AddScript(p): %v", err)
	}
	if err := m.AddScript(q); err != nil {
		t.Fatalf("AddScript(q): %v", err)
	}

	errs := m.CheckScriptForErrors("p")
	if len(errs) == 0 {
		t.Fatalf("expected cycle errors, got none")
	}
	found := false
	for _, e := range errs {
		if containsInfiniteLoop(e) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an error mentioning an infinite loop, got %v", errs)
	}
}

func containsInfiniteLoop(s string) bool {
	for i := 0; i+len("infinite loop") <= len(s); i++ {
		if equalFold(s[i:i+len("infinite loop")], "infinite loop") {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func TestCheckScriptForErrorsMissingTarget(t *testing.T) {
	_, m, _ := newTestManager(t)

	s := &Script{
		Name: "bad",
		Actions: []Action{
			{Kind: ActionStartStopRestart, Op: OpStart, Target: Target{Kind: TargetCommand, Name: "nope"}},
			{Kind: ActionWaitMs, DelayMs: -5},
		},
	}
	if err := m.AddScript(s); err != nil {
		t.Fatalf("AddScript: %v", err)
	}
	errs := m.CheckScriptForErrors("bad")
	if len(errs) != 2 {
		t.Fatalf("len(errs) = %d, want 2: %v", len(errs), errs)
	}
}

func TestAbortScriptEmitsFinishedWithoutRollback(t *testing.T) {
	sh, m, events := newTestManager(t)

	if err := sh.AddCommand(model.CommandSpec{ExecStr: "true", CommandID: "s1"}, "dep1"); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}
	reportAtRest(t, sh, "dep1", "s1")

	s := &Script{
		Name: "boot",
		Actions: []Action{
			{Kind: ActionStartStopRestart, Op: OpStart, Target: Target{Kind: TargetCommand, Name: "s1"}, WaitFor: WaitRunning},
			{Kind: ActionWaitMs, DelayMs: 60000},
		},
	}
	if err := m.AddScript(s); err != nil {
		t.Fatalf("AddScript: %v", err)
	}
	if err := m.StartScript("boot"); err != nil {
		t.Fatalf("StartScript: %v", err)
	}
	waitForEvent(t, events, EventScriptStarted)

	// Wait until the start action has bumped s1 from run id 1 to 2.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if rec, ok := sh.GetCommandByID("s1"); ok && rec.DesiredRunID == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("start action never reached the sheriff")
		}
		time.Sleep(10 * time.Millisecond)
	}

	m.AbortScript()
	waitForEvent(t, events, EventScriptFinished)

	if m.IsRunning() {
		t.Fatalf("expected IsRunning() == false after AbortScript")
	}

	rec, ok := sh.GetCommandByID("s1")
	if !ok {
		t.Fatalf("command vanished")
	}
	if rec.DesiredRunID != 2 {
		t.Fatalf("DesiredRunID = %d, want 2: the already-issued start must remain (no rollback on abort)", rec.DesiredRunID)
	}
}
