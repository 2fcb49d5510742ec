package deputy

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ashuang/procman/internal/model"
	"github.com/ashuang/procman/internal/sheriff"
	"github.com/ashuang/procman/internal/transport"
)

func TestDeputySpawnsAndStopsOnOrders(t *testing.T) {
	bus := transport.NewInProc()
	sh := sheriff.New(bus, zerolog.Nop())
	defer sh.Shutdown()

	dep := New("dep1", bus, zerolog.Nop())
	defer dep.Shutdown()

	if err := sh.AddCommand(model.CommandSpec{
		ExecStr:         "sleep 30",
		CommandID:       "sleeper",
		StopSignal:      15,
		StopTimeAllowed: 2,
	}, "dep1"); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}

	// An added command goes out with desired run id 1, so the deputy
	// spawns it on the first orders it receives; Start is then a no-op.
	waitForStatusIn(t, sh, "sleeper", 3*time.Second, model.StatusRunning)

	if err := sh.StartCommand("sleeper"); err != nil {
		t.Fatalf("StartCommand: %v", err)
	}

	waitForStatusIn(t, sh, "sleeper", 3*time.Second, model.StatusRunning)

	if err := sh.StopCommand("sleeper"); err != nil {
		t.Fatalf("StopCommand: %v", err)
	}

	waitForStatusIn(t, sh, "sleeper", 5*time.Second, model.StatusStoppedOK, model.StatusStoppedError)
}

func waitForStatusIn(t *testing.T, sh *sheriff.Sheriff, id model.CommandID, timeout time.Duration, want ...model.Status) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rec, ok := sh.GetCommandByID(id)
		if ok {
			st := rec.Status()
			for _, w := range want {
				if st == w {
					return
				}
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	rec, _ := sh.GetCommandByID(id)
	var got model.Status
	if rec != nil {
		got = rec.Status()
	}
	t.Fatalf("timed out waiting for status in %v, last observed %q", want, got)
}
