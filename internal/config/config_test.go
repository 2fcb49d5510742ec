package config

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ashuang/procman/internal/model"
	"github.com/ashuang/procman/internal/script"
	"github.com/ashuang/procman/internal/sheriff"
	"github.com/ashuang/procman/internal/transport"
)

func sampleTree() *Tree {
	return &Tree{
		Commands: []CommandNode{
			{CommandID: "frontend", Deputy: "dep1", Group: "web/frontend", ExecStr: "npm start", AutoRespawn: true, StopSignal: 15, StopTimeAllowed: 10},
			{CommandID: "worker", Deputy: "dep1", Group: "batch", ExecStr: "./worker", StopSignal: 2, StopTimeAllowed: 5},
		},
		Scripts: []ScriptNode{
			{
				Name: "boot",
				Actions: []ActionNode{
					{Type: "start", TargetKind: "group", Target: "web", WaitFor: "running"},
					{Type: "wait_ms", DelayMs: 100},
					{Type: "run_script", ScriptName: "shutdown"},
				},
			},
			{
				Name: "shutdown",
				Actions: []ActionNode{
					{Type: "stop", TargetKind: "everything", WaitFor: "stopped"},
				},
			},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.toml")

	want := sampleTree()
	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !reflect.DeepEqual(want, got) {
		t.Fatalf("round trip mismatch:\n want %+v\n got  %+v", want, got)
	}
}

func TestLoadIntoFleetRejectsWhenCommandsExist(t *testing.T) {
	bus := transport.NewInProc()
	sh := sheriff.New(bus, zerolog.Nop())
	defer sh.Shutdown()
	sm := script.New(sh, zerolog.Nop())
	defer sm.Shutdown()

	if err := sh.AddCommand(
		model.CommandSpec{ExecStr: "true", CommandID: "pre-existing"},
		"dep1",
	); err != nil {
		t.Fatalf("AddCommand: %v", err)
	}

	err := LoadIntoFleet(sh, sm, sampleTree())
	if err == nil {
		t.Fatalf("expected LoadIntoFleet to reject a non-empty fleet")
	}
}

func TestLoadIntoFleetThenSaveFromFleetRoundTrips(t *testing.T) {
	bus := transport.NewInProc()
	sh := sheriff.New(bus, zerolog.Nop())
	defer sh.Shutdown()
	sm := script.New(sh, zerolog.Nop())
	defer sm.Shutdown()

	tree := sampleTree()
	if err := LoadIntoFleet(sh, sm, tree); err != nil {
		t.Fatalf("LoadIntoFleet: %v", err)
	}

	saved := SaveFromFleet(sh, sm)
	if len(saved.Commands) != len(tree.Commands) {
		t.Fatalf("len(saved.Commands) = %d, want %d", len(saved.Commands), len(tree.Commands))
	}
	if len(saved.Scripts) != len(tree.Scripts) {
		t.Fatalf("len(saved.Scripts) = %d, want %d", len(saved.Scripts), len(tree.Scripts))
	}

	for _, want := range tree.Commands {
		found := false
		for _, got := range saved.Commands {
			if got.CommandID == want.CommandID {
				found = true
				if got.ExecStr != want.ExecStr || got.Group != want.Group || got.Deputy != want.Deputy {
					t.Fatalf("command %q round-tripped incorrectly: got %+v, want %+v", want.CommandID, got, want)
				}
			}
		}
		if !found {
			t.Fatalf("command %q missing after round trip", want.CommandID)
		}
	}
}
