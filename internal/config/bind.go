package config

import (
	"fmt"

	"github.com/ashuang/procman/internal/model"
	"github.com/ashuang/procman/internal/script"
	"github.com/ashuang/procman/internal/sheriff"
)

// BoundCommand pairs a CommandSpec with the deputy it belongs to, the
// shape AddCommand takes.
type BoundCommand struct {
	Spec     model.CommandSpec
	DeputyID model.DeputyID
}

// CommandSpecs translates every CommandNode into a BoundCommand.
func (t *Tree) CommandSpecs() []BoundCommand {
	out := make([]BoundCommand, 0, len(t.Commands))
	for _, c := range t.Commands {
		out = append(out, BoundCommand{
			Spec: model.CommandSpec{
				ExecStr:         c.ExecStr,
				CommandID:       model.CommandID(c.CommandID),
				Group:           model.NormalizeGroup(c.Group),
				AutoRespawn:     c.AutoRespawn,
				StopSignal:      c.StopSignal,
				StopTimeAllowed: c.StopTimeAllowed,
			},
			DeputyID: model.DeputyID(c.Deputy),
		})
	}
	return out
}

// ScriptModels translates every ScriptNode into a *script.Script,
// rejecting unrecognized action/target/wait-for tags.
func (t *Tree) ScriptModels() ([]*script.Script, error) {
	out := make([]*script.Script, 0, len(t.Scripts))
	for _, sn := range t.Scripts {
		actions := make([]script.Action, 0, len(sn.Actions))
		for i, an := range sn.Actions {
			a, err := actionFromNode(an)
			if err != nil {
				return nil, fmt.Errorf("config: script %q action %d: %w", sn.Name, i, err)
			}
			actions = append(actions, a)
		}
		out = append(out, &script.Script{Name: sn.Name, Actions: actions})
	}
	return out, nil
}

func actionFromNode(an ActionNode) (script.Action, error) {
	waitFor, err := waitStatusFromString(an.WaitFor)
	if err != nil {
		return script.Action{}, err
	}

	switch an.Type {
	case "start", "stop", "restart":
		target, err := targetFromNode(an.TargetKind, an.Target)
		if err != nil {
			return script.Action{}, err
		}
		return script.Action{
			Kind:    script.ActionStartStopRestart,
			Op:      script.OpKind(an.Type),
			Target:  target,
			WaitFor: waitFor,
		}, nil
	case "wait_ms":
		if an.DelayMs < 0 {
			return script.Action{}, fmt.Errorf("negative delay_ms %d", an.DelayMs)
		}
		return script.Action{Kind: script.ActionWaitMs, DelayMs: an.DelayMs}, nil
	case "wait_status":
		if waitFor == script.WaitNone {
			return script.Action{}, fmt.Errorf("wait_status requires wait_for")
		}
		target, err := targetFromNode(an.TargetKind, an.Target)
		if err != nil {
			return script.Action{}, err
		}
		return script.Action{Kind: script.ActionWaitStatus, Target: target, WaitFor: waitFor}, nil
	case "run_script":
		if an.ScriptName == "" {
			return script.Action{}, fmt.Errorf("run_script requires a script name")
		}
		return script.Action{Kind: script.ActionRunScript, ScriptName: an.ScriptName}, nil
	default:
		return script.Action{}, fmt.Errorf("unrecognized action type %q", an.Type)
	}
}

func targetFromNode(kind, name string) (script.Target, error) {
	switch kind {
	case "everything":
		return script.Target{Kind: script.TargetEverything}, nil
	case "group":
		return script.Target{Kind: script.TargetGroup, Name: name}, nil
	case "cmd":
		return script.Target{Kind: script.TargetCommand, Name: name}, nil
	default:
		return script.Target{}, fmt.Errorf("unrecognized target_kind %q", kind)
	}
}

func waitStatusFromString(s string) (script.WaitStatus, error) {
	switch s {
	case "":
		return script.WaitNone, nil
	case "running":
		return script.WaitRunning, nil
	case "stopped":
		return script.WaitStopped, nil
	default:
		return "", fmt.Errorf("unrecognized wait_for %q", s)
	}
}

// LoadIntoFleet implements spec.md §4.4's loading semantics: scripts are
// replaced wholesale, then each command is added via AddCommand. Rejected
// if the Sheriff already owns any commands.
func LoadIntoFleet(sh *sheriff.Sheriff, sm *script.ScriptManager, tree *Tree) error {
	if existing := sh.GetAllCommands(); len(existing) > 0 {
		return fmt.Errorf("config: load rejected, %d commands already exist", len(existing))
	}

	scripts, err := tree.ScriptModels()
	if err != nil {
		return err
	}
	if err := sm.ReplaceAllScripts(scripts); err != nil {
		return fmt.Errorf("config: replacing scripts: %w", err)
	}

	for _, bc := range tree.CommandSpecs() {
		if err := sh.AddCommand(bc.Spec, bc.DeputyID); err != nil {
			return fmt.Errorf("config: adding command %q: %w", bc.Spec.CommandID, err)
		}
	}
	return nil
}

// SaveFromFleet builds a Tree from the Sheriff's current commands and the
// ScriptManager's registered scripts, per spec.md §4.4's saving semantics.
func SaveFromFleet(sh *sheriff.Sheriff, sm *script.ScriptManager) *Tree {
	tree := &Tree{}
	for _, c := range sh.GetAllCommands() {
		tree.Commands = append(tree.Commands, CommandNode{
			CommandID:       string(c.CommandID),
			Deputy:          string(c.DeputyID),
			Group:           c.Group,
			ExecStr:         c.ExecStr,
			AutoRespawn:     c.AutoRespawn,
			StopSignal:      c.StopSignal,
			StopTimeAllowed: c.StopTimeAllowed,
		})
	}
	for _, s := range sm.All() {
		sn := ScriptNode{Name: s.Name}
		for _, a := range s.Actions {
			sn.Actions = append(sn.Actions, nodeFromAction(a))
		}
		tree.Scripts = append(tree.Scripts, sn)
	}
	return tree
}

func nodeFromAction(a script.Action) ActionNode {
	switch a.Kind {
	case script.ActionStartStopRestart:
		return ActionNode{
			Type:       string(a.Op),
			TargetKind: string(a.Target.Kind),
			Target:     a.Target.Name,
			WaitFor:    string(a.WaitFor),
		}
	case script.ActionWaitMs:
		return ActionNode{Type: "wait_ms", DelayMs: a.DelayMs}
	case script.ActionWaitStatus:
		return ActionNode{
			Type:       "wait_status",
			TargetKind: string(a.Target.Kind),
			Target:     a.Target.Name,
			WaitFor:    string(a.WaitFor),
		}
	case script.ActionRunScript:
		return ActionNode{Type: "run_script", ScriptName: a.ScriptName}
	default:
		return ActionNode{}
	}
}
