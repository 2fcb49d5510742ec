package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	"github.com/pelletier/go-toml/v2"
)

type tomlDoc struct {
	Command []tomlCommand `toml:"command"`
	Script  []tomlScript  `toml:"script"`
}

type tomlCommand struct {
	CommandID       string `toml:"command_id"`
	Deputy          string `toml:"deputy"`
	Group           string `toml:"group,omitempty"`
	Exec            string `toml:"exec"`
	AutoRespawn     bool   `toml:"auto_respawn,omitempty"`
	StopSignal      int    `toml:"stop_signal,omitempty"`
	StopTimeAllowed int    `toml:"stop_time_allowed,omitempty"`
}

type tomlAction struct {
	Type       string `toml:"type"`
	TargetKind string `toml:"target_kind,omitempty"`
	Target     string `toml:"target,omitempty"`
	WaitFor    string `toml:"wait_for,omitempty"`
	DelayMs    int    `toml:"delay_ms,omitempty"`
	ScriptName string `toml:"run_script,omitempty"`
}

type tomlScript struct {
	Name   string       `toml:"name"`
	Action []tomlAction `toml:"action"`
}

// Load reads and parses a fleet config file from path.
func Load(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc tomlDoc
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return treeFromDoc(&doc), nil
}

// Save serializes tree and atomically writes it to path, so a crash or
// concurrent reader never observes a partially-written file.
func Save(path string, tree *Tree) error {
	doc := docFromTree(tree)
	data, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func treeFromDoc(doc *tomlDoc) *Tree {
	t := &Tree{
		Commands: make([]CommandNode, 0, len(doc.Command)),
		Scripts:  make([]ScriptNode, 0, len(doc.Script)),
	}
	for _, c := range doc.Command {
		t.Commands = append(t.Commands, CommandNode{
			CommandID:       c.CommandID,
			Deputy:          c.Deputy,
			Group:           c.Group,
			ExecStr:         c.Exec,
			AutoRespawn:     c.AutoRespawn,
			StopSignal:      c.StopSignal,
			StopTimeAllowed: c.StopTimeAllowed,
		})
	}
	for _, s := range doc.Script {
		sn := ScriptNode{Name: s.Name, Actions: make([]ActionNode, 0, len(s.Action))}
		for _, a := range s.Action {
			sn.Actions = append(sn.Actions, ActionNode{
				Type:       a.Type,
				TargetKind: a.TargetKind,
				Target:     a.Target,
				WaitFor:    a.WaitFor,
				DelayMs:    a.DelayMs,
				ScriptName: a.ScriptName,
			})
		}
		t.Scripts = append(t.Scripts, sn)
	}
	return t
}

func docFromTree(t *Tree) *tomlDoc {
	doc := &tomlDoc{
		Command: make([]tomlCommand, 0, len(t.Commands)),
		Script:  make([]tomlScript, 0, len(t.Scripts)),
	}
	for _, c := range t.Commands {
		doc.Command = append(doc.Command, tomlCommand{
			CommandID:       c.CommandID,
			Deputy:          c.Deputy,
			Group:           c.Group,
			Exec:            c.ExecStr,
			AutoRespawn:     c.AutoRespawn,
			StopSignal:      c.StopSignal,
			StopTimeAllowed: c.StopTimeAllowed,
		})
	}
	for _, s := range t.Scripts {
		ts := tomlScript{Name: s.Name, Action: make([]tomlAction, 0, len(s.Actions))}
		for _, a := range s.Actions {
			ts.Action = append(ts.Action, tomlAction{
				Type:       a.Type,
				TargetKind: a.TargetKind,
				Target:     a.Target,
				WaitFor:    a.WaitFor,
				DelayMs:    a.DelayMs,
				ScriptName: a.ScriptName,
			})
		}
		doc.Script = append(doc.Script, ts)
	}
	return doc
}
