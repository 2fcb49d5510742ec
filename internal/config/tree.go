// Package config binds the on-disk fleet configuration file to the
// Sheriff/ScriptManager domain types, per spec.md §4.4. Translation is
// pure and stateless: Tree and its fields carry no behavior of their
// own, only data read from or destined for a config file.
//
// The concrete file format is TOML, via github.com/pelletier/go-toml/v2:
// spec.md treats the original `group { … } cmd { … } script "name" { … }`
// grammar as an external collaborator out of scope for this module, so a
// different concrete syntax stands in for it while preserving the same
// tree shape (commands carrying a slash-delimited group path, and
// top-level named scripts).
package config

// CommandNode is one managed process entry in the config file.
type CommandNode struct {
	CommandID       string
	Deputy          string
	Group           string // slash-delimited path, possibly empty
	ExecStr         string
	AutoRespawn     bool
	StopSignal      int
	StopTimeAllowed int
}

// ActionNode is the on-disk form of one script.Action.
type ActionNode struct {
	Type       string // "start" | "stop" | "restart" | "wait_ms" | "wait_status" | "run_script"
	TargetKind string // "everything" | "group" | "cmd"
	Target     string // group path or command id; unused for "everything"
	WaitFor    string // "running" | "stopped" | ""
	DelayMs    int
	ScriptName string // run_script only
}

// ScriptNode is one named script's on-disk form.
type ScriptNode struct {
	Name    string
	Actions []ActionNode
}

// Tree is the whole parsed config file: every managed command and every
// named script.
type Tree struct {
	Commands []CommandNode
	Scripts  []ScriptNode
}
