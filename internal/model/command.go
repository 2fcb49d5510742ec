package model

// CommandSpec is the operator/config-supplied identity and policy of a
// managed process, independent of its runtime state.
type CommandSpec struct {
	ExecStr         string
	CommandID       CommandID
	Group           string // slash-delimited path, possibly empty
	AutoRespawn     bool
	StopSignal      int
	StopTimeAllowed int // seconds
}

// CommandRecord is the Sheriff's state for one managed process: identity
// and policy (CommandSpec), desired state, and the deputy's last
// reported actual state. Every field is mutated only under the owning
// Sheriff's lock — CommandRecord carries no lock of its own.
type CommandRecord struct {
	CommandSpec

	DeputyID DeputyID

	// Desired state, owned by the Sheriff / operator / script layer.
	DesiredRunID RunID
	ForceQuit    bool

	// Deputy-reported actual state.
	ActualRunID RunID
	Pid         int // -1 unknown, 0 stopped, >0 running
	ExitCode    int
	TermSignal  int // signal that terminated the process, if any; 0 otherwise
	CPUUsage    float64
	MemVsize    uint64
	MemRss      uint64

	ScheduledForRemoval bool
	UpdatedFromInfo     bool
}

// Status returns the CommandRecord's derived status (spec.md §4.1).
func (c *CommandRecord) Status() Status {
	return DeriveStatus(c)
}

// applyAutoForceQuit implements spec.md §4.1's auto-force-quit rule: a
// deputy reporting a command that has run to completion and isn't set to
// auto-respawn must not be silently respawned by a later desired-state
// mismatch from a restarting deputy.
func (c *CommandRecord) applyAutoForceQuit() {
	if c.Pid == 0 && c.ActualRunID == c.DesiredRunID && !c.AutoRespawn && !c.ForceQuit {
		c.ForceQuit = true
	}
}

// UpdateFromInfo applies one deputy-reported command snapshot (from a
// DeputyInfo message) onto the record. DesiredRunID is left untouched;
// ForceQuit changes only through the auto-force-quit rule.
func (c *CommandRecord) UpdateFromInfo(actualRunID RunID, pid, exitCode, termSignal int, cpu float64, vsize, rss uint64) {
	c.ActualRunID = actualRunID
	c.Pid = pid
	c.ExitCode = exitCode
	c.TermSignal = termSignal
	c.CPUUsage = cpu
	c.MemVsize = vsize
	c.MemRss = rss
	c.UpdatedFromInfo = true
	c.applyAutoForceQuit()
}

// UpdateFromOrders applies an observer-mode authoritative Orders snapshot
// onto the record's desired-state fields.
func (c *CommandRecord) UpdateFromOrders(spec CommandSpec, desiredRunID RunID, forceQuit bool) {
	c.CommandSpec = spec
	c.DesiredRunID = desiredRunID
	c.ForceQuit = forceQuit
}

// Start increments DesiredRunID and clears ForceQuit, unless the command
// is already running and not force-quit (no-op per spec.md §4.1/§8).
func (c *CommandRecord) Start() {
	if c.Pid > 0 && !c.ForceQuit {
		return
	}
	c.DesiredRunID = c.DesiredRunID.Next()
	c.ForceQuit = false
}

// Restart unconditionally increments DesiredRunID and clears ForceQuit.
func (c *CommandRecord) Restart() {
	c.DesiredRunID = c.DesiredRunID.Next()
	c.ForceQuit = false
}

// Stop sets ForceQuit without touching DesiredRunID.
func (c *CommandRecord) Stop() {
	c.ForceQuit = true
}
