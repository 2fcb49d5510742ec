package deputy

import (
	"os/exec"
	"syscall"
	"time"

	"github.com/ashuang/procman/internal/model"
	"github.com/ashuang/procman/internal/protocol"
)

// process is the Deputy's local bookkeeping for one managed command: the
// policy it was last told to enforce, plus the running *exec.Cmd, if
// any.
type process struct {
	spec model.CommandSpec

	desiredRunID model.RunID
	forceQuit    bool

	runID      model.RunID
	cmd        *exec.Cmd
	pid        int
	exitCode   int
	termSignal int

	stopDeadline time.Time // zero when no stop is outstanding
}

// applyOrders reconciles local process state to the desired state
// orders carries: spawning newly-desired commands, stopping
// force-quit ones, and restarting any whose desired run id has
// advanced past what's currently running. A command absent from orders
// has been scheduled for removal by the Sheriff: it is stopped if still
// running and dropped once it is not, so the next DeputyInfo omits it
// and confirms the removal.
func (d *Deputy) applyOrders(orders *protocol.Orders) {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[model.CommandID]bool, len(orders.Cmds))
	for _, oc := range orders.Cmds {
		id := model.CommandID(oc.Spec.CommandID)
		seen[id] = true
		p, ok := d.procs[id]
		if !ok {
			p = &process{}
			d.procs[id] = p
		}
		p.spec = model.CommandSpec{
			ExecStr:         oc.Spec.ExecStr,
			CommandID:       id,
			Group:           oc.Spec.Group,
			AutoRespawn:     oc.Spec.AutoRespawn,
			StopSignal:      oc.Spec.StopSignal,
			StopTimeAllowed: oc.Spec.StopTimeAllowed,
		}
		p.desiredRunID = model.RunID(oc.DesiredRunID)
		p.forceQuit = oc.ForceQuit

		d.reconcileLocked(p)
	}

	for id, p := range d.procs {
		if seen[id] {
			continue
		}
		if p.cmd != nil && p.pid > 0 {
			p.forceQuit = true
			d.requestStopLocked(p)
			continue
		}
		delete(d.procs, id)
	}
}

// reconcileLocked starts or stops p's process to match its desired
// state. Called with d.mu held.
func (d *Deputy) reconcileLocked(p *process) {
	running := p.cmd != nil && p.pid > 0

	if p.forceQuit {
		if running {
			d.requestStopLocked(p)
		}
		return
	}

	if p.desiredRunID != p.runID {
		if running {
			// A new run id while the old one is still up: stop it first;
			// the exit handler will notice the mismatch and spawn again.
			d.requestStopLocked(p)
			return
		}
		d.spawnLocked(p)
	}
}

func (d *Deputy) spawnLocked(p *process) {
	cmd := exec.Command("sh", "-c", p.spec.ExecStr)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		d.log.Error().Err(err).Str("command", string(p.spec.CommandID)).Msg("failed to open stdout pipe")
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		d.log.Error().Err(err).Str("command", string(p.spec.CommandID)).Msg("failed to open stderr pipe")
		return
	}

	if err := cmd.Start(); err != nil {
		d.log.Error().Err(err).Str("command", string(p.spec.CommandID)).Msg("failed to start process")
		p.exitCode = 1
		p.pid = 0
		return
	}

	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.runID = p.desiredRunID
	p.exitCode = 0
	p.termSignal = 0
	p.stopDeadline = time.Time{}

	id := p.spec.CommandID
	go d.streamOutput(id, "stdout", stdout)
	go d.streamOutput(id, "stderr", stderr)
	go d.waitForExit(id, cmd)

	d.requestReport()
}

// requestStopLocked sends the configured stop signal and arms the
// escalation deadline. Called with d.mu held.
func (d *Deputy) requestStopLocked(p *process) {
	if p.cmd == nil || p.pid <= 0 || !p.stopDeadline.IsZero() {
		return
	}
	sig := syscall.Signal(p.spec.StopSignal)
	if sig == 0 {
		sig = syscall.SIGTERM
	}
	_ = syscall.Kill(-p.pid, sig) // negative pid: whole process group
	allowed := p.spec.StopTimeAllowed
	if allowed <= 0 {
		allowed = 10
	}
	p.stopDeadline = time.Now().Add(time.Duration(allowed) * time.Second)
}

// waitForExit blocks on the process and records its outcome, then
// triggers an immediate reconciliation and report.
func (d *Deputy) waitForExit(id model.CommandID, cmd *exec.Cmd) {
	err := cmd.Wait()

	d.mu.Lock()
	p, ok := d.procs[id]
	if ok && p.cmd == cmd {
		p.pid = 0
		p.cmd = nil
		p.stopDeadline = time.Time{}
		p.exitCode, p.termSignal = exitDetails(err)
		if !p.forceQuit {
			d.reconcileLocked(p)
		}
	}
	d.mu.Unlock()

	d.requestReport()
}

func exitDetails(err error) (exitCode, termSignal int) {
	if err == nil {
		return 0, 0
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return 1, 0
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return exitErr.ExitCode(), 0
	}
	if status.Signaled() {
		return 1, int(status.Signal())
	}
	return status.ExitStatus(), 0
}

// checkEscalations sends SIGKILL to any process whose graceful stop
// deadline has passed.
func (d *Deputy) checkEscalations() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for _, p := range d.procs {
		if p.stopDeadline.IsZero() || p.pid <= 0 {
			continue
		}
		if now.After(p.stopDeadline) {
			_ = syscall.Kill(-p.pid, syscall.SIGKILL)
			p.stopDeadline = time.Time{}
		}
	}
}
