package deputy

import (
	"sort"
	"time"

	"github.com/ashuang/procman/internal/model"
	"github.com/ashuang/procman/internal/protocol"
)

// sendInfo publishes a DeputyInfo snapshot of every managed process.
func (d *Deputy) sendInfo() {
	d.mu.Lock()
	info := protocol.DeputyInfo{
		SendMicros:   time.Now().UnixMicro(),
		DeputyID:     string(d.id),
		CPULoad:      d.cpuLoad,
		PhysMemTotal: d.memTotal,
		PhysMemFree:  d.memFree,
		Cmds:         make([]protocol.DeputyInfoCommand, 0, len(d.procs)),
	}
	ids := make([]model.CommandID, 0, len(d.procs))
	for id := range d.procs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		p := d.procs[id]
		info.Cmds = append(info.Cmds, protocol.DeputyInfoCommand{
			Spec: protocol.CommandSpecWire{
				ExecStr:         p.spec.ExecStr,
				CommandID:       string(p.spec.CommandID),
				Group:           p.spec.Group,
				AutoRespawn:     p.spec.AutoRespawn,
				StopSignal:      p.spec.StopSignal,
				StopTimeAllowed: p.spec.StopTimeAllowed,
			},
			ActualRuns: uint32(p.runID),
			Pid:        p.pid,
			ExitCode:   p.exitCode,
			TermSignal: p.termSignal,
		})
	}
	d.mu.Unlock()

	msg, err := protocol.NewMessage(protocol.TypeDeputyInfo, info)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to encode deputy info")
		return
	}
	if err := d.bus.Publish(protocol.ChannelInfo, msg); err != nil {
		d.log.Error().Err(err).Msg("failed to publish deputy info")
	}
}
