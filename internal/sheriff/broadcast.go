package sheriff

import (
	"sort"
	"time"

	"github.com/ashuang/procman/internal/model"
	"github.com/ashuang/procman/internal/protocol"
)

// broadcastLoop calls SendOrders once per broadcastInterval or
// immediately whenever requestBroadcast signals it, per spec.md §4.2's
// robustness-broadcast design. In observer mode each of those calls
// publishes nothing: an observer has no desired state of its own to
// assert.
func (s *Sheriff) broadcastLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.SendOrders()
		case <-s.broadcastNow:
			s.SendOrders()
		}
	}
}

// SendOrders publishes the current desired state to every deputy that
// has ever reported in. It is a no-op in observer mode.
func (s *Sheriff) SendOrders() {
	s.mu.Lock()
	if s.isObserver {
		s.mu.Unlock()
		return
	}

	type outbound struct {
		deputyID model.DeputyID
		orders   protocol.Orders
	}
	var batch []outbound

	for depID, dep := range s.deputies {
		if !dep.EverHeardFrom() {
			continue
		}
		orders := protocol.Orders{
			SendMicros: s.now().UnixMicro(),
			DeputyID:   string(depID),
			SheriffID:  string(s.id),
		}
		ids := make([]model.CommandID, 0, len(dep.Commands))
		for id := range dep.Commands {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			c := dep.Commands[id]
			if c.ScheduledForRemoval {
				continue
			}
			orders.Cmds = append(orders.Cmds, protocol.OrdersCommand{
				Spec:         wireFromSpec(c.CommandSpec),
				DesiredRunID: uint32(c.DesiredRunID),
				ForceQuit:    c.ForceQuit,
			})
		}
		batch = append(batch, outbound{deputyID: depID, orders: orders})
	}
	s.mu.Unlock()

	for _, ob := range batch {
		msg, err := protocol.NewMessage(protocol.TypeOrders, ob.orders)
		if err != nil {
			s.log.Error().Err(err).Str("deputy", string(ob.deputyID)).Msg("failed to encode orders")
			continue
		}
		if err := s.bus.Publish(protocol.ChannelOrders, msg); err != nil {
			s.log.Error().Err(err).Str("deputy", string(ob.deputyID)).Msg("failed to publish orders")
		}
	}
}

func wireFromSpec(spec model.CommandSpec) protocol.CommandSpecWire {
	return protocol.CommandSpecWire{
		ExecStr:         spec.ExecStr,
		CommandID:       string(spec.CommandID),
		Group:           spec.Group,
		AutoRespawn:     spec.AutoRespawn,
		StopSignal:      spec.StopSignal,
		StopTimeAllowed: spec.StopTimeAllowed,
	}
}
