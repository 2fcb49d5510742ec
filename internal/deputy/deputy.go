// Package deputy is the reference deputy agent: the process-spawning,
// monitoring, stopping, and restarting counterpart to a Sheriff. It
// receives Orders over the transport Bus, reconciles local processes to
// match the desired run ids they carry, and periodically reports actual
// state back as DeputyInfo, per spec.md §1/§3.
//
// It exists to make the Sheriff/ScriptManager testable end-to-end and
// to back the CLI's `-l` in-process mode; a real deployment may swap in
// any other deputy implementation speaking the same wire protocol.
package deputy

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ashuang/procman/internal/model"
	"github.com/ashuang/procman/internal/protocol"
	"github.com/ashuang/procman/internal/transport"
)

const (
	heartbeatInterval = 1 * time.Second
	escalateCheck     = 200 * time.Millisecond
)

// Deputy runs and reports on a set of CommandSpec-described processes on
// the local host.
type Deputy struct {
	id  model.DeputyID
	bus transport.Bus
	log zerolog.Logger

	mu        sync.Mutex // guards procs
	procs     map[model.CommandID]*process
	cpuLoad   float64
	memTotal  uint64
	memFree   uint64

	reportNow chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	unsubOrders   func()
	unsubDiscover func()
}

// New constructs a Deputy identified by id and starts its background
// workers: the transport receive loop, the 1Hz heartbeat reporter, and
// the stop-escalation ticker. Call Shutdown to stop them and signal
// every managed process to terminate.
func New(id model.DeputyID, bus transport.Bus, log zerolog.Logger) *Deputy {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Deputy{
		id:        id,
		bus:       bus,
		log:       log.With().Str("component", "deputy").Str("deputy_id", string(id)).Logger(),
		procs:     make(map[model.CommandID]*process),
		reportNow: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}

	ordersCh, unsubOrders := bus.Subscribe(protocol.ChannelOrders)
	discoverCh, unsubDiscover := bus.Subscribe(protocol.ChannelDiscover)
	d.unsubOrders = unsubOrders
	d.unsubDiscover = unsubDiscover

	d.wg.Add(3)
	go d.receiveLoop(ordersCh, discoverCh)
	go d.reportLoop()
	go d.escalationLoop()

	return d
}

// ID returns this deputy's identifier.
func (d *Deputy) ID() model.DeputyID { return d.id }

// Shutdown signals every managed process to stop (without waiting for
// them to exit) and stops the Deputy's background workers.
func (d *Deputy) Shutdown() {
	d.mu.Lock()
	for _, p := range d.procs {
		p.forceQuit = true
		d.requestStopLocked(p)
	}
	d.mu.Unlock()

	d.cancel()
	d.unsubOrders()
	d.unsubDiscover()
	d.wg.Wait()
}

func (d *Deputy) receiveLoop(ordersCh, discoverCh <-chan *protocol.Message) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case msg, ok := <-ordersCh:
			if !ok {
				return
			}
			d.handleOrdersMessage(msg)
		case _, ok := <-discoverCh:
			if !ok {
				return
			}
			d.requestReport()
		}
	}
}

func (d *Deputy) handleOrdersMessage(msg *protocol.Message) {
	var orders protocol.Orders
	if err := msg.ParsePayload(&orders); err != nil {
		d.log.Warn().Err(err).Msg("dropping malformed orders")
		return
	}
	if model.DeputyID(orders.DeputyID) != d.id {
		return
	}
	d.applyOrders(&orders)
}

func (d *Deputy) requestReport() {
	select {
	case d.reportNow <- struct{}{}:
	default:
	}
}

func (d *Deputy) reportLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.sendInfo()
		case <-d.reportNow:
			d.sendInfo()
		}
	}
}

func (d *Deputy) escalationLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(escalateCheck)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.checkEscalations()
		}
	}
}
