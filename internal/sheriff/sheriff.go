// Package sheriff implements the Sheriff reconciliation engine of
// spec.md §4.2: the aggregate of DeputyRecords, inbound DeputyInfo/Orders
// handling, operator mutations, conflict detection, at-most-once
// broadcast scheduling, and deferred listener dispatch.
package sheriff

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
	// broadcastInterval is the 1Hz robustness broadcast of spec.md §4.2.
	broadcastInterval = 1 * time.Second

	// deputyInfoMaxAge is the clock-skew / replay defense of spec.md
	// §4.2/§5: a DeputyInfo older than this is dropped in active mode.
	deputyInfoMaxAge = 30 * time.Second

	eventQueueSize = 1024
)

// Sheriff is the aggregate of DeputyRecords plus the coordination
// machinery described in spec.md §4.2. The zero value is not usable;
// construct with New.
type Sheriff struct {
	id model.SheriffID
	bus transport.Bus
	log zerolog.Logger

	mu         sync.Mutex // guards everything below
	isObserver bool
	deputies   map[model.DeputyID]*model.DeputyRecord

	listenersMu sync.RWMutex
	listeners   []Listener

	events chan Event

	broadcastNow chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	unsubInfo   func()
	unsubOrders func()

	// now is overridable for deterministic tests.
	now func() time.Time
}

// New constructs a Sheriff bound to bus and immediately starts its
// background workers (the 1Hz broadcaster, the listener-dispatch
// worker, and the transport receive loop). Call Shutdown to stop them.
func New(bus transport.Bus, log zerolog.Logger) *Sheriff {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sheriff{
		id:           model.NewSheriffID(),
		bus:          bus,
		log:          log.With().Str("component", "sheriff").Logger(),
		deputies:     make(map[model.DeputyID]*model.DeputyRecord),
		events:       make(chan Event, eventQueueSize),
		broadcastNow: make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		now:          time.Now,
	}

	infoCh, unsubInfo := bus.Subscribe(protocol.ChannelInfo)
	ordersCh, unsubOrders := bus.Subscribe(protocol.ChannelOrders)
	s.unsubInfo = unsubInfo
	s.unsubOrders = unsubOrders

	s.wg.Add(3)
	go s.eventDispatchLoop()
	go s.receiveLoop(infoCh, ordersCh)
	go s.broadcastLoop()

	s.announceDiscovery()

	return s
}

// ID returns this Sheriff's self-assigned identifier.
func (s *Sheriff) ID() model.SheriffID { return s.id }

// AddListener registers a Listener. Events are delivered in FIFO order
// by a dedicated worker goroutine, outside the Sheriff lock.
func (s *Sheriff) AddListener(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// RemoveListener unregisters a previously added Listener.
func (s *Sheriff) RemoveListener(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// Shutdown stops all Sheriff background workers and releases the
// transport subscriptions. It blocks until the workers have returned.
func (s *Sheriff) Shutdown() {
	s.cancel()
	s.unsubInfo()
	s.unsubOrders()
	s.wg.Wait()
}

func (s *Sheriff) eventDispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			s.dispatch(ev)
		}
	}
}

func (s *Sheriff) dispatch(ev Event) {
	s.listenersMu.RLock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		l.OnEvent(ev)
	}
}

// queueEvent enqueues ev for deferred delivery. Callers invoke it after
// releasing s.mu. It never blocks: when the queue is full the event is
// dropped and a warning is logged.
func (s *Sheriff) queueEvent(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn().Str("kind", string(ev.Kind)).Msg("event queue full, dropping event")
	}
}

func (s *Sheriff) receiveLoop(infoCh, ordersCh <-chan *protocol.Message) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-infoCh:
			if !ok {
				return
			}
			s.handleInfoMessage(msg)
		case msg, ok := <-ordersCh:
			if !ok {
				return
			}
			s.handleOrdersMessage(msg)
		}
	}
}

func (s *Sheriff) handleInfoMessage(msg *protocol.Message) {
	var info protocol.DeputyInfo
	if err := msg.ParsePayload(&info); err != nil {
		s.log.Warn().Err(err).Msg("dropping malformed DeputyInfo")
		return
	}
	s.OnDeputyInfo(&info)
}

func (s *Sheriff) handleOrdersMessage(msg *protocol.Message) {
	var orders protocol.Orders
	if err := msg.ParsePayload(&orders); err != nil {
		s.log.Warn().Err(err).Msg("dropping malformed Orders")
		return
	}
	s.OnOrders(&orders)
}

func (s *Sheriff) announceDiscovery() {
	disc := protocol.Discovery{
		SendMicros:    s.now().UnixMicro(),
		TransmitterID: string(s.id),
		Nonce:         uint32(s.now().UnixNano()),
	}
	msg, err := protocol.NewMessage(protocol.TypeDiscovery, disc)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode discovery message")
		return
	}
	if err := s.bus.Publish(protocol.ChannelDiscover, msg); err != nil {
		s.log.Error().Err(err).Msg("failed to publish discovery message")
	}
}
