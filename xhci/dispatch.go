package xhci

// PortWake is the notification delivered for a Port Status Change Event:
// the port index (1-based, matching PORTSC register numbering) whose
// status bits changed.
type PortWake struct {
	Port int
}

// Dispatcher classifies Event Ring TRBs and routes them to the
// subsystem responsible for each: the Command Engine's waiter FIFO, the
// Transfer Engine's per-endpoint waiter table, or a per-port wake set
// consumed by the port/enumeration state machine. It holds no goroutines
// of its own; HandleEvent is invoked synchronously from the controller's
// interrupt-service path (Controller.HandleEvent) or a caller's own poll
// loop.
type Dispatcher struct {
	commands  *CommandEngine
	transfers *TransferEngine

	portWakes chan PortWake

	onHostControllerEvent func(TRB)
}

// NewDispatcher builds a dispatcher wired to the given command and
// transfer engines. portWakeCapacity bounds the buffered port-wake
// channel; a slow consumer drops the oldest notification rather than
// blocking the event-ring drain, since PORTSC itself is read to discover
// the current state regardless of how many change events coalesced.
func NewDispatcher(commands *CommandEngine, transfers *TransferEngine, portWakeCapacity int) *Dispatcher {
	return &Dispatcher{
		commands:  commands,
		transfers: transfers,
		portWakes: make(chan PortWake, portWakeCapacity),
	}
}

// PortWakes returns the channel on which port status change
// notifications are delivered.
func (d *Dispatcher) PortWakes() <-chan PortWake {
	return d.portWakes
}

// OnHostControllerEvent registers a callback invoked for Host Controller
// Event TRBs (xHCI 1.2, 6.4.2.4), reporting an internal error such as
// Event Ring Full.
func (d *Dispatcher) OnHostControllerEvent(fn func(TRB)) {
	d.onHostControllerEvent = fn
}

// Handle classifies a single Event Ring TRB and routes it. It is the
// function passed to EventRing.Drain.
func (d *Dispatcher) Handle(t TRB) {
	switch t.Type() {
	case TRBCommandCompletionEvent:
		d.commands.Complete(t)
	case TRBTransferEvent:
		d.transfers.Complete(t)
	case TRBPortStatusChangeEvent:
		d.wakePort(int(t.PortID()))
	case TRBHostControllerEvent:
		if d.onHostControllerEvent != nil {
			d.onHostControllerEvent(t)
		}
	case TRBDeviceNotificationEvent, TRBBandwidthRequestEvent, TRBDoorbellEvent, TRBMFINDEXWrapEvent:
		// Acknowledged by being drained; no subsystem currently acts on
		// these event types.
	}
}

func (d *Dispatcher) wakePort(port int) {
	select {
	case d.portWakes <- PortWake{Port: port}:
	default:
		// Drain one stale entry to make room; the port FSM re-reads
		// PORTSC so coalescing wakes is safe.
		select {
		case <-d.portWakes:
		default:
		}
		select {
		case d.portWakes <- PortWake{Port: port}:
		default:
		}
	}
}
