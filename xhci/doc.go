// Package xhci implements the protocol engine of an asynchronous USB host
// stack: TRB ring machinery, command/event/transfer-ring coordination,
// device-context and slot lifecycle, per-endpoint state machines, and the
// Root Hub / External Hub topology model including device address and
// route-string assignment, driving an xHCI (eXtensible Host Controller
// Interface) controller per the xHCI 1.2 specification.
//
// The package never spawns goroutines of its own; callers drive it from a
// single scheduling domain, submitting transfers and commands that
// suspend until HandleEvent, invoked from the interrupt path (or polled),
// observes the matching completion on the event ring. See Controller for
// the top-level entry point.
package xhci
