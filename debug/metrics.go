// Package debug wires an ambient observability endpoint into a running
// Controller: live runtime charts (GC pause, heap, goroutines) via
// debugcharts, plus a rate-limited sampler that logs ring occupancy so a
// long-lived host-controller process can be watched without attaching a
// debugger.
package debug

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/mkevac/debugcharts"
	"golang.org/x/time/rate"
)

// Sampler is anything a metrics session can poll periodically;
// xhci.Controller satisfies it via its CommandRingOccupancy and
// EventCount methods.
type Sampler interface {
	CommandRingOccupancy() (outstanding, capacity int)
	EventCount() int
}

// Metrics starts the debugcharts HTTP handler and a background sampling
// loop. The caller owns the *http.Server that mounts it (debugcharts
// registers onto http.DefaultServeMux).
type Metrics struct {
	limiter *rate.Limiter
	logger  *log.Logger
}

// New builds a Metrics session. sampleHz bounds how often the sampler is
// allowed to log, so a busy controller doesn't flood logs.
func New(logger *log.Logger, sampleHz float64) *Metrics {
	if logger == nil {
		logger = log.Default()
	}
	return &Metrics{
		limiter: rate.NewLimiter(rate.Limit(sampleHz), 1),
		logger:  logger,
	}
}

// Start registers the debugcharts handlers on http.DefaultServeMux and
// begins periodic sampling of s until ctx is done. Start does not itself
// listen on a port; the caller runs its own http.Server (or reuses an
// existing one) over http.DefaultServeMux.
func (m *Metrics) Start(ctx context.Context, s Sampler) {
	debugcharts.Start()

	go m.sampleLoop(ctx, s)
}

func (m *Metrics) sampleLoop(ctx context.Context, s Sampler) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.limiter.Allow() {
				continue
			}
			outstanding, capacity := s.CommandRingOccupancy()
			m.logger.Printf("xhci: command ring %d/%d outstanding, %d events processed",
				outstanding, capacity, s.EventCount())
		}
	}
}

// Handler returns the default mux debugcharts registers onto, for a
// caller that wants to mount it under its own http.Server instead of
// ListenAndServe'ing http.DefaultServeMux directly.
func Handler() http.Handler {
	return http.DefaultServeMux
}
