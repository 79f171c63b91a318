// Command xhcihostd drives a single xHCI controller from a hosted Linux
// process: it maps the controller's MMIO BAR via UIO, brings the
// controller up, enumerates the Root Hub's ports, and serves the
// debugcharts observability endpoint while the event loop runs.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gousbhost/xhci/debug"
	"github.com/gousbhost/xhci/dma"
	"github.com/gousbhost/xhci/platform"
	"github.com/gousbhost/xhci/xhci"
)

func main() {
	uioPath := flag.String("uio", "/dev/uio0", "UIO device node for the xHCI MMIO BAR")
	mmioSize := flag.Int("mmio-size", 0x10000, "size in bytes of the mapped MMIO BAR")
	dmaStart := flag.Uint("dma-start", 0, "base address of the DMA-coherent region (platform-specific)")
	dmaSize := flag.Uint("dma-size", 4<<20, "size in bytes of the DMA-coherent region")
	debugAddr := flag.String("debug-addr", "127.0.0.1:6969", "address to serve the debug/metrics endpoint on")
	flag.Parse()

	logger := log.New(os.Stderr, "xhcihostd: ", log.LstdFlags)

	region, err := platform.MapUIO(*uioPath, *mmioSize)
	if err != nil {
		logger.Fatalf("map MMIO: %v", err)
	}
	defer region.Close()

	dmaRegion := dma.Init(*dmaStart, *dmaSize, nil)

	cfg := xhci.DefaultConfig()
	cfg.Logger = logger
	cfg.Platform = platform.Linux{}

	ctrl, err := xhci.NewController(region.Base(), dmaRegion, cfg)
	if err != nil {
		logger.Fatalf("new controller: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := ctrl.Init(ctx); err != nil {
		logger.Fatalf("init: %v", err)
	}

	metrics := debug.New(logger, 1)
	metrics.Start(ctx, ctrl)
	go func() {
		logger.Printf("debug endpoint listening on %s", *debugAddr)
		if err := http.ListenAndServe(*debugAddr, debug.Handler()); err != nil {
			logger.Printf("debug endpoint: %v", err)
		}
	}()

	root := ctrl.RootHub()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctrl.Shutdown(); err != nil {
				logger.Printf("shutdown: %v", err)
			}
			return

		case <-ticker.C:
			ctrl.HandleEvent()

		case wake := <-ctrl.PortWakes():
			if _, err := ctrl.EnumeratePort(ctx, wake.Port); err != nil {
				logger.Printf("port %d: %v", wake.Port, err)
				continue
			}

		default:
			for port := 1; port <= root.NumPorts(); port++ {
				if st, err := ctrl.EnumeratePort(ctx, port); err == nil && st.State == xhci.PortDescriptorFetch {
					logger.Printf("port %d reached descriptor-fetch state", port)
				}
			}
		}
	}
}
