// Command eh-sim exercises the driver against the built-in software
// model: it claims a device from a registry, pushes pages through the
// compression ring while a harness goroutine plays the hardware side,
// round-trips one page through decompression and prints the metrics
// snapshot as JSON.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/sugawarayuuta/sonnet"

	eh "github.com/caimito-aosp/go-eh"
)

func main() {
	var (
		pages    = flag.Int("pages", 1024, "pages to compress")
		fifoSize = flag.Int("fifo", eh.DefaultFIFOSize, "descriptor ring size (power of two)")
		split    = flag.Bool("split", false, "use the 3KB split destination layout")
		logLevel = flag.String("log", "info", "log level: debug, info, warn, error")
		logJSON  = flag.Bool("log-json", false, "JSON log output")
	)
	flag.Parse()

	params := eh.DefaultParams()
	params.FIFOSize = *fifoSize
	params.SplitDestination = *split

	dev, ctl, err := eh.NewSimDevice(params, &eh.Options{
		LogLevel: *logLevel,
		LogJSON:  *logJSON,
	}, eh.SimConfig{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "device init:", err)
		os.Exit(1)
	}
	defer dev.Close()

	reg := eh.NewRegistry()
	reg.Add(dev)

	var wg sync.WaitGroup
	claimed, err := reg.Create(func(status eh.Status, data []byte, size int, priv any) {
		wg.Done()
	}, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "claim device:", err)
		os.Exit(1)
	}

	// hardware side: retire whatever the driver publishes
	harnessDone := make(chan struct{})
	go func() {
		defer close(harnessDone)
		rng := rand.New(rand.NewSource(1))
		retired := 0
		for retired < *pages {
			if ctl.PendingCount() == 0 {
				time.Sleep(10 * time.Microsecond)
				continue
			}
			var status eh.Status
			var payload []byte
			switch rng.Intn(10) {
			case 0:
				status = eh.StatusZero
			case 1:
				status = eh.StatusAbort
			default:
				status = eh.StatusCompressed
				payload = make([]byte, 128+rng.Intn(2048))
				rng.Read(payload)
			}
			if err := ctl.Complete(status, payload, 0); err != nil {
				continue
			}
			retired++
		}
	}()

	page := make([]byte, eh.PageSize)
	start := time.Now()
	for i := 0; i < *pages; i++ {
		wg.Add(1)
		if err := claimed.CompressPage(page, i); err != nil {
			fmt.Fprintln(os.Stderr, "compress:", err)
			os.Exit(1)
		}
	}
	wg.Wait()
	<-harnessDone
	elapsed := time.Since(start)

	blob := make([]byte, 512)
	out := make([]byte, eh.PageSize)
	if err := claimed.DecompressPage(blob, out); err != nil {
		fmt.Fprintln(os.Stderr, "decompress:", err)
		os.Exit(1)
	}

	if err := reg.Destroy(claimed); err != nil {
		fmt.Fprintln(os.Stderr, "release device:", err)
		os.Exit(1)
	}

	snap := dev.Metrics().Snapshot()
	buf, err := sonnet.MarshalIndent(snap, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode metrics:", err)
		os.Exit(1)
	}
	os.Stdout.Write(append(buf, '\n'))
	fmt.Fprintf(os.Stderr, "%d pages in %v (%.0f pages/s)\n",
		*pages, elapsed, float64(*pages)/elapsed.Seconds())
}
