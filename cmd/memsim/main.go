// Command memsim boots the memory-management core inside a single host
// process and drives a synthetic allocation workload against it,
// serving its Prometheus metrics over HTTP the way cherts-pgscv's
// cmd/pgscv.go wires kingpin flags, structured logging, and a
// signal-driven shutdown around a long-running collector loop
// (grounded on that file's shape). This is a development and
// load-testing harness, not a kernel entrypoint -- the core itself
// never imports this package.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/assembler-0/AeroSync-sub002/boot"
	"github.com/assembler-0/AeroSync-sub002/config"
	"github.com/assembler-0/AeroSync-sub002/hostenv"
	"github.com/assembler-0/AeroSync-sub002/mem"
	"github.com/assembler-0/AeroSync-sub002/metrics"
	"github.com/assembler-0/AeroSync-sub002/numa"
	"github.com/assembler-0/AeroSync-sub002/oommsg"
)

func main() {
	var (
		arenaMB    = kingpin.Flag("arena-mb", "size of the simulated physical arena, in MiB").Default("256").Int()
		listenAddr = kingpin.Flag("listen", "address to serve /metrics on").Default(":9400").String()
		logLevel   = kingpin.Flag("log-level", "zerolog level: debug, info, warn, error").Default("info").String()
		workers    = kingpin.Flag("workers", "number of concurrent allocation workers").Default("4").Int()
	)
	kingpin.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.NewConsoleWriter()).Level(level).With().Timestamp().Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info().Msg("memsim: shutting down")
		cancel()
	}()

	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg, 256)

	alloc, arena, err := bootCore(*arenaMB, log)
	if err != nil {
		log.Fatal().Err(err).Msg("memsim: boot failed")
	}
	defer arena.Close()

	go watchOOM(ctx, rec, log)

	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: *listenAddr}
	go func() {
		log.Info().Str("addr", *listenAddr).Msg("memsim: serving metrics")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("memsim: metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		server.Shutdown(shCtx)
	}()

	alloc.StartReclaimers(ctx)
	runWorkload(ctx, alloc, rec, *workers, log)
}

// bootCore assembles a mem.Allocator over a host-mmap'd arena, the
// minimal "what would boot.go hand the core on real hardware" stand-in
// hostenv exists for.
func bootCore(arenaMB int, log zerolog.Logger) (*mem.Allocator, *hostenv.Arena, error) {
	tun := config.DefaultTunables()
	size := arenaMB << 20
	arena, err := hostenv.NewArena(size)
	if err != nil {
		return nil, nil, err
	}
	const base = uintptr(8) << 30
	mm := &boot.MemoryMap{
		Regions:  []boot.Region{{Base: base, Length: uintptr(size), Type: boot.Usable, Node: 0}},
		NumNodes: 1,
	}
	topo := numa.NewUniform(1, tun)
	smp := hostenv.SMP{NCPU: 1}
	a, err := mem.New(mm, topo, smp, arena.Bytes, tun, log)
	if err != nil {
		arena.Close()
		return nil, nil, err
	}
	return a, arena, nil
}

// watchOOM is the out-of-band OOM killer memsim ships: it never
// actually kills anything, it just logs the event and always grants one
// retry, satisfying the rendezvous oommsg.OomCh expects.
func watchOOM(ctx context.Context, rec *metrics.Recorder, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-oommsg.OomCh:
			log.Warn().Int("need_pages", msg.Need).Msg("memsim: out of memory")
			rec.RecordOOM()
			msg.Resume <- true
		}
	}
}

// runWorkload spawns workers concurrent allocation-then-free loops of
// order-0 pages until ctx is cancelled, recording every allocation's
// latency into rec. The workers share an errgroup so the first one to
// return an unexpected error cancels the rest instead of leaking them.
func runWorkload(ctx context.Context, a *mem.Allocator, rec *metrics.Recorder, workers int, log zerolog.Logger) {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				default:
				}
				start := time.Now()
				pfn, err := a.AllocPages(0, mem.DefaultFlags(0))
				elapsed := time.Since(start)
				if err != nil {
					rec.RecordAlloc(elapsed, true)
					continue
				}
				rec.RecordAlloc(elapsed, elapsed > time.Microsecond)
				a.FreePages(pfn, 0, mem.DefaultFlags(0))
			}
		})
	}
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("memsim: workload worker failed")
	}
	fmt.Fprintln(os.Stderr, "memsim: workload stopped")
}
