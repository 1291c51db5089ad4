package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/paulmach/orb"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tilecascade/internal/index"
	"tilecascade/internal/logger"
	"tilecascade/internal/refine"
	"tilecascade/internal/scheduler"
	"tilecascade/internal/source"
	"tilecascade/internal/tile"
	"tilecascade/internal/tileset"
)

var (
	strategyFlag      string
	indexFlag         string
	maxCacheSizeFlag  int
	maxCacheBytesFlag int64
	maxRequestsFlag   int
	rateLimitFlag     float64
	stepsFlag         int
	startZoomFlag     float64
	zoomStepFlag      float64
	latencyFlag       time.Duration
	settleFlag        time.Duration
	tileBytesFlag     int
	verboseFlag       bool

	rootCmd = &cobra.Command{
		Use:   "tilesim",
		Short: "Replay a zoom-in camera path against a synthetic tile source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.NewCLI(verboseFlag)
			defer log.Sync()
			return run(cmd.Context(), log)
		},
	}
)

func init() {
	f := rootCmd.Flags()
	f.StringVar(&strategyFlag, "strategy", "best-available", "refinement strategy: best-available, never or no-overlap")
	f.StringVar(&indexFlag, "index", "geographic", "tile index: geographic or cartesian")
	f.IntVar(&maxCacheSizeFlag, "max-cache-size", 0, "resident tile limit (0 uses the selection-based default)")
	f.Int64Var(&maxCacheBytesFlag, "max-cache-bytes", 0, "resident byte limit (0 is unbounded)")
	f.IntVar(&maxRequestsFlag, "max-requests", 6, "concurrent load limit (0 is unbounded)")
	f.Float64Var(&rateLimitFlag, "rate-limit", 0, "loads started per second (0 is unlimited)")
	f.IntVar(&stepsFlag, "steps", 12, "number of camera steps")
	f.Float64Var(&startZoomFlag, "start-zoom", 1, "zoom of the first step")
	f.Float64Var(&zoomStepFlag, "zoom-step", 0.5, "zoom added per step")
	f.DurationVar(&latencyFlag, "latency", 20*time.Millisecond, "synthetic load latency")
	f.DurationVar(&settleFlag, "settle", 0, "time to wait for loads after each step (defaults to twice the latency)")
	f.IntVar(&tileBytesFlag, "tile-bytes", 4096, "synthetic payload size")
	f.BoolVarP(&verboseFlag, "verbose", "v", false, "log engine activity")
}

// camera describes where a step looks and which generator covers it.
type camera struct {
	gen    tileset.IndexGenerator
	meta   tileset.MetadataProvider
	bounds func(zoom float64) orb.Bound
}

func newCamera(kind string) (camera, error) {
	switch kind {
	case "geographic":
		center := orb.Point{13.405, 52.52}
		return camera{
			gen:  index.Geographic{TileSize: 256},
			meta: index.GeographicMetadata,
			bounds: func(zoom float64) orb.Bound {
				half := 180 / math.Exp2(zoom)
				return orb.Bound{
					Min: orb.Point{center[0] - half, center[1] - half/2},
					Max: orb.Point{center[0] + half, center[1] + half/2},
				}
			},
		}, nil
	case "cartesian":
		const size = 256
		extent := orb.Bound{Max: orb.Point{size, size}}
		center := orb.Point{size * 0.3, size * 0.6}
		return camera{
			gen:  index.Cartesian{TileSize: size, Extent: &extent},
			meta: index.CartesianMetadata(size),
			bounds: func(zoom float64) orb.Bound {
				half := size / math.Exp2(zoom+1)
				return orb.Bound{
					Min: orb.Point{center[0] - half, center[1] - half},
					Max: orb.Point{center[0] + half, center[1] + half},
				}
			},
		}, nil
	}
	return camera{}, fmt.Errorf("unknown index %q", kind)
}

func run(ctx context.Context, log *zap.Logger) error {
	strategy, err := refine.Parse(strategyFlag)
	if err != nil {
		return err
	}
	cam, err := newCamera(indexFlag)
	if err != nil {
		return err
	}

	opts := tileset.DefaultOptions()
	opts.Strategy = strategy
	opts.MaxCacheSize = maxCacheSizeFlag
	opts.MaxCacheByteSize = maxCacheBytesFlag
	opts.MaxRequests = maxRequestsFlag

	var schedOpts []scheduler.Option
	if rateLimitFlag > 0 {
		schedOpts = append(schedOpts, scheduler.WithRateLimit(rateLimitFlag, 1))
	}
	sched := scheduler.New(maxRequestsFlag, schedOpts...)
	defer sched.Close()

	var loaded, failed, unloaded int
	ts := tileset.New(opts, source.Synthetic{Latency: latencyFlag, Size: tileBytesFlag}, cam.gen, log,
		tileset.WithScheduler(sched),
		tileset.WithMetadata(cam.meta),
		tileset.WithBaseContext(ctx),
		tileset.WithCallbacks(tileset.Callbacks{
			OnTileLoad:   func(*tile.Header) { loaded++ },
			OnTileError:  func(error, *tile.Header) { failed++ },
			OnTileUnload: func(*tile.Header) { unloaded++ },
		}),
	)
	defer ts.Finalize()

	settle := settleFlag
	if settle <= 0 {
		settle = 2 * latencyFlag
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "step\tzoom\tframe\tselected\tvisible\tloading\tresident\tbytes\t")

	for step := 0; step < stepsFlag; step++ {
		zoom := startZoomFlag + float64(step)*zoomStepFlag
		vp := index.Viewport{Bound: cam.bounds(zoom), Zoom: zoom}

		ts.Update(ctx, vp)
		waitCtx, cancel := context.WithTimeout(ctx, settle)
		err := ts.WaitIdle(waitCtx)
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		frame := ts.Update(ctx, vp)

		fmt.Fprintf(w, "%d\t%.2f\t%d\t%d\t%d\t%d\t%d\t%d\t\n",
			step, zoom, frame,
			len(ts.Selected()), len(ts.Visible()), ts.Loading(),
			ts.Len(), ts.ByteSize(),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	stats := sched.Stats()
	fmt.Printf("\nloaded %d, failed %d, unloaded %d, admitted %d, cancelled %d\n",
		loaded, failed, unloaded, stats.Admitted, stats.Cancelled)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
