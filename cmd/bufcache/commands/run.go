package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ourfavoritefruits/yuzu-sub001/internal/config"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/gpu"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/logging"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/scenario"
	"github.com/ourfavoritefruits/yuzu-sub001/internal/system"
)

var (
	runJobs  int
	runHist  bool
	histBins int
)

var runCmd = &cobra.Command{
	Use:   "run [scripts...]",
	Short: "Run Lua scenarios against the buffer cache",
	Long: `Run one or more Lua scenarios. Each scenario gets its own runtime,
guest memory and cache, so scenarios run concurrently.

Directories are expanded to the *.lua files they contain.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScenarios,
}

func init() {
	runCmd.Flags().IntVarP(&runJobs, "jobs", "j", 4, "maximum scenarios run in parallel")
	runCmd.Flags().BoolVar(&runHist, "histogram", false, "print a histogram of upload sizes")
	runCmd.Flags().IntVar(&histBins, "bins", 8, "histogram bins")
	rootCmd.AddCommand(runCmd)
}

func runScenarios(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	scripts, err := expandScripts(args)
	if err != nil {
		return err
	}

	results := make([]*scenario.Result, len(scripts))
	g, ctx := errgroup.WithContext(cmd.Context())
	if runJobs > 0 {
		g.SetLimit(runJobs)
	}
	for i, path := range scripts {
		i, path := i, path
		g.Go(func() error {
			res, err := runScript(ctx, cfg, path)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, res := range results {
		printResult(out, res)
	}
	return nil
}

func runScript(ctx context.Context, cfg *config.Config, path string) (*scenario.Result, error) {
	rt, err := gpu.NewRuntime(cfg.Runtime.Backend, runtimeOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("creating runtime: %w", err)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	r, err := scenario.New(name, cfg.Cache.Params(), rt)
	if err != nil {
		rt.Free()
		return nil, err
	}
	defer r.Close()

	return r.RunFile(ctx, path)
}

// runtimeOptions sizes an unspecified device heap from host memory when
// the runtime is asked to report usage.
func runtimeOptions(cfg *config.Config) gpu.MemoryRuntimeOptions {
	opts := cfg.Runtime.Options()
	if !opts.ReportMemoryUsage || opts.DeviceLocalMemory != 0 {
		return opts
	}
	host, err := system.ReadHostMemory()
	if err != nil {
		logging.Warnf("host memory unavailable, device heap left unknown: %v", err)
		return opts
	}
	opts.DeviceLocalMemory = system.DeviceHeapBudget(host, 0)
	return opts
}

func expandScripts(args []string) ([]string, error) {
	var scripts []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			scripts = append(scripts, arg)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(arg, "*.lua"))
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, matches...)
	}
	if len(scripts) == 0 {
		return nil, fmt.Errorf("no scenarios found")
	}
	return scripts, nil
}

func printResult(w io.Writer, res *scenario.Result) {
	s := res.Stats
	fmt.Fprintf(w, "%s %s\n", okStyle.Render("✓"), titleStyle.Render(res.Name))
	row := func(label string, format string, args ...interface{}) {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(label), fmt.Sprintf(format, args...))
	}
	row("expectations", "%d", res.Expectations)
	row("draws / dispatches", "%d / %d", res.Draws, res.Dispatches)
	row("buffers", "%d live, %d created, %d deleted", s.Buffers, s.CreatedBuffers, s.DeletedBuffers)
	row("merges / leaps", "%d / %d", s.MergedBuffers, s.StreamLeaps)
	row("uploads", "%d (%s)", s.Uploads, formatBytes(s.UploadBytes))
	row("downloads", "%d (%s)", s.Downloads, formatBytes(s.DownloadBytes))
	row("sync hits / misses", "%d / %d", s.SyncHits, s.SyncMisses)
	row("fast uniform pushes", "%d", s.FastUniformPushes)
	row("async commits / pops", "%d / %d", s.AsyncCommits, s.AsyncPops)
	row("gc runs / evicted", "%d / %d", s.GCRuns, s.GCEvicted)
	row("memory", "%s", formatBytes(int64(s.TotalUsedMemory)))
	row("duration", "%s", res.Duration)

	if runHist && len(s.UploadSizes) > 0 {
		fmt.Fprintln(w, "  upload sizes (bytes):")
		hist := histogram.Hist(histBins, s.UploadSizes)
		if err := histogram.Fprint(w, hist, histogram.Linear(terminalWidth()/2)); err != nil {
			fmt.Fprintln(w, errorStyle.Render(err.Error()))
		}
	}
	fmt.Fprintln(w)
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.2f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
