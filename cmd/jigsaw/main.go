// Command jigsaw runs a bundle adjustment over a control network and writes
// the adjusted network, statistics and reports.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/banshee-data/jigsaw/internal/bundle"
	"github.com/banshee-data/jigsaw/internal/cnet"
	"github.com/banshee-data/jigsaw/internal/config"
	"github.com/banshee-data/jigsaw/internal/db"
	"github.com/banshee-data/jigsaw/internal/fsutil"
	"github.com/banshee-data/jigsaw/internal/monitoring"
	"github.com/banshee-data/jigsaw/internal/report"
	"github.com/banshee-data/jigsaw/internal/runstore"
	"github.com/banshee-data/jigsaw/internal/version"
)

// Exit codes.
const (
	exitConverged    = 0
	exitNotConverged = 1
	exitFailed       = 2
)

type options struct {
	settings string
	images   string
	cnet     string
	lidar    string
	prefix   string
	dbPath   string
	plots    bool
	verbose  bool
	trace    bool
	version  bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("jigsaw", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.settings, "settings", "", "Settings JSON file (defaults apply to omitted keys)")
	fs.StringVar(&o.images, "images", "", "Image list JSON file")
	fs.StringVar(&o.cnet, "cnet", "", "Control network JSON file")
	fs.StringVar(&o.lidar, "lidar", "", "Optional lidar JSON file")
	fs.StringVar(&o.prefix, "prefix", "", "Output prefix; overrides output_prefix in the settings")
	fs.StringVar(&o.dbPath, "db", "", "Record the run in this SQLite database")
	fs.BoolVar(&o.plots, "plots", false, "Write PNG plots and an HTML report")
	fs.BoolVar(&o.verbose, "v", false, "Log per-iteration diagnostics")
	fs.BoolVar(&o.trace, "trace", false, "Log per-point trace output")
	fs.BoolVar(&o.version, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if o.version {
		return o, nil
	}
	if o.images == "" || o.cnet == "" {
		return nil, errors.New("-images and -cnet are required")
	}
	return o, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitConverged
	}
	if err != nil {
		fmt.Fprintf(stderr, "jigsaw: %v\n", err)
		return exitFailed
	}
	if o.version {
		fmt.Fprintln(stdout, version.String())
		return exitConverged
	}

	monitoring.SetOutput(stderr)
	var diag, trace io.Writer
	if o.verbose || o.trace {
		diag = stderr
	}
	if o.trace {
		trace = stderr
	}
	bundle.SetLogWriters(stderr, diag, trace)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := adjust(ctx, o, fsutil.OSFileSystem{}, stdout)
	if err != nil {
		monitoring.Logf("%v", err)
	}
	return code
}

// adjust reads the inputs, solves and writes the products. The returned
// code follows the exit code convention.
func adjust(ctx context.Context, o *options, fsys fsutil.FileSystem, stdout io.Writer) (int, error) {
	cfg := config.EmptySettingsConfig()
	if o.settings != "" {
		var err error
		if cfg, err = config.LoadSettingsFile(o.settings); err != nil {
			return exitFailed, err
		}
	}
	if o.prefix != "" {
		cfg.OutputPrefix = &o.prefix
	}
	settings, err := cfg.ToBundle()
	if err != nil {
		return exitFailed, fmt.Errorf("invalid settings: %w", err)
	}
	if err := checkSensors(settings); err != nil {
		return exitFailed, fmt.Errorf("invalid settings: %w", err)
	}

	images, err := cnet.ReadImageList(fsys, o.images)
	if err != nil {
		return exitFailed, err
	}
	cn, err := cnet.ReadControlNetwork(fsys, o.cnet)
	if err != nil {
		return exitFailed, err
	}
	var lidar *cnet.LidarData
	if o.lidar != "" {
		if lidar, err = cnet.ReadLidar(fsys, o.lidar); err != nil {
			return exitFailed, err
		}
	}
	target, err := cnet.TargetState(cn.TargetName)
	if err != nil {
		return exitFailed, err
	}
	if target, err = cfg.ApplyTarget(target); err != nil {
		return exitFailed, err
	}
	net, err := cnet.Build(images, cn, lidar, target)
	if err != nil {
		return exitFailed, err
	}

	if dir := filepath.Dir(settings.OutputPrefix + "x"); dir != "." {
		if err := fsys.MkdirAll(dir, 0755); err != nil {
			return exitFailed, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	adj, err := bundle.NewAdjuster(net, settings,
		bundle.WithFileSystem(fsys),
		bundle.WithListener(&monitoring.Progress{Points: len(net.Points)}),
	)
	if err != nil {
		return exitFailed, err
	}
	monitoring.Logf("adjusting %d images, %d points, %d measures", len(net.Images), len(net.Points), len(net.Measures))
	res, solveErr := adj.Solve(ctx)

	w := &cnet.Writer{
		FS:       fsys,
		Prefix:   settings.OutputPrefix,
		Settings: settings,
		Network:  net,
		Results:  res,
		Control:  cn,
		Err:      solveErr,
	}
	var paths []string
	if res == nil {
		path, err := w.WriteFailure()
		if err != nil {
			return exitFailed, errors.Join(solveErr, err)
		}
		paths = append(paths, path)
	} else {
		if paths, err = w.WriteAll(); err != nil {
			return exitFailed, err
		}
		if o.plots {
			more, err := report.WriteAll(fsys, settings.OutputPrefix, net, res)
			if err != nil {
				return exitFailed, err
			}
			paths = append(paths, more...)
		}
	}

	if o.dbPath != "" {
		if err := record(o.dbPath, cfg, cn, net, res, solveErr); err != nil {
			return exitFailed, err
		}
	}

	for _, p := range paths {
		fmt.Fprintln(stdout, p)
	}
	return exitCode(res, solveErr), solveErr
}

// checkSensors rejects settings that image lists cannot satisfy. Every image
// in a list is a framing camera, so nothing here is time dependent.
func checkSensors(s bundle.Settings) error {
	for _, o := range s.Observations {
		if o.OverHermite {
			return fmt.Errorf("instrument %s: over_hermite needs a line-scan sensor; image lists only describe framing cameras", o.InstrumentID)
		}
	}
	return nil
}

func record(path string, cfg *config.SettingsConfig, cn *cnet.ControlNetwork, net *bundle.Network, res *bundle.Results, solveErr error) error {
	settingsJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	database, err := db.Open(path)
	if err != nil {
		return err
	}
	defer database.Close()
	_, err = runstore.NewStore(database.DB, nil).Record(runstore.Adjustment{
		NetworkID:  cn.NetworkID,
		TargetName: cn.TargetName,
		Settings:   settingsJSON,
		Network:    net,
		Results:    res,
		SolveErr:   solveErr,
	})
	return err
}

func exitCode(res *bundle.Results, solveErr error) int {
	switch {
	case res == nil:
		return exitFailed
	case solveErr != nil:
		// Converged, but error propagation failed.
		return exitFailed
	case res.Cancelled || !res.Converged:
		return exitNotConverged
	default:
		return exitConverged
	}
}
