// vsqpack overlays a directory of loose asset files on top of a SqPack
// installation without modifying it.
//
// Two subcommands:
//
// mount exposes the SqPack directory at a mountpoint through FUSE. Real
// files pass through; the patched .index and the synthetic data file of
// every archive with overrides are served from memory. Point the game at
// the mountpoint.
//
// inspect builds the same overlay and prints what it would serve, without
// mounting anything.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/pflag"

	vsqpack "github.com/ahrav/go-vsqpack"
	"github.com/ahrav/go-vsqpack/fusefs"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return errors.New("missing command")
	}

	switch args[0] {
	case "mount":
		return runMount(args[1:], stderr)
	case "inspect":
		return runInspect(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `vsqpack overlays loose asset files on SqPack archives.

Usage:
  vsqpack mount   --sqpack DIR --overrides DIR --mountpoint DIR [flags]
  vsqpack inspect --sqpack DIR --overrides DIR [--path ASSET/PATH] [flags]

Run "vsqpack COMMAND --help" for the flags of a command.
`)
}

// commonFlags are shared by every command. Values given on the command line
// override the configuration file.
type commonFlags struct {
	configPath    string
	sqpack        string
	overrides     string
	include       []string
	exclude       []string
	caseSensitive bool
	logLevel      string
	logFormat     string
}

func (c *commonFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&c.configPath, "config", "c", "", "YAML configuration file")
	fs.StringVar(&c.sqpack, "sqpack", "", "real SqPack directory")
	fs.StringVar(&c.overrides, "overrides", "", "root of the loose override tree")
	fs.StringSliceVar(&c.include, "include", nil, "only register overrides matching these patterns")
	fs.StringSliceVar(&c.exclude, "exclude", nil, "skip overrides matching these patterns")
	fs.BoolVar(&c.caseSensitive, "case-sensitive", false, "match include/exclude patterns case-sensitively")
	fs.StringVar(&c.logLevel, "log-level", "", "debug, info, warn or error (default info)")
	fs.StringVar(&c.logFormat, "log-format", "", "text or json (default text)")
}

// config loads the configuration file, if any, and applies the flags the
// user set explicitly.
func (c *commonFlags) config(fs *pflag.FlagSet) (vsqpack.Config, error) {
	var cfg vsqpack.Config
	if c.configPath != "" {
		var err error
		if cfg, err = vsqpack.LoadConfig(c.configPath); err != nil {
			return vsqpack.Config{}, err
		}
	}

	if fs.Changed("sqpack") {
		cfg.SqPack = c.sqpack
	}
	if fs.Changed("overrides") {
		cfg.Overrides = c.overrides
	}
	if fs.Changed("include") {
		cfg.Include = c.include
	}
	if fs.Changed("exclude") {
		cfg.Exclude = c.exclude
	}
	if fs.Changed("case-sensitive") {
		cfg.CaseSensitive = c.caseSensitive
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = c.logLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = c.logFormat
	}

	if cfg.SqPack == "" {
		return vsqpack.Config{}, errors.New("--sqpack is required")
	}
	if cfg.Overrides == "" {
		return vsqpack.Config{}, errors.New("--overrides is required")
	}
	return cfg, nil
}

// parse parses args into fs. ok is false when help was requested.
func parse(fs *pflag.FlagSet, args []string, out io.Writer) (ok bool, err error) {
	fs.SetOutput(out)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return false, nil
		}
		return false, err
	}
	if fs.NArg() > 0 {
		return false, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return true, nil
}

func runMount(args []string, stderr io.Writer) error {
	var (
		common      commonFlags
		mountpoint  string
		allowOther  bool
		profileAddr string
		trace       bool
		traceOutput string
		fs          = pflag.NewFlagSet("vsqpack mount", pflag.ContinueOnError)
	)
	common.register(fs)
	fs.StringVar(&mountpoint, "mountpoint", "", "directory where the overlaid SqPack directory appears")
	fs.BoolVar(&allowOther, "allow-other", false, "let other users read the mount (needs user_allow_other)")
	fs.StringVar(&profileAddr, "profile-addr", "", "serve pprof endpoints on this address")
	fs.BoolVar(&trace, "trace", false, "record an execution trace while mounted")
	fs.StringVar(&traceOutput, "trace-output", "", "execution trace file (default ./trace.out)")

	if ok, err := parse(fs, args, stderr); !ok {
		return err
	}

	cfg, err := common.config(fs)
	if err != nil {
		return err
	}
	if fs.Changed("mountpoint") {
		cfg.Mountpoint = mountpoint
	}
	if fs.Changed("allow-other") {
		cfg.AllowOther = allowOther
	}
	if fs.Changed("profile-addr") {
		cfg.Profiling.Addr = profileAddr
	}
	if fs.Changed("trace") {
		cfg.Profiling.Trace = trace
	}
	if fs.Changed("trace-output") {
		cfg.Profiling.TraceOutputPath = traceOutput
	}
	if cfg.Mountpoint == "" {
		return errors.New("--mountpoint is required")
	}

	logger, err := cfg.NewLogger(stderr)
	if err != nil {
		return err
	}

	stopProfiling, err := vsqpack.StartProfiling(cfg.Profiling, logger)
	if err != nil {
		return err
	}
	defer stopProfiling()

	ov, err := vsqpack.Open(cfg.SqPack, cfg.Overrides, cfg.Options(logger))
	if err != nil {
		return err
	}
	defer ov.Close()

	server, err := fusefs.Mount(fusefs.Options{
		Mountpoint: cfg.Mountpoint,
		Overlay:    ov,
		AllowOther: cfg.AllowOther,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The server also stops when someone runs fusermount -u.
	served := make(chan struct{})
	go func() {
		server.Wait()
		close(served)
	}()

	select {
	case <-ctx.Done():
		logger.Info("unmounting", "mountpoint", cfg.Mountpoint)
		if err := server.Unmount(); err != nil {
			return fmt.Errorf("unmount %s: %w", cfg.Mountpoint, err)
		}
		<-served
	case <-served:
		logger.Info("unmounted externally", "mountpoint", cfg.Mountpoint)
	}
	return nil
}

func runInspect(args []string, stdout, stderr io.Writer) error {
	var (
		common commonFlags
		paths  []string
		fs     = pflag.NewFlagSet("vsqpack inspect", pflag.ContinueOnError)
	)
	common.register(fs)
	fs.StringArrayVar(&paths, "path", nil, "print where the patched index points for this asset path (repeatable)")

	if ok, err := parse(fs, args, stderr); !ok {
		return err
	}

	cfg, err := common.config(fs)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger(stderr)
	if err != nil {
		return err
	}

	ov, err := vsqpack.Open(cfg.SqPack, cfg.Overrides, cfg.Options(logger))
	if err != nil {
		return err
	}
	defer ov.Close()

	return inspect(stdout, ov.Package(), paths, logger)
}

// inspect prints one row per virtual archive and one per requested path.
func inspect(w io.Writer, pkg *vsqpack.Package, paths []string, logger *slog.Logger) error {
	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "ARCHIVE\tDIR\tDATS\tSYNTHETIC\tFILES\tINDEX SIZE\tDATA SIZE\n")
	for _, a := range pkg.Archives() {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%d\t%d\n",
			a.ID, a.ID.Dir(), a.BaseDatCount, a.DatFileName, a.Files, a.IndexSize, a.DataSize)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(paths) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "PATH\tHASH\tARCHIVE\tDAT\tOFFSET\n")
	for _, p := range paths {
		id, err := vsqpack.ParseArchivePath(p)
		if err != nil {
			return err
		}
		h, err := vsqpack.HashPath(p)
		if err != nil {
			return err
		}

		dat, raw, found, err := pkg.Locate(p)
		switch {
		case errors.Is(err, vsqpack.ErrUnknownArchive):
			logger.Debug("archive has no overrides", "path", p, "archive", id.String())
			fmt.Fprintf(tw, "%s\t%s\t%s\t-\tnot overlaid\n", p, h, id)
		case err != nil:
			return err
		case !found:
			fmt.Fprintf(tw, "%s\t%s\t%s\t-\tnot in index\n", p, h, id)
		default:
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%#x\n", p, h, id, dat, raw)
		}
	}
	return tw.Flush()
}
