// Command srt runs a command inside the sandbox runtime.
//
// Usage:
//
//	srt [flags] -- command [args...]
//	srt check
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sandboxrt/srt"
	"github.com/sandboxrt/srt/seccomp"
)

// cliOptions holds every flag value of the root command.
type cliOptions struct {
	settings      string
	debug         bool
	timeout       time.Duration
	weakerSandbox bool

	allowDomains []string
	denyDomains  []string
	allowWrite   []string
	denyRead     []string
	denyWrite    []string

	dockerImage   string
	dockerName    string
	dockerWorkdir string
	dockerNetwork string
}

// exitError carries the exit code of the sandboxed command out of cobra.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	if srt.MaybeSandboxInit() {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	var ee *exitError
	switch {
	case errors.As(err, &ee):
		os.Exit(ee.code)
	case err != nil:
		fmt.Fprintln(os.Stderr, "srt:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:   "srt [flags] -- command [args...]",
		Short: "Run a command inside the sandbox runtime",
		Long: `srt runs a command with restricted filesystem and network access.
Network traffic leaves through a policy proxy that only lets allowed domains
through. Settings are read from --settings, $SRT_SETTINGS or
~/.srt-settings.json, and flags add to them.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd.Context(), opts, args, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	addFlags(root.PersistentFlags(), opts)

	root.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Report the selected backend and its dependencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	})
	return root
}

func addFlags(fs *pflag.FlagSet, o *cliOptions) {
	fs.StringVarP(&o.settings, "settings", "s", "", "settings file (default $"+srt.SettingsEnv+" or ~/.srt-settings.json)")
	fs.BoolVarP(&o.debug, "debug", "d", false, "enable debug logging")
	fs.DurationVar(&o.timeout, "timeout", 0, "kill the command after this long (0 disables)")
	fs.BoolVar(&o.weakerSandbox, "weaker-sandbox", false, "allow running without a seccomp filter inside containers")

	fs.StringArrayVar(&o.allowDomains, "allow-domain", nil, "allow network access to a domain (repeatable)")
	fs.StringArrayVar(&o.denyDomains, "deny-domain", nil, "deny network access to a domain (repeatable)")
	fs.StringArrayVar(&o.allowWrite, "allow-write", nil, "allow writes under a path (repeatable)")
	fs.StringArrayVar(&o.denyRead, "deny-read", nil, "deny reads under a path (repeatable)")
	fs.StringArrayVar(&o.denyWrite, "deny-write", nil, "deny writes under a path (repeatable)")

	fs.StringVar(&o.dockerImage, "docker-image", "", "run inside a container from this image")
	fs.StringVar(&o.dockerName, "docker-name", "", "container name")
	fs.StringVar(&o.dockerWorkdir, "docker-workdir", "", "working directory inside the container")
	fs.StringVar(&o.dockerNetwork, "docker-network", "", "container network mode: bridge, host, none or a network name")
}

// newLogger returns a text logger on w: Debug with --debug, Warn otherwise.
func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadConfig discovers the settings file and applies the flag overrides.
func loadConfig(o *cliOptions, logger *slog.Logger) (*srt.Config, error) {
	cfg, path, err := srt.DiscoverSettings(o.settings)
	if err != nil {
		return nil, err
	}
	if path != "" {
		logger.Debug("loaded settings", "path", path)
	}
	applyFlags(cfg, o)
	cfg.Logger = logger
	return cfg, nil
}

// applyFlags merges flag values into cfg. List flags append to the
// settings; scalar flags replace them when set.
func applyFlags(cfg *srt.Config, o *cliOptions) {
	cfg.Network.AllowedDomains = append(cfg.Network.AllowedDomains, o.allowDomains...)
	cfg.Network.DeniedDomains = append(cfg.Network.DeniedDomains, o.denyDomains...)
	cfg.Filesystem.AllowWrite = append(cfg.Filesystem.AllowWrite, o.allowWrite...)
	cfg.Filesystem.DenyRead = append(cfg.Filesystem.DenyRead, o.denyRead...)
	cfg.Filesystem.DenyWrite = append(cfg.Filesystem.DenyWrite, o.denyWrite...)
	if o.timeout > 0 {
		cfg.Timeout = o.timeout
	}
	if o.weakerSandbox {
		cfg.EnableWeakerNestedSandbox = true
	}

	if o.dockerImage == "" && cfg.Container == nil {
		return
	}
	if cfg.Container == nil {
		cfg.Container = &srt.ContainerPolicy{}
	}
	ct := cfg.Container
	if o.dockerImage != "" {
		ct.Image = o.dockerImage
	}
	if o.dockerName != "" {
		ct.Name = o.dockerName
	}
	if o.dockerWorkdir != "" {
		ct.Workdir = o.dockerWorkdir
	}
	if o.dockerNetwork != "" {
		ct.NetworkMode = srt.NetworkMode(o.dockerNetwork)
	}
}

func runCommand(ctx context.Context, o *cliOptions, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	logger := newLogger(stderr, o.debug)
	cfg, err := loadConfig(o, logger)
	if err != nil {
		return err
	}

	mgr, err := srt.NewManager(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := mgr.Reset(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("reset failed", "error", err)
		}
		for _, v := range mgr.Violations() {
			logger.Warn("sandbox violation", "kind", v.Kind, "target", v.Target, "tool", v.Tool)
		}
	}()

	if err := mgr.Initialize(ctx); err != nil {
		return err
	}
	res, err := mgr.Execute(ctx, strings.Join(args, " "),
		srt.WithStdin(stdin),
		srt.WithStdout(stdout),
		srt.WithStderr(stderr),
	)
	if err != nil {
		return err
	}
	for _, v := range res.Violations {
		logger.Warn("sandbox violation", "kind", v.Kind, "target", v.Target, "tool", v.Tool)
	}
	if res.ExitCode != 0 {
		return &exitError{code: res.ExitCode}
	}
	return nil
}

func runCheck(ctx context.Context, o *cliOptions, stdout, stderr io.Writer) error {
	logger := newLogger(stderr, o.debug)
	cfg, err := loadConfig(o, logger)
	if err != nil {
		return err
	}
	mgr, err := srt.NewManager(cfg)
	if err != nil {
		return err
	}

	dc := mgr.CheckDependencies()
	initErr := mgr.Initialize(ctx)
	backend := mgr.BackendName()
	if err := mgr.Reset(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("reset failed", "error", err)
	}

	var ue *srt.BackendUnavailableError
	if backend == "" && errors.As(initErr, &ue) {
		backend = ue.Backend
	}
	fmt.Fprintf(stdout, "backend:   %s\n", backend)
	if initErr != nil {
		fmt.Fprintf(stdout, "available: no (%v)\n", initErr)
	} else {
		fmt.Fprintln(stdout, "available: yes")
	}
	printSeccompSource(stdout, cfg)
	for _, e := range dc.Errors {
		fmt.Fprintf(stdout, "error:     %s\n", e)
	}
	for _, w := range dc.Warnings {
		fmt.Fprintf(stdout, "warning:   %s\n", w)
	}
	if initErr != nil || !dc.OK() {
		return &exitError{code: 1}
	}
	return nil
}

// printSeccompSource reports where the Linux backend's syscall filter would
// come from.
func printSeccompSource(w io.Writer, cfg *srt.Config) {
	if runtime.GOOS != "linux" || cfg.Container != nil {
		fmt.Fprintln(w, "seccomp:   not used")
		return
	}
	p := &seccomp.Provider{Dir: cfg.SeccompDir, Logger: cfg.Logger}
	prog, err := p.Filter(seccomp.BlockUnixSockets)
	switch {
	case err != nil:
		fmt.Fprintf(w, "seccomp:   unavailable (%v)\n", err)
	case prog.Source == seccomp.SourceFile:
		fmt.Fprintf(w, "seccomp:   %s %s\n", prog.Source, prog.Path)
	default:
		fmt.Fprintf(w, "seccomp:   %s (%s, %d instructions)\n", prog.Source, prog.Arch, len(prog.Instructions))
	}
}
