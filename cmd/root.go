// Package cmd defines and implements the CLI commands for the docharvest executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/app"
	"github.com/JakeFAU/docharvest/internal/config"
	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/logging"
	"github.com/JakeFAU/docharvest/internal/orchestrator"
)

// RunHandle is one wired run.
type RunHandle interface {
	Execute(ctx context.Context) (orchestrator.Summary, error)
	Close() error
}

// Service defines what the commands need from the application. Tests inject
// a mock through newService.
type Service interface {
	Reset(ctx context.Context, r harvest.Range) error
	StartRun(ctx context.Context, r harvest.Range) (RunHandle, error)
	Close() error
}

type appService struct {
	*app.App
}

func (s appService) StartRun(ctx context.Context, r harvest.Range) (RunHandle, error) {
	run, err := s.NewRun(ctx, r)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// newService is the application factory. It's a variable so tests can replace it.
var newService = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Service, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return appService{a}, nil
}

type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

type runtimeKey struct{}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "docharvest [START END]",
		Short: "Retrieve documents for randomly drawn identifiers through a rotating anonymizing circuit.",
		Long: `docharvest draws identifiers from [START, END] without repetition, fetches the
document each one maps to, stores artifacts and rotates the circuit identity
when the remote side starts blocking. Issued identifiers are recorded in a
per-range ledger so interrupted runs resume without repeats.

"docharvest START END" is shorthand for "docharvest run START END".`,
		Args:          cobra.ArbitraryArgs,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if printsHelpOnly(cmd, args) {
				return nil
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey{}, runtime{cfg: cfg, logger: logger}))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return runRange(cmd, args)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.AddCommand(newRunCmd(), newResetCmd())
	return cmd
}

// printsHelpOnly reports invocations that only print usage and so must work
// even when the configuration is broken.
func printsHelpOnly(cmd *cobra.Command, args []string) bool {
	if cmd.Name() == "help" {
		return true
	}
	return !cmd.HasParent() && len(args) == 0
}

func runtimeFrom(ctx context.Context) (runtime, error) {
	rt, ok := ctx.Value(runtimeKey{}).(runtime)
	if !ok {
		return runtime{}, errors.New("configuration not loaded")
	}
	return rt, nil
}

// parseRangeArgs validates START END. Failures keep cobra's usage output.
func parseRangeArgs(args []string) (harvest.Range, error) {
	if len(args) != 2 {
		return harvest.Range{}, fmt.Errorf("%w: expected START END, got %d argument(s)", harvest.ErrConfiguration, len(args))
	}
	return harvest.ParseRange(args[0], args[1])
}

// withService builds the application for one command and closes it afterwards.
func withService(cmd *cobra.Command, fn func(Service, runtime) error) error {
	rt, err := runtimeFrom(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = rt.logger.Sync() }()

	svc, err := newService(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer func() {
		if cerr := svc.Close(); cerr != nil {
			rt.logger.Warn("close application services", zap.Error(cerr))
		}
	}()
	return fn(svc, rt)
}

// Execute is the main entry point. It exits non-zero on any failure.
func Execute() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
		os.Exit(1)
	}
}
