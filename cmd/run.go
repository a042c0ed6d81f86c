package cmd

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run START END",
		Short: "Process one batch of identifiers drawn from [START, END]",
		Long: `Allocates a batch of unused identifiers from [START, END], retrieves the
document for each and stores artifacts. The first interrupt stops the run
before the next identifier; a second interrupt exits immediately.`,
		Args: cobra.ExactArgs(2),
		RunE: runRange,
	}
}

func runRange(cmd *cobra.Command, args []string) error {
	r, err := parseRangeArgs(args)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	return withService(cmd, func(svc Service, rt runtime) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			// restore default handling so a second interrupt terminates
			stop()
		}()

		run, err := svc.StartRun(cmd.Context(), r)
		if err != nil {
			return fmt.Errorf("prepare run: %w", err)
		}
		defer func() {
			if cerr := run.Close(); cerr != nil {
				rt.logger.Warn("close run", zap.Error(cerr))
			}
		}()

		log := rt.logger.With(zap.Stringer("range", r))
		log.Info("run starting", zap.Int("batch_size", rt.cfg.Run.BatchSize))
		sum, err := run.Execute(ctx)
		if errors.Is(err, harvest.ErrRotationFailed) {
			log.Error("run aborted: circuit rotation failed", zap.Error(err))
			return err
		}
		if err != nil {
			return fmt.Errorf("run: %w", err)
		}
		if sum.Cancelled {
			log.Warn("run interrupted; issued identifiers stay recorded")
		}
		fmt.Fprintf(cmd.OutOrStdout(),
			"processed=%d stored=%d not_found=%d blocked=%d failed=%d invalid=%d rotations=%d\n",
			sum.Processed, sum.Stored, sum.NotFound, sum.Blocked, sum.Failed, sum.Invalid, sum.Rotations)
		return nil
	})
}

