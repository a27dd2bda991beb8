package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/agentledger/internal/checkpoint"
	"github.com/roach88/agentledger/internal/mint"
	"github.com/roach88/agentledger/internal/store"
)

// NewCheckpointCommand creates the checkpoint command group.
func NewCheckpointCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Commit and inspect checkpoint epochs",
		Long: `A checkpoint epoch commits the tip of every chain that advanced since
the previous epoch under a Merkle root. Epoch numbers are consecutive
and each is committed exactly once, even with several schedulers running.`,
	}
	cmd.AddCommand(newCheckpointRunCommand(rootOpts))
	cmd.AddCommand(newCheckpointServeCommand(rootOpts))
	cmd.AddCommand(newCheckpointShowCommand(rootOpts))
	cmd.AddCommand(newCheckpointProveCommand(rootOpts))
	cmd.AddCommand(newCheckpointReanchorCommand(rootOpts))
	return cmd
}

func writeCheckpoint(w io.Writer, cp checkpoint.Checkpoint) {
	fmt.Fprintf(w, "epoch:     %d\n", cp.Epoch)
	fmt.Fprintf(w, "root:      %s\n", cp.RootCommitment)
	fmt.Fprintf(w, "submitted: %s\n", formatMillis(cp.SubmittedAt))
	fmt.Fprintf(w, "tips:      %d\n", len(cp.Tips))
	for _, t := range cp.Tips {
		fmt.Fprintf(w, "  %s  %6d  %s\n", t.AgentID, t.Index, t.BlockHash)
	}
}

func newCheckpointRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Commit one epoch now",
		Long: `Commit one epoch covering every chain that advanced.

Exit codes:
  0 - Epoch committed, or nothing to commit
  1 - Every attempt lost the race for the next epoch (EPOCH_CONFLICT)
  2 - Command error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				f := newFormatter(cmd, rootOpts)
				cp, err := a.checkpoints.RunEpoch(ctx)
				if errors.Is(err, checkpoint.ErrNothingToCommit) {
					return f.Emit(map[string]any{"committed": false}, func(w io.Writer) error {
						fmt.Fprintln(w, "Nothing to commit.")
						return nil
					})
				}
				if err != nil {
					var conflict *checkpoint.EpochConflictError
					if errors.As(err, &conflict) {
						return WrapExitError(ExitFailure, "checkpoint failed", err)
					}
					return WrapExitError(ExitCommandError, "checkpoint failed", err)
				}
				return f.Emit(cp, func(w io.Writer) error {
					writeCheckpoint(w, *cp)
					return nil
				})
			})
		},
	}
}

func newCheckpointServeCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		interval time.Duration
		withMint bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Commit epochs on a schedule until interrupted",
		Long: `Commit an epoch every interval until SIGINT or SIGTERM. With --mint the
mint reconciler runs alongside on mint.poll_interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				if interval <= 0 {
					interval = a.cfg.Checkpoint.Interval
				}
				var rec *mint.Reconciler
				if withMint {
					var err error
					if rec, err = a.reconciler(); err != nil {
						return err
					}
				}
				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					return a.checkpoints.Run(ctx, interval)
				})
				if rec != nil {
					g.Go(func() error {
						return rec.Run(ctx, a.cfg.Mint.PollInterval)
					})
				}

				err := g.Wait()
				if err != nil && !errors.Is(err, context.Canceled) {
					return WrapExitError(ExitCommandError, "scheduler stopped", err)
				}
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "time between epochs (default checkpoint.interval)")
	cmd.Flags().BoolVar(&withMint, "mint", false, "also run the mint reconciler")
	return cmd
}

func newCheckpointShowCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "show [epoch]",
		Short: "Show one epoch, or the most recent ones",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				f := newFormatter(cmd, rootOpts)
				if len(args) == 1 {
					epoch, err := strconv.ParseUint(args[0], 10, 64)
					if err != nil {
						return WrapExitError(ExitCommandError, "invalid epoch", err)
					}
					cp, err := a.checkpoints.Get(ctx, epoch)
					if errors.Is(err, store.ErrNotFound) {
						return WrapExitError(ExitFailure, "checkpoint not found", err)
					}
					if err != nil {
						return WrapExitError(ExitCommandError, "failed to read checkpoint", err)
					}
					return f.Emit(cp, func(w io.Writer) error {
						writeCheckpoint(w, cp)
						return nil
					})
				}

				cps, err := a.checkpoints.Recent(ctx, limit)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read checkpoints", err)
				}
				if cps == nil {
					cps = []checkpoint.Checkpoint{}
				}
				return f.Emit(cps, func(w io.Writer) error {
					if len(cps) == 0 {
						fmt.Fprintln(w, "No checkpoints found.")
						return nil
					}
					for _, cp := range cps {
						fmt.Fprintf(w, "%6d  %s  %4d tips  %s\n",
							cp.Epoch, formatMillis(cp.SubmittedAt), len(cp.Tips), cp.RootCommitment)
					}
					return nil
				})
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "number of recent epochs to list")
	return cmd
}

// ProveResult is a proof plus the outcome of checking it.
type ProveResult struct {
	checkpoint.Proof
	Valid bool `json:"valid"`
}

func newCheckpointProveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prove <epoch> <agent-id>",
		Short: "Print a Merkle inclusion proof for an agent's committed tip",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			epoch, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid epoch", err)
			}
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				proof, err := a.checkpoints.Prove(ctx, epoch, args[1])
				if errors.Is(err, store.ErrNotFound) || errors.Is(err, checkpoint.ErrAgentNotCommitted) {
					return WrapExitError(ExitFailure, "no proof", err)
				}
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to build proof", err)
				}
				result := ProveResult{Proof: proof, Valid: checkpoint.VerifyProof(proof, proof.Root)}
				return newFormatter(cmd, rootOpts).Emit(result, func(w io.Writer) error {
					fmt.Fprintf(w, "epoch:  %d\n", proof.Epoch)
					fmt.Fprintf(w, "agent:  %s\n", proof.AgentID)
					fmt.Fprintf(w, "block:  %d %s\n", proof.BlockIndex, proof.BlockHash)
					fmt.Fprintf(w, "leaf:   %s\n", proof.LeafHash)
					fmt.Fprintf(w, "root:   %s\n", proof.Root)
					for i, step := range proof.Path {
						fmt.Fprintf(w, "  %2d %s %s\n", i, step.Side, step.SiblingHash)
					}
					fmt.Fprintf(w, "valid:  %t\n", result.Valid)
					return nil
				})
			})
		},
	}
}

func newCheckpointReanchorCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reanchor <epoch>",
		Short: "Publish a committed epoch to the anchor again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			epoch, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid epoch", err)
			}
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				location, err := a.checkpoints.Reanchor(ctx, epoch)
				if err != nil {
					return WrapExitError(ExitFailure, "reanchor failed", err)
				}
				return newFormatter(cmd, rootOpts).Emit(map[string]any{"epoch": epoch, "location": location},
					func(w io.Writer) error {
						fmt.Fprintf(w, "Epoch %d anchored at %s\n", epoch, location)
						return nil
					})
			})
		},
	}
}
