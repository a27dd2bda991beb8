package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/agentledger/internal/mint"
)

// NewMintCommand creates the mint command group.
func NewMintCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Track ledger entries through the external mint backend",
		Long: `Each ledger entry has at most one mint receipt. A receipt starts
pending and moves once to confirmed or failed.`,
	}
	cmd.AddCommand(newMintCreateCommand(rootOpts))
	cmd.AddCommand(newMintAttachCommand(rootOpts))
	cmd.AddCommand(newMintStatusCommand(rootOpts))
	cmd.AddCommand(newMintSubmitCommand(rootOpts))
	cmd.AddCommand(newMintReconcileCommand(rootOpts))
	cmd.AddCommand(newMintListCommand(rootOpts))
	return cmd
}

func parseEntry(args []string) (string, uint64, error) {
	idx, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return "", 0, WrapExitError(ExitCommandError, "invalid block index", err)
	}
	return args[0], idx, nil
}

func writeReceipt(w io.Writer, r mint.Receipt) {
	fmt.Fprintf(w, "entry:      %s/%d\n", r.AgentID, r.BlockIndex)
	fmt.Fprintf(w, "status:     %s\n", r.Status)
	fmt.Fprintf(w, "request_id: %s\n", r.RequestID)
	if r.ExternalRef != "" {
		fmt.Fprintf(w, "job:        %s\n", r.ExternalRef)
	}
	if !r.Managed {
		fmt.Fprintf(w, "submitter:  external\n")
	}
	if r.LastError != "" {
		fmt.Fprintf(w, "last_error: %s\n", r.LastError)
	}
	fmt.Fprintf(w, "updated:    %s\n", formatMillis(r.UpdatedAt))
}

// mintExitError maps tracker errors to exit codes.
func mintExitError(message string, err error) error {
	switch {
	case errors.Is(err, mint.ErrDuplicateReceipt),
		errors.Is(err, mint.ErrBlockNotFound),
		errors.Is(err, mint.ErrReceiptNotFound),
		errors.Is(err, mint.ErrExternalRefConflict),
		mint.IsInvalidTransition(err):
		return WrapExitError(ExitFailure, message, err)
	default:
		return WrapExitError(ExitCommandError, message, err)
	}
}

func newMintCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var externalRef string

	cmd := &cobra.Command{
		Use:   "create <agent-id> <block-index>",
		Short: "Create a pending receipt for a ledger entry",
		Long: `Create a pending receipt without calling the mint backend, for jobs
submitted by other means. Use --external-ref to record their job id, or
mint attach once it is known. mint reconcile polls such a receipt but never
submits it.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, idx, err := parseEntry(args)
			if err != nil {
				return err
			}
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				r, err := a.tracker.CreateReceipt(ctx, agentID, idx, externalRef)
				if err != nil {
					return mintExitError("create receipt failed", err)
				}
				return newFormatter(cmd, rootOpts).Emit(r, func(w io.Writer) error {
					writeReceipt(w, r)
					return nil
				})
			})
		},
	}

	cmd.Flags().StringVar(&externalRef, "external-ref", "", "backend job id, when already known")
	return cmd
}

func newMintAttachCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "attach <agent-id> <block-index> <job-id>",
		Short: "Record the job id of an externally submitted mint",
		Long: `Record the backend job id on a pending receipt created with mint create.
A receipt's job id is set once; attaching the same id again is a no-op.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, idx, err := parseEntry(args)
			if err != nil {
				return err
			}
			if args[2] == "" {
				return NewExitError(ExitCommandError, "job id must not be empty")
			}
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				r, err := a.tracker.AttachExternalRef(ctx, agentID, idx, args[2])
				if err != nil {
					return mintExitError("attach job failed", err)
				}
				return newFormatter(cmd, rootOpts).Emit(r, func(w io.Writer) error {
					writeReceipt(w, r)
					return nil
				})
			})
		},
	}
}

func newMintStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var set string

	cmd := &cobra.Command{
		Use:   "status <agent-id> <block-index>",
		Short: "Show or set a receipt's status",
		Long: `Show a receipt, or move it with --set. Setting the current status is a
no-op; a confirmed or failed receipt cannot change.

Examples:
  agentledger mint status 4f1c... 3
  agentledger mint status 4f1c... 3 --set confirmed`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, idx, err := parseEntry(args)
			if err != nil {
				return err
			}
			var to mint.Status
			if set != "" {
				if to, err = mint.ParseStatus(set); err != nil {
					return WrapExitError(ExitCommandError, "invalid --set", err)
				}
			}
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				var r mint.Receipt
				if to != "" {
					r, err = a.tracker.UpdateStatus(ctx, agentID, idx, to)
				} else {
					r, err = a.tracker.Get(ctx, agentID, idx)
				}
				if err != nil {
					return mintExitError("receipt status failed", err)
				}
				return newFormatter(cmd, rootOpts).Emit(r, func(w io.Writer) error {
					writeReceipt(w, r)
					return nil
				})
			})
		},
	}

	cmd.Flags().StringVar(&set, "set", "", "new status: pending, confirmed or failed")
	return cmd
}

func newMintSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	var payload string

	cmd := &cobra.Command{
		Use:   "submit <agent-id> <block-index>",
		Short: "Claim a ledger entry and submit it to the mint backend",
		Long: `Create the entry's receipt and submit a mint job for it. If the backend
call fails the receipt stays pending and mint reconcile retries it with the
same request id.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, idx, err := parseEntry(args)
			if err != nil {
				return err
			}
			if payload == "" {
				payload = "{}"
			}
			if !json.Valid([]byte(payload)) {
				return NewExitError(ExitCommandError, "--payload is not valid JSON")
			}
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				rec, err := a.reconciler()
				if err != nil {
					return err
				}
				r, err := rec.Mint(ctx, agentID, idx, json.RawMessage(payload))
				if err != nil {
					return mintExitError("mint submit failed", err)
				}
				return newFormatter(cmd, rootOpts).Emit(r, func(w io.Writer) error {
					writeReceipt(w, r)
					return nil
				})
			})
		},
	}

	cmd.Flags().StringVar(&payload, "payload", "", "job payload as JSON (default {})")
	return cmd
}

func newMintReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass over pending receipts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				rec, err := a.reconciler()
				if err != nil {
					return err
				}
				sum, err := rec.ReconcileOnce(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "reconcile failed", err)
				}
				return newFormatter(cmd, rootOpts).Emit(sum, func(w io.Writer) error {
					fmt.Fprintf(w, "checked %d, submitted %d, confirmed %d, failed %d, waiting %d, errors %d\n",
						sum.Checked, sum.Submitted, sum.Confirmed, sum.Failed, sum.Waiting, sum.Errors)
					return nil
				})
			})
		},
	}
}

func newMintListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List receipts in one status, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := mint.ParseStatus(status)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --status", err)
			}
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				receipts, err := a.tracker.ByStatus(ctx, st, limit)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to list receipts", err)
				}
				if receipts == nil {
					receipts = []mint.Receipt{}
				}
				return newFormatter(cmd, rootOpts).Emit(receipts, func(w io.Writer) error {
					if len(receipts) == 0 {
						fmt.Fprintf(w, "No %s receipts.\n", st)
						return nil
					}
					for _, r := range receipts {
						fmt.Fprintf(w, "%s/%d  %-9s %s  %s\n", r.AgentID, r.BlockIndex, r.Status, r.RequestID, r.ExternalRef)
					}
					return nil
				})
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", string(mint.StatusPending), "status to list")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum receipts to list")
	return cmd
}
