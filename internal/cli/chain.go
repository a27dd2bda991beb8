package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/agentledger/internal/block"
	"github.com/roach88/agentledger/internal/events"
	"github.com/roach88/agentledger/internal/ledger"
	"github.com/roach88/agentledger/internal/store"
)

// NewBlocksCommand creates the blocks command.
func NewBlocksCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		from  uint64
		limit int
		index string
	)

	cmd := &cobra.Command{
		Use:   "blocks <agent-id>",
		Short: "List an agent's blocks",
		Long: `List an agent's blocks in index order, or show one block with --index.

Examples:
  agentledger blocks 4f1c...
  agentledger blocks 4f1c... --from 100 --limit 20 --format json
  agentledger blocks 4f1c... --index 0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID := args[0]
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				f := newFormatter(cmd, rootOpts)
				if index != "" {
					idx, err := strconv.ParseUint(index, 10, 64)
					if err != nil {
						return WrapExitError(ExitCommandError, "invalid --index", err)
					}
					b, err := a.ledger.Block(ctx, agentID, idx)
					if errors.Is(err, store.ErrNotFound) {
						return WrapExitError(ExitFailure, "block not found", err)
					}
					if err != nil {
						return WrapExitError(ExitCommandError, "failed to read block", err)
					}
					return f.Emit(b, func(w io.Writer) error {
						writeBlockDetail(w, b)
						return nil
					})
				}

				blocks, err := a.ledger.Blocks(ctx, agentID, ledger.BlockQuery{FromIndex: from, Limit: limit})
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read blocks", err)
				}
				if blocks == nil {
					blocks = []block.Block{}
				}
				return f.Emit(blocks, func(w io.Writer) error {
					if len(blocks) == 0 {
						fmt.Fprintln(w, "No blocks found.")
						return nil
					}
					for _, b := range blocks {
						fmt.Fprintf(w, "%6d  %s  %-20s %-20s %s\n",
							b.Index, formatMillis(b.Timestamp), b.Actor, b.Action, b.BlockHash)
					}
					return nil
				})
			})
		},
	}

	cmd.Flags().Uint64Var(&from, "from", 0, "first index to list")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum blocks to list (0 for all)")
	cmd.Flags().StringVar(&index, "index", "", "show the single block at this index")

	return cmd
}

func writeBlockDetail(w io.Writer, b block.Block) {
	fmt.Fprintf(w, "agent_id:         %s\n", b.AgentID)
	fmt.Fprintf(w, "index:            %d\n", b.Index)
	fmt.Fprintf(w, "timestamp:        %s\n", formatMillis(b.Timestamp))
	fmt.Fprintf(w, "actor:            %s\n", b.Actor)
	fmt.Fprintf(w, "action:           %s\n", b.Action)
	fmt.Fprintf(w, "protocol_version: %d\n", b.ProtocolVersion)
	if b.Origin != nil {
		fmt.Fprintf(w, "origin:           chain %s contract %s token %s\n",
			b.Origin.ChainID, b.Origin.Contract, b.Origin.TokenID)
	}
	fmt.Fprintf(w, "parent_hash:      %s\n", b.ParentHash)
	fmt.Fprintf(w, "block_hash:       %s\n", b.BlockHash)
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

// VerifyResult reports one chain's verification.
type VerifyResult struct {
	AgentID  string `json:"agent_id"`
	Verified uint64 `json:"verified"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "verify [agent-id]",
		Short: "Verify chain hashes and links",
		Long: `Recompute every block hash and check every parent link of a chain.

Exit codes:
  0 - All verified chains are intact
  1 - A hash mismatch or broken link was found
  2 - Command error

Examples:
  agentledger verify 4f1c...
  agentledger verify --all --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return NewExitError(ExitCommandError, "pass exactly one of an agent id or --all")
			}
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				agents := args
				if all {
					ids, err := a.store.AgentIDs(ctx)
					if err != nil {
						return WrapExitError(ExitCommandError, "failed to list agents", err)
					}
					agents = ids
				}
				return runVerify(ctx, cmd, a, rootOpts, agents)
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "verify every agent's chain")
	return cmd
}

func runVerify(ctx context.Context, cmd *cobra.Command, a *app, rootOpts *RootOptions, agents []string) error {
	f := newFormatter(cmd, rootOpts)
	results := make([]VerifyResult, 0, len(agents))
	failed := 0
	for _, agentID := range agents {
		f.VerboseLog("verifying %s", agentID)
		n, err := a.ledger.VerifyChain(ctx, agentID)
		r := VerifyResult{AgentID: agentID, Verified: n, OK: err == nil}
		if err != nil {
			if !ledger.IsHashMismatch(err) && !errors.Is(err, block.ErrBrokenLink) {
				return WrapExitError(ExitCommandError, "verify failed", err)
			}
			r.Error = err.Error()
			failed++
		}
		results = append(results, r)
	}

	if err := f.Emit(results, func(w io.Writer) error {
		for _, r := range results {
			if r.OK {
				fmt.Fprintf(w, "OK    %s (%d blocks)\n", r.AgentID, r.Verified)
			} else {
				fmt.Fprintf(w, "FAIL  %s after %d blocks: %s\n", r.AgentID, r.Verified, r.Error)
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d chains failed verification", failed, len(results)))
	}
	return nil
}

// StatsResult summarizes one agent.
type StatsResult struct {
	AgentID        string       `json:"agent_id"`
	Length         uint64       `json:"length"`
	FirstTimestamp int64        `json:"first_timestamp"`
	LastTimestamp  int64        `json:"last_timestamp"`
	Tip            string       `json:"tip,omitempty"`
	Events         events.Stats `json:"events"`
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <agent-id>",
		Short: "Show chain length, time span and event counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID := args[0]
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				cs, err := a.ledger.ChainStats(ctx, agentID)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read chain stats", err)
				}
				es, err := a.events.Stats(ctx, agentID)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read event stats", err)
				}
				result := StatsResult{
					AgentID:        agentID,
					Length:         cs.Length,
					FirstTimestamp: cs.FirstTimestamp,
					LastTimestamp:  cs.LastTimestamp,
					Events:         es,
				}
				tip, err := a.ledger.LatestBlock(ctx, agentID)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read tip", err)
				}
				if tip != nil {
					result.Tip = tip.BlockHash
				}

				return newFormatter(cmd, rootOpts).Emit(result, func(w io.Writer) error {
					fmt.Fprintf(w, "agent_id: %s\n", result.AgentID)
					fmt.Fprintf(w, "blocks:   %d\n", result.Length)
					if result.Length > 0 {
						fmt.Fprintf(w, "first:    %s\n", formatMillis(result.FirstTimestamp))
						fmt.Fprintf(w, "last:     %s\n", formatMillis(result.LastTimestamp))
						fmt.Fprintf(w, "tip:      %s\n", result.Tip)
					}
					fmt.Fprintf(w, "events:   %d\n", result.Events.Count)
					return nil
				})
			})
		},
	}
}
