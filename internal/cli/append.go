package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/agentledger/internal/block"
	"github.com/roach88/agentledger/internal/ir"
	"github.com/roach88/agentledger/internal/ledger"
)

// AppendOptions holds flags for the append command.
type AppendOptions struct {
	*RootOptions
	origin          originFlags
	Actor           string
	Action          string
	Params          string
	Resources       string
	Attachments     string
	Timestamp       int64
	ProtocolVersion int64
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append [agent-id]",
		Short: "Append a block to an agent's chain",
		Long: `Append one block to an agent's chain and print it.

The agent is named either by id or by its origin flags; with origin flags
the origin is recorded on the block. Params and resources are JSON objects,
attachments a JSON array. Floats and nulls are rejected.

Exit codes:
  0 - Block appended
  1 - Append lost every race for the next index (CHAIN_CONFLICT)
  2 - Command error (invalid JSON, database unavailable, etc.)

Examples:
  agentledger append 4f1c... --actor user:alice --action chat --params '{"text":"hi"}'
  agentledger append --chain base --contract 0xabc... --token 42 --action create`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				return runAppend(ctx, cmd, a, opts, args)
			})
		},
	}

	opts.origin.register(cmd)
	cmd.Flags().StringVar(&opts.Actor, "actor", "", "who performed the action")
	cmd.Flags().StringVar(&opts.Action, "action", "", "action name (required)")
	cmd.Flags().StringVar(&opts.Params, "params", "", "action parameters as a JSON object")
	cmd.Flags().StringVar(&opts.Resources, "resources", "", "resources touched as a JSON object")
	cmd.Flags().StringVar(&opts.Attachments, "attachments", "", "attachments as a JSON array")
	cmd.Flags().Int64Var(&opts.Timestamp, "timestamp", 0, "unix milliseconds (default: now)")
	cmd.Flags().Int64Var(&opts.ProtocolVersion, "protocol-version", 0, "block protocol version (default: current)")
	_ = cmd.MarkFlagRequired("action")

	return cmd
}

func runAppend(ctx context.Context, cmd *cobra.Command, a *app, opts *AppendOptions, args []string) error {
	core := block.Core{
		Timestamp:       opts.Timestamp,
		Actor:           opts.Actor,
		Action:          opts.Action,
		ProtocolVersion: opts.ProtocolVersion,
	}

	var agentID string
	if len(args) == 1 {
		agentID = args[0]
	}
	if opts.origin.isSet() {
		id, err := opts.origin.resolve(cmd, a.resolver)
		if err != nil {
			return err
		}
		if agentID != "" && agentID != id.AgentID {
			return NewExitError(ExitCommandError,
				fmt.Sprintf("agent id %s does not match origin (derived %s)", agentID, id.AgentID))
		}
		agentID = id.AgentID
		core.Origin = block.OriginFrom(id.Origin)
	}
	if agentID == "" {
		return NewExitError(ExitCommandError, "an agent id or origin flags are required")
	}

	var err error
	if core.Params, err = ir.ParseObject(opts.Params); err != nil {
		return WrapExitError(ExitCommandError, "invalid --params", err)
	}
	if core.Resources, err = ir.ParseObject(opts.Resources); err != nil {
		return WrapExitError(ExitCommandError, "invalid --resources", err)
	}
	if core.Attachments, err = ir.ParseArray(opts.Attachments); err != nil {
		return WrapExitError(ExitCommandError, "invalid --attachments", err)
	}

	b, err := a.ledger.Append(ctx, agentID, core)
	if err != nil {
		if ledger.IsChainConflict(err) {
			return WrapExitError(ExitFailure, "append failed", err)
		}
		return WrapExitError(ExitCommandError, "append failed", err)
	}

	f := newFormatter(cmd, opts.RootOptions)
	f.VerboseLog("appended %s/%d parent=%s", b.AgentID, b.Index, b.ParentHash)
	return f.Emit(b, func(w io.Writer) error {
		fmt.Fprintf(w, "Appended block %d to %s\n", b.Index, b.AgentID)
		fmt.Fprintf(w, "  hash:   %s\n", b.BlockHash)
		fmt.Fprintf(w, "  parent: %s\n", b.ParentHash)
		return nil
	})
}
