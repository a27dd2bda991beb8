package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/agentledger/internal/events"
)

// RecordResult is the output of events record.
type RecordResult struct {
	Event    events.Event `json:"event"`
	Inserted bool         `json:"inserted"`
}

// NewEventsCommand creates the events command group.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Record and query the agent activity log",
		Long: `The activity log is a content-addressed record of what agents did.
Recording identical content twice stores one event.`,
	}
	cmd.AddCommand(newEventsRecordCommand(rootOpts))
	cmd.AddCommand(newEventsListCommand(rootOpts))
	cmd.AddCommand(newEventsBackfillCommand(rootOpts))
	return cmd
}

func newEventsRecordCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		eventType string
		actor     string
		data      string
	)

	cmd := &cobra.Command{
		Use:     "record <agent-id>",
		Short:   "Record an event",
		Example: `  agentledger events record 4f1c... --type chat --actor user:alice --data '{"text":"hi"}'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if data != "" && !json.Valid([]byte(data)) {
				return NewExitError(ExitCommandError, "--data is not valid JSON")
			}
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				ev, inserted, err := a.events.Record(ctx, args[0], events.Input{
					Type:  eventType,
					Actor: actor,
					Data:  json.RawMessage(data),
				})
				if errors.Is(err, events.ErrEmptyType) || errors.Is(err, events.ErrEmptyAgentID) {
					return WrapExitError(ExitCommandError, "invalid event", err)
				}
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to record event", err)
				}
				result := RecordResult{Event: ev, Inserted: inserted}
				return newFormatter(cmd, rootOpts).Emit(result, func(w io.Writer) error {
					if inserted {
						fmt.Fprintf(w, "Recorded %s\n", ev.ContentHash)
					} else {
						fmt.Fprintf(w, "Already recorded %s\n", ev.ContentHash)
					}
					return nil
				})
			})
		},
	}

	cmd.Flags().StringVar(&eventType, "type", "", "event type (required)")
	cmd.Flags().StringVar(&actor, "actor", "", "who caused the event")
	cmd.Flags().StringVar(&data, "data", "", "event payload as JSON")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newEventsListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		eventType string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "list [agent-id]",
		Short: "List events newest first",
		Long: `List one agent's events, or with --type the events of one type across
all agents. Both are ordered newest first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (eventType != "") {
				return NewExitError(ExitCommandError, "pass exactly one of an agent id or --type")
			}
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				var (
					list []events.Event
					err  error
				)
				if eventType != "" {
					list, err = a.events.ListByType(ctx, eventType, limit)
				} else {
					list, err = a.events.List(ctx, args[0], limit)
				}
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to list events", err)
				}
				if list == nil {
					list = []events.Event{}
				}
				return newFormatter(cmd, rootOpts).Emit(list, func(w io.Writer) error {
					if len(list) == 0 {
						fmt.Fprintln(w, "No events found.")
						return nil
					}
					for _, ev := range list {
						fmt.Fprintf(w, "%s  %-16s %-20s %s  %s\n",
							formatMillis(ev.Timestamp), ev.Type, ev.Actor, ev.ContentHash[:12], ev.Data)
					}
					return nil
				})
			})
		},
	}

	cmd.Flags().StringVar(&eventType, "type", "", "list events of this type across all agents")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to list (0 for all)")
	return cmd
}

func newEventsBackfillCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "backfill [agent-id]",
		Short: "Seed the activity log from ledger blocks",
		Long: `Create one event per ledger block, keyed by the block hash. Running it
again inserts nothing new.`,
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
				counts := make(map[string]int, len(agents))
				total := 0
				for _, agentID := range agents {
					n, err := a.events.Backfill(ctx, a.store, agentID)
					if err != nil {
						return WrapExitError(ExitCommandError, "backfill failed", err)
					}
					counts[agentID] = n
					total += n
				}
				return newFormatter(cmd, rootOpts).Emit(counts, func(w io.Writer) error {
					fmt.Fprintf(w, "Backfilled %d events across %d agents\n", total, len(agents))
					return nil
				})
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "backfill every agent")
	return cmd
}
