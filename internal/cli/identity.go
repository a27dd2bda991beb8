package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/agentledger/internal/block"
	"github.com/roach88/agentledger/internal/identity"
)

// originFlags are the flags naming an agent by its on-chain origin.
type originFlags struct {
	Chain    string
	ChainID  uint64
	Contract string
	Token    string
}

func (o *originFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Chain, "chain", "", "chain name or alias from the registry")
	cmd.Flags().Uint64Var(&o.ChainID, "chain-id", 0, "explicit chain id, bypassing the registry")
	cmd.Flags().StringVar(&o.Contract, "contract", "", "origin contract address or reference")
	cmd.Flags().StringVar(&o.Token, "token", "", "token id (decimal or 0x hex)")
}

func (o *originFlags) isSet() bool {
	return o.Chain != "" || o.Contract != "" || o.Token != ""
}

// resolve derives the identity named by the flags.
func (o *originFlags) resolve(cmd *cobra.Command, r *identity.Resolver) (identity.Identity, error) {
	var override *uint64
	if cmd.Flags().Changed("chain-id") {
		id := o.ChainID
		override = &id
	}
	if o.Chain == "" && override == nil {
		return identity.Identity{}, NewExitError(ExitCommandError, "one of --chain or --chain-id is required")
	}
	id, err := r.Resolve(o.Chain, override, o.Contract, o.Token)
	if err != nil {
		code := ExitFailure
		if errors.Is(err, identity.ErrEmptyContract) || errors.Is(err, identity.ErrEmptyTokenID) {
			code = ExitCommandError
		}
		return identity.Identity{}, WrapExitError(code, "failed to resolve identity", err)
	}
	return id, nil
}

// IdentityResult is the output of the identity command.
type IdentityResult struct {
	AgentID string       `json:"agent_id"`
	Origin  block.Origin `json:"origin"`
}

// NewIdentityCommand creates the identity command.
func NewIdentityCommand(rootOpts *RootOptions) *cobra.Command {
	var origin originFlags

	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Derive an agent id from its on-chain origin",
		Long: `Derive the agent id for a (chain, contract, token) origin.

The chain is looked up in the chain registry by name or alias unless
--chain-id is given. Token ids may be decimal or 0x-prefixed hex.

Examples:
  agentledger identity --chain base --contract 0xAbC... --token 42
  agentledger identity --chain-id 8453 --contract 0xabc... --token 0x2a
  agentledger identity chains`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			resolver, err := loadResolver(cfg)
			if err != nil {
				return err
			}
			id, err := origin.resolve(cmd, resolver)
			if err != nil {
				return err
			}
			result := IdentityResult{AgentID: id.AgentID, Origin: *block.OriginFrom(id.Origin)}
			return newFormatter(cmd, rootOpts).Emit(result, func(w io.Writer) error {
				fmt.Fprintf(w, "agent_id: %s\n", result.AgentID)
				fmt.Fprintf(w, "chain_id: %s\n", result.Origin.ChainID)
				fmt.Fprintf(w, "contract: %s\n", result.Origin.Contract)
				fmt.Fprintf(w, "token_id: %s\n", result.Origin.TokenID)
				return nil
			})
		},
	}
	origin.register(cmd)
	cmd.AddCommand(newChainsCommand(rootOpts))
	return cmd
}

func newChainsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "List the chain registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			resolver, err := loadResolver(cfg)
			if err != nil {
				return err
			}
			chains := resolver.Registry().Chains()
			return newFormatter(cmd, rootOpts).Emit(chains, func(w io.Writer) error {
				for _, c := range chains {
					line := fmt.Sprintf("%-20d %s", c.ID, c.Name)
					if c.Symbolic() {
						line += fmt.Sprintf(" (tag %s)", c.Tag)
					}
					if len(c.Aliases) > 0 {
						line += fmt.Sprintf(" aliases=%v", c.Aliases)
					}
					fmt.Fprintln(w, line)
				}
				return nil
			})
		},
	}
}
