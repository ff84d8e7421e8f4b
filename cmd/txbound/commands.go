package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nimburion/txbound/internal/app"
	"github.com/nimburion/txbound/internal/member"
	"github.com/nimburion/txbound/pkg/cli"
	"github.com/nimburion/txbound/pkg/repository"
)

func customCommands(load cli.ConfigLoader) []*cobra.Command {
	return []*cobra.Command{
		outboxCommand(load),
		memberCommand(load),
		transferCommand(load),
	}
}

// appCommand runs fn with a wired App built from the command's config.
func appCommand(load cli.ConfigLoader, fn func(cmd *cobra.Command, a *app.App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, log, err := load(cmd)
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), cfg, log, func(a *app.App) error {
			return fn(cmd, a, args)
		})
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func outboxCommand(load cli.ConfigLoader) *cobra.Command {
	outboxCmd := &cobra.Command{Use: "outbox", Short: "Transactional outbox commands"}

	relayCmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish committed outbox entries until interrupted",
		RunE: appCommand(load, func(cmd *cobra.Command, a *app.App, _ []string) error {
			producer, err := a.NewProducer()
			if err != nil {
				return err
			}
			defer producer.Close()
			relay, err := a.NewRelay(producer)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return ignoreCanceled(relay.Run(ctx))
		}),
	}
	cli.SetCommandPolicies(relayCmd, map[string]cli.CommandPolicy{"run": cli.PolicyRun})
	outboxCmd.AddCommand(relayCmd)
	return outboxCmd
}

func memberCommand(load cli.ConfigLoader) *cobra.Command {
	memberCmd := &cobra.Command{Use: "member", Short: "Manage member accounts"}

	memberCmd.AddCommand(&cobra.Command{
		Use:   "create ID MONEY",
		Short: "Create a member with an opening balance",
		Args:  cobra.ExactArgs(2),
		RunE: appCommand(load, func(cmd *cobra.Command, a *app.App, args []string) error {
			money, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid money %q: %w", args[1], err)
			}
			m := &member.Member{ID: args[0], Money: money}
			if err := a.Members.Save(cmd.Context(), m); err != nil {
				return err
			}
			return printJSON(cmd, m)
		}),
	})

	memberCmd.AddCommand(&cobra.Command{
		Use:   "get ID",
		Short: "Show a member",
		Args:  cobra.ExactArgs(1),
		RunE: appCommand(load, func(cmd *cobra.Command, a *app.App, args []string) error {
			m, err := a.Members.FindByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, m)
		}),
	})

	memberCmd.AddCommand(&cobra.Command{
		Use:   "delete ID",
		Short: "Delete a member",
		Args:  cobra.ExactArgs(1),
		RunE: appCommand(load, func(cmd *cobra.Command, a *app.App, args []string) error {
			return a.Members.Delete(cmd.Context(), args[0])
		}),
	})

	var page, pageSize int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List members",
		RunE: appCommand(load, func(cmd *cobra.Command, a *app.App, _ []string) error {
			members, err := a.Members.List(cmd.Context(), repository.Pagination{Page: page, PageSize: pageSize})
			if err != nil {
				return err
			}
			return printJSON(cmd, members)
		}),
	}
	listCmd.Flags().IntVar(&page, "page", 1, "page number")
	listCmd.Flags().IntVar(&pageSize, "page-size", 50, "members per page")
	memberCmd.AddCommand(listCmd)

	for _, c := range memberCmd.Commands() {
		cli.SetCommandPolicies(c, map[string]cli.CommandPolicy{"run": cli.PolicyManual})
	}
	return memberCmd
}

func transferCommand(load cli.ConfigLoader) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "transfer FROM TO AMOUNT",
		Short: "Move money between two members atomically",
		Args:  cobra.ExactArgs(3),
		RunE: appCommand(load, func(cmd *cobra.Command, a *app.App, args []string) error {
			amount, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[2], err)
			}
			m, err := member.ParseMode(mode)
			if err != nil {
				return err
			}
			if err := a.Transfers.Transfer(cmd.Context(), m, args[0], args[1], amount); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "transferred %d from %s to %s (%s)\n", amount, args[0], args[1], m)
			return nil
		}),
	}
	cmd.Flags().StringVar(&mode, "mode", string(member.ModeDeclarative), "transaction demarcation: explicit, managed or declarative")
	cli.SetCommandPolicies(cmd, map[string]cli.CommandPolicy{"run": cli.PolicyManual})
	return cmd
}
