package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func (a *app) loginCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Sign in and store the session",
		Long: `Sign in with an access key and secret key. The secret is read from
--password or, when that is not set, from the first line of standard input.`,
		Args: cobra.ExactArgs(1),
	}
	cmd.Flags().String("password", "", "Secret key")

	cmd.RunE = a.action(false, func(ctx context.Context, cmd *cobra.Command, args []string) error {
		password, _ := cmd.Flags().GetString("password")
		if !cmd.Flags().Changed("password") {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return errors.New("no password given")
			}
			password = strings.TrimRight(line, "\r\n")
		}

		creds, err := a.client.Login(ctx, args[0], password)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", args[0])
		if creds.CanExpire {
			fmt.Fprintf(cmd.OutOrStdout(), "Session expires %s\n", creds.Expires.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	})
	return cmd
}

func (a *app) logoutCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Drop the stored session",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = a.action(false, func(ctx context.Context, cmd *cobra.Command, args []string) error {
		if err := a.client.Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
		return nil
	})
	return cmd
}

func (a *app) whoamiCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show who the stored session belongs to",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = a.action(true, func(ctx context.Context, cmd *cobra.Command, args []string) error {
		name := a.client.Username()
		if ak := NewFlagLoader(cmd, a.v).String("access-key"); ak != "" {
			name = ak
		}

		admin, err := a.client.IsAdmin(ctx)
		if err != nil {
			return err
		}

		role := "user"
		if admin {
			role = "administrator"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) at %s\n", name, role, a.signer.Endpoint())
		return nil
	})
	return cmd
}
