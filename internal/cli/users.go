package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"s3console/internal/console"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// parseCapacity reads "10GiB" style sizes or plain byte counts. An empty
// value leaves the capacity to the store.
func parseCapacity(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n >= 0 {
		return n, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid capacity %q", raw)
	}
	return int64(n), nil
}

func (a *app) usersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "users",
		Aliases: []string{"user"},
		Short:   "Manage the store's users (administrators only)",
	}

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List users and their usage",
		Args:  cobra.NoArgs,
	}
	ls.RunE = a.action(true, func(ctx context.Context, cmd *cobra.Command, args []string) error {
		users, err := a.client.ListUsers(ctx)
		if err != nil {
			return err
		}

		w := newTable(cmd)
		fmt.Fprintln(w, "ACCESS KEY\tSTATUS\tUSED\tCAPACITY\tBUCKETS")
		fmt.Fprintln(w, "----------\t------\t----\t--------\t-------")
		for _, u := range users {
			key := u.AccessKey
			if key == "" {
				key = u.AccountName
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
				key, u.Status,
				console.FormatBytes(int64(u.Used)),
				console.FormatBytes(int64(u.Total)),
				len(u.Buckets),
			)
		}
		return w.Flush()
	})

	add := &cobra.Command{
		Use:   "add <access-key> <secret-key>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(2),
	}
	add.Flags().String("capacity", "", "Storage capacity, e.g. 10GiB (default: the store's)")
	add.RunE = a.action(true, func(ctx context.Context, cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("capacity")
		capacity, err := parseCapacity(raw)
		if err != nil {
			return err
		}
		if err := a.client.AddUser(ctx, args[0], args[1], capacity); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added user %s\n", args[0])
		return nil
	})

	rm := &cobra.Command{
		Use:   "rm <access-key>",
		Short: "Remove a user",
		Args:  cobra.ExactArgs(1),
	}
	rm.RunE = a.action(true, func(ctx context.Context, cmd *cobra.Command, args []string) error {
		if err := a.client.RemoveUser(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed user %s\n", args[0])
		return nil
	})

	passwd := &cobra.Command{
		Use:   "passwd <access-key> <new-secret-key>",
		Short: "Change a user's secret key",
		Args:  cobra.ExactArgs(2),
	}
	passwd.RunE = a.action(true, func(ctx context.Context, cmd *cobra.Command, args []string) error {
		if err := a.client.ChangePassword(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Changed secret key of %s\n", args[0])
		return nil
	})

	info := &cobra.Command{
		Use:   "info [access-key]",
		Short: "Show a user's storage usage (default: your own)",
		Args:  cobra.MaximumNArgs(1),
	}
	info.RunE = a.action(true, func(ctx context.Context, cmd *cobra.Command, args []string) error {
		var (
			u   *console.UserInfo
			err error
		)
		if len(args) == 1 {
			u, err = a.client.AdminUserInfo(ctx, args[0])
		} else {
			u, err = a.client.UserInfo(ctx, a.client.Username())
		}
		if err != nil {
			return err
		}

		w := newTable(cmd)
		fmt.Fprintf(w, "Account:\t%s\n", u.AccountName)
		fmt.Fprintf(w, "Capacity:\t%s\n", console.FormatBytes(int64(u.Total)))
		fmt.Fprintf(w, "Used:\t%s\n", console.FormatBytes(int64(u.Used)))
		for _, b := range u.Buckets {
			fmt.Fprintf(w, "Bucket %s:\t%s\n", b.Name, console.FormatBytes(int64(b.Size)))
		}
		return w.Flush()
	})

	cmd.AddCommand(ls, add, rm, passwd, info,
		a.userStatusCommand("enable", "Allow a user to sign in", console.UserStatusOn),
		a.userStatusCommand("disable", "Stop a user from signing in", console.UserStatusOff),
	)
	return cmd
}

func (a *app) userStatusCommand(use string, short string, status string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <access-key>",
		Short: short,
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = a.action(true, func(ctx context.Context, cmd *cobra.Command, args []string) error {
		if err := a.client.SetUserStatus(ctx, args[0], status); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "User %s is now %s\n", args[0], status)
		return nil
	})
	return cmd
}
