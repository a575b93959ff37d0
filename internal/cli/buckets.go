package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"s3console/internal/console"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newTable(cmd *cobra.Command) *tabwriter.Writer {
	return tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
}

func (a *app) lsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls [bucket[/prefix]]",
		Short: "List buckets, or the folders and objects under a prefix",
		Args:  cobra.MaximumNArgs(1),
	}
	cmd.Flags().Bool("all", false, "Follow continuation tokens to the last page")
	cmd.Flags().Int("max-keys", 0, "Keys per page (default: the store's)")

	cmd.RunE = a.action(true, func(ctx context.Context, cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return a.listBuckets(ctx, cmd)
		}

		bucket, prefix, err := requireBucket(args[0])
		if err != nil {
			return err
		}
		all, _ := cmd.Flags().GetBool("all")
		maxKeys, _ := cmd.Flags().GetInt("max-keys")

		w := newTable(cmd)
		fmt.Fprintln(w, "KEY\tSIZE\tMODIFIED")
		fmt.Fprintln(w, "---\t----\t--------")

		token := ""
		for {
			listing, err := a.client.ListObjects(ctx, bucket, prefix, token, maxKeys)
			if err != nil {
				return err
			}
			for _, folder := range listing.Folders {
				fmt.Fprintf(w, "%s\t-\t-\n", folder)
			}
			for _, o := range listing.Objects {
				fmt.Fprintf(w, "%s\t%s\t%s\n", o.Key, console.FormatBytes(o.Size), humanize.Time(o.LastModified))
			}

			if !listing.Truncated || listing.NextToken == "" {
				break
			}
			if !all {
				w.Flush()
				fmt.Fprintf(cmd.ErrOrStderr(), "More keys follow, use --all to list them\n")
				return nil
			}
			token = listing.NextToken
		}
		return w.Flush()
	})
	return cmd
}

func (a *app) listBuckets(ctx context.Context, cmd *cobra.Command) error {
	buckets, err := a.client.ListBuckets(ctx)
	if err != nil {
		return err
	}

	w := newTable(cmd)
	fmt.Fprintln(w, "NAME\tCREATED")
	fmt.Fprintln(w, "----\t-------")
	for _, b := range buckets {
		fmt.Fprintf(w, "%s\t%s\n", b.Name, b.Created.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func (a *app) mbCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mb <bucket>",
		Short: "Create a bucket",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = a.action(true, func(ctx context.Context, cmd *cobra.Command, args []string) error {
		if err := a.client.CreateBucket(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created bucket %s\n", args[0])
		return nil
	})
	return cmd
}

func (a *app) rbCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rb <bucket>",
		Short: "Delete an empty bucket",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = a.action(true, func(ctx context.Context, cmd *cobra.Command, args []string) error {
		if err := a.client.DeleteBucket(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted bucket %s\n", args[0])
		return nil
	})
	return cmd
}
