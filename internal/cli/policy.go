package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func (a *app) policyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Show, replace or remove bucket policies",
	}

	get := &cobra.Command{
		Use:   "get <bucket>",
		Short: "Print the bucket's policy",
		Args:  cobra.ExactArgs(1),
	}
	get.RunE = a.action(true, func(ctx context.Context, cmd *cobra.Command, args []string) error {
		policy, err := a.client.GetBucketPolicy(ctx, args[0])
		if err != nil {
			return err
		}
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, policy, "", "  "); err != nil {
			pretty.Reset()
			pretty.Write(policy)
		}
		pretty.WriteByte('\n')
		_, err = pretty.WriteTo(cmd.OutOrStdout())
		return err
	})

	set := &cobra.Command{
		Use:   "set <bucket> <file>",
		Short: "Replace the bucket's policy with a JSON document",
		Long:  `Replace the bucket's policy. A file of "-" reads the document from standard input.`,
		Args:  cobra.ExactArgs(2),
	}
	set.RunE = a.action(true, func(ctx context.Context, cmd *cobra.Command, args []string) error {
		var (
			doc []byte
			err error
		)
		if args[1] == "-" {
			doc, err = io.ReadAll(cmd.InOrStdin())
		} else {
			doc, err = os.ReadFile(args[1])
		}
		if err != nil {
			return err
		}

		if err := a.client.PutBucketPolicy(ctx, args[0], bytes.TrimSpace(doc)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Updated policy of %s\n", args[0])
		return nil
	})

	rm := &cobra.Command{
		Use:   "rm <bucket>",
		Short: "Remove the bucket's policy",
		Args:  cobra.ExactArgs(1),
	}
	rm.RunE = a.action(true, func(ctx context.Context, cmd *cobra.Command, args []string) error {
		if err := a.client.DeleteBucketPolicy(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed policy of %s\n", args[0])
		return nil
	})

	cmd.AddCommand(get, set, rm)
	return cmd
}
