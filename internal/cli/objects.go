package cli

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"s3console/internal/console"
	"s3console/internal/sigv4"
	"s3console/internal/upload"

	"github.com/dustin/go-humanize"
	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
)

func contentType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func (a *app) putCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <file> <bucket[/key]>",
		Short: "Upload a file",
		Long: `Upload a file. Files larger than --part-size are sent as a multipart
upload, one part at a time. A key ending in "/" or a bare bucket name keeps the
file's name.`,
		Args: cobra.ExactArgs(2),
	}
	cmd.Flags().String("content-type", "", "Content type (default: from the file extension)")

	cmd.RunE = a.action(true, func(ctx context.Context, cmd *cobra.Command, args []string) error {
		bucket, key, err := requireBucket(args[1])
		if err != nil {
			return err
		}
		if key == "" || strings.HasSuffix(key, console.Delimiter) {
			key += filepath.Base(args[0])
		}

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer closeQuietly(f)

		st, err := f.Stat()
		if err != nil {
			return err
		}

		ct, _ := cmd.Flags().GetString("content-type")
		if ct == "" {
			ct = contentType(args[0])
		}

		errOut := cmd.ErrOrStderr()
		uploader, err := a.uploader(cmd, a.client, upload.WithProgress(func(percent int) {
			fmt.Fprintf(errOut, "\r%s: %d%%", key, percent)
		}))
		if err != nil {
			return err
		}

		res, err := uploader.Upload(ctx, bucket, key, f, st.Size(), ct)
		fmt.Fprintln(errOut)
		if err != nil {
			return err
		}

		how := "single request"
		if res.Multipart {
			how = fmt.Sprintf("%d parts", res.Session.TotalParts)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s/%s (%s, %s)\n", res.Bucket, res.Key, console.FormatBytes(res.Size), how)
		return nil
	})
	return cmd
}

func (a *app) getCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <bucket/key> [file]",
		Short: "Download an object",
		Long: `Download an object to file, or to the key's base name when no file is
given. A file of "-" writes the object to standard output.`,
		Args: cobra.RangeArgs(1, 2),
	}
	cmd.RunE = a.action(true, func(ctx context.Context, cmd *cobra.Command, args []string) error {
		bucket, key, err := requireKey(args[0])
		if err != nil {
			return err
		}
		dest := path.Base(key)
		if len(args) == 2 {
			dest = args[1]
		}

		body, info, err := a.client.GetObject(ctx, bucket, key)
		if err != nil {
			return err
		}
		defer closeQuietly(body)

		if dest == "-" {
			_, err := io.Copy(cmd.OutOrStdout(), body)
			return err
		}

		if err := atomic.WriteFile(dest, body); err != nil {
			return fmt.Errorf("write %s: %w", dest, err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Saved %s (%s)\n", dest, console.FormatBytes(info.Size))
		return nil
	})
	return cmd
}

func (a *app) rmCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <bucket/key>...",
		Short: "Delete objects",
		Args:  cobra.MinimumNArgs(1),
	}
	cmd.RunE = a.action(true, func(ctx context.Context, cmd *cobra.Command, args []string) error {
		for _, arg := range args {
			bucket, key, err := requireKey(arg)
			if err != nil {
				return err
			}
			if err := a.client.DeleteObject(ctx, bucket, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s/%s\n", bucket, key)
		}
		return nil
	})
	return cmd
}

func (a *app) statCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stat <bucket/key>",
		Short: "Show an object's metadata",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = a.action(true, func(ctx context.Context, cmd *cobra.Command, args []string) error {
		bucket, key, err := requireKey(args[0])
		if err != nil {
			return err
		}

		info, err := a.client.StatObject(ctx, bucket, key)
		if err != nil {
			return err
		}
		if info == nil {
			return fmt.Errorf("%s/%s does not exist", bucket, key)
		}

		w := newTable(cmd)
		fmt.Fprintf(w, "Key:\t%s\n", info.Key)
		fmt.Fprintf(w, "Size:\t%s (%s bytes)\n", console.FormatBytes(info.Size), humanize.Comma(info.Size))
		fmt.Fprintf(w, "Content-Type:\t%s\n", info.ContentType)
		fmt.Fprintf(w, "ETag:\t%s\n", info.ETag)
		fmt.Fprintf(w, "Last-Modified:\t%s\n", info.LastModified.Local().Format(time.RFC1123))

		names := make([]string, 0, len(info.Meta))
		for name := range info.Meta {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			fmt.Fprintf(w, "Meta %s:\t%s\n", name, info.Meta[name])
		}
		return w.Flush()
	})
	return cmd
}

func (a *app) mkdirCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mkdir <bucket/folder>",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = a.action(true, func(ctx context.Context, cmd *cobra.Command, args []string) error {
		bucket, folder, err := requireKey(args[0])
		if err != nil {
			return err
		}
		if err := a.client.CreateFolder(ctx, bucket, folder); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created folder %s/%s/\n", bucket, strings.Trim(folder, console.Delimiter))
		return nil
	})
	return cmd
}

func (a *app) shareCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share <bucket/key>",
		Short: "Print a presigned download link",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().Duration("expiry", 0, "Link lifetime, at most 168h (default --share-expiry)")

	cmd.RunE = a.action(true, func(ctx context.Context, cmd *cobra.Command, args []string) error {
		bucket, key, err := requireKey(args[0])
		if err != nil {
			return err
		}

		expiry, _ := cmd.Flags().GetDuration("expiry")
		if !cmd.Flags().Changed("expiry") {
			expiry = NewFlagLoader(cmd, a.v).Duration("share-expiry")
		}
		if expiry <= 0 || expiry > sigv4.MaxPresignExpiry {
			return fmt.Errorf("expiry must be between 1s and %s", sigv4.MaxPresignExpiry)
		}

		link, err := a.client.Share(ctx, bucket, key, expiry)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), link)
		if expires, err := sigv4.PresignedExpiry(link); err == nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Expires %s\n", humanize.Time(expires))
		}
		return nil
	})
	return cmd
}
