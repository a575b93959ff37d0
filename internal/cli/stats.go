package cli

import (
	"context"
	"fmt"
	"io"

	"s3console/internal/console"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func (a *app) statsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show storage pool and request statistics (administrators only)",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = a.action(true, func(ctx context.Context, cmd *cobra.Command, args []string) error {
		pool, err := a.client.StorePoolStats(ctx)
		if err != nil {
			return err
		}
		overview, err := a.client.RequestOverview(ctx)
		if err != nil {
			return err
		}

		w := newTable(cmd)
		fmt.Fprintln(w, "STORAGE POOL")
		fmt.Fprintf(w, "Buckets:\t%s\n", humanize.Comma(pool.Buckets))
		fmt.Fprintf(w, "Objects:\t%s\n", humanize.Comma(pool.Objects))
		fmt.Fprintf(w, "Stored:\t%s\n", console.FormatBytes(int64(pool.ObjectSize)))
		fmt.Fprintf(w, "Capacity:\t%s\n", console.FormatBytes(int64(pool.Capacity)))

		series(w, "DOWNLOADED BYTES", overview.GetBytes, console.FormatBytes)
		series(w, "UPLOADED BYTES", overview.PutBytes, console.FormatBytes)
		series(w, "DOWNLOADS", overview.GetCount, humanize.Comma)
		series(w, "UPLOADS", overview.PutCount, humanize.Comma)
		return w.Flush()
	})
	return cmd
}

func series(w io.Writer, title string, stats []console.TypeStat, format func(int64) string) {
	fmt.Fprintf(w, "\n%s\n", title)
	if len(stats) == 0 {
		fmt.Fprintln(w, "(none)")
		return
	}
	for _, st := range stats {
		fmt.Fprintf(w, "%s:\t%s\n", st.FileType, format(st.Value))
	}
}
