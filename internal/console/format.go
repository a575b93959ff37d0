package console

import "github.com/dustin/go-humanize"

// FormatBytes renders a byte count the way the console shows sizes, in
// binary units ("5.0 MiB").
func FormatBytes(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}
