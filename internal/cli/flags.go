package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// FlagLoader reads settings with CLI flag precedence. A flag set on the
// command line wins; otherwise viper's order applies: env > config file >
// default.
type FlagLoader struct {
	cmd *cobra.Command
	v   *viper.Viper
}

func NewFlagLoader(cmd *cobra.Command, v *viper.Viper) *FlagLoader {
	return &FlagLoader{cmd: cmd, v: v}
}

func (f *FlagLoader) String(name string) string {
	if f.cmd.Flags().Changed(name) {
		val, _ := f.cmd.Flags().GetString(name)
		return val
	}
	return f.v.GetString(name)
}

func (f *FlagLoader) Int(name string) int {
	if f.cmd.Flags().Changed(name) {
		val, _ := f.cmd.Flags().GetInt(name)
		return val
	}
	return f.v.GetInt(name)
}

func (f *FlagLoader) Duration(name string) time.Duration {
	if f.cmd.Flags().Changed(name) {
		val, _ := f.cmd.Flags().GetDuration(name)
		return val
	}
	return f.v.GetDuration(name)
}

// Bytes reads a size such as "5MiB" or "8388608".
func (f *FlagLoader) Bytes(name string) (int64, error) {
	raw := f.String(name)
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	return int64(n), nil
}
