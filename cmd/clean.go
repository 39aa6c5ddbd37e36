package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/segget/internal/output"
	"github.com/tanq16/segget/internal/utils"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [path]",
		Short: "Clean up temporary files",
		Long: `Remove leftover segment files. A directory (default ".") loses its whole temp
directory; a file path only loses the parts and manifest of that download.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "."
			if len(args) > 0 {
				target = args[0]
			}
			var err error
			if info, statErr := os.Stat(target); statErr == nil && info.IsDir() {
				err = utils.CleanDir(target)
			} else {
				err = utils.Clean(target)
			}
			if err != nil {
				return fmt.Errorf("error cleaning up temporary files: %w", err)
			}
			output.PrintSuccess("Temporary files cleaned up")
			return nil
		},
	}
}
