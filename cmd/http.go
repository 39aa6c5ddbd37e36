package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tanq16/segget/internal/utils"
)

func newHTTPCmd() *cobra.Command {
	var outputPath string
	var uploadTarget string

	cmd := &cobra.Command{
		Use:   "http [URL] [--output OUTPUT_PATH]",
		Short: "Download file via HTTP/HTTPS",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries := []utils.DownloadEntry{{URL: args[0], OutputPath: outputPath, Type: "http"}}
			return runEntries(entries, "", uploadTarget)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (inferred from the server if not provided)")
	cmd.Flags().StringVar(&uploadTarget, "upload", "", "Upload completed files to s3://BUCKET/PREFIX")
	return cmd
}
