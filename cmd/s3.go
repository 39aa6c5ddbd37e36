package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/tanq16/segget/internal/utils"
)

func newS3Cmd() *cobra.Command {
	var outputPath string
	var profile string
	var uploadTarget string

	cmd := &cobra.Command{
		Use:   "s3 [BUCKET/KEY or s3://BUCKET/KEY]",
		Short: "Download files from AWS S3",
		Long: `Download files or folders from AWS S3.

Examples:
  segget s3 mybucket/path/to/file.zip
  segget s3 s3://mybucket/path/to/folder/
  segget s3 mybucket/file.zip --profile myprofile`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			link := args[0]
			if !strings.HasPrefix(link, "s3://") {
				link = "s3://" + link
			}
			entries := []utils.DownloadEntry{{URL: link, OutputPath: outputPath, Type: "s3"}}
			return runEntries(entries, profile, uploadTarget)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output path")
	cmd.Flags().StringVar(&profile, "profile", "", "AWS profile to use (SDK default chain if empty)")
	cmd.Flags().StringVar(&uploadTarget, "upload", "", "Upload completed files to s3://BUCKET/PREFIX")
	return cmd
}
