package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/segget/internal/utils"
	"gopkg.in/yaml.v3"
)

// BatchFile maps a source type to its entries:
//
//	http:
//	  - link: https://example.com/file.iso
//	    op: isos/file.iso
//	s3:
//	  - link: s3://bucket/key
type BatchFile map[string][]utils.DownloadEntry

func newBatchCmd() *cobra.Command {
	var profile string
	var uploadTarget string

	cmd := &cobra.Command{
		Use:   "batch [YAML_FILE] [OPTIONS]",
		Short: "Process multiple downloads from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := readBatchFile(args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("no valid entries found in the batch file")
			}
			return runEntries(entries, profile, uploadTarget)
		},
	}

	cmd.Flags().StringVar(&profile, "profile", "", "AWS profile to use for s3 entries")
	cmd.Flags().StringVar(&uploadTarget, "upload", "", "Upload completed files to s3://BUCKET/PREFIX")
	return cmd
}

func readBatchFile(path string) ([]utils.DownloadEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading YAML file: %w", err)
	}
	var batchFile BatchFile
	if err := yaml.Unmarshal(data, &batchFile); err != nil {
		return nil, fmt.Errorf("error parsing YAML file: %w", err)
	}
	return buildEntries(batchFile), nil
}

// buildEntries flattens the file in a stable order so submission order is reproducible.
func buildEntries(batchFile BatchFile) []utils.DownloadEntry {
	types := make([]string, 0, len(batchFile))
	for jobType := range batchFile {
		types = append(types, jobType)
	}
	sort.Strings(types)

	var entries []utils.DownloadEntry
	for _, jobType := range types {
		normalizedType := normalizeJobType(jobType)
		if normalizedType == "" {
			log.Warn().Str("op", "cmd/batch").Str("type", jobType).Msg("unknown entry type, skipping")
			continue
		}
		for _, entry := range batchFile[jobType] {
			if entry.URL == "" {
				log.Warn().Str("op", "cmd/batch").Str("type", jobType).Msg("empty link, skipping")
				continue
			}
			if normalizedType == "s3" && !strings.HasPrefix(entry.URL, "s3://") {
				entry.URL = "s3://" + entry.URL
			}
			entry.Type = normalizedType
			entries = append(entries, entry)
		}
	}
	return entries
}

func normalizeJobType(jobType string) string {
	switch strings.ToLower(jobType) {
	case "http", "https":
		return "http"
	case "s3":
		return "s3"
	}
	return ""
}
