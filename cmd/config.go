package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tanq16/segget/internal/config"
	"github.com/tanq16/segget/internal/output"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create the segget config file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(settings.Redacted())
			if err != nil {
				return err
			}
			if used := v.ConfigFileUsed(); used != "" {
				output.PrintDebug("# " + used)
			}
			fmt.Print(string(data))
			return nil
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:         "init",
		Short:       "Write the effective settings to the config file",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{optionalConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configFile
			if path == "" {
				path = config.DefaultPath()
			}
			if err := config.Write(path, settings, force); err != nil {
				return err
			}
			output.PrintSuccess("Config written to " + path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	cmd.AddCommand(initCmd)
	return cmd
}
