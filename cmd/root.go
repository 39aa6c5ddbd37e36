package cmd

import (
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/segget/internal/config"
	"github.com/tanq16/segget/internal/output"
	"github.com/tanq16/segget/internal/utils"
)

var SeggetVersion = "dev"

// commands carrying this annotation run even when --config names a missing file
const optionalConfigAnnotation = "segget/optional-config"

var (
	configFile string
	settings   config.Settings
	v          = config.New()
	logCloser  io.Closer
)

var rootCmd = &cobra.Command{
	Use:           "segget",
	Short:         "Segget is a segmented download manager for HTTP and S3",
	Version:       SeggetVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := utils.InitLogger(v.GetBool(config.KeyDebug), false); err != nil {
			return err
		}
		file := configFile
		if cmd.Annotations[optionalConfigAnnotation] == "true" {
			if _, err := os.Stat(file); err != nil {
				file = ""
			}
		}
		var err error
		settings, err = config.Load(v, file)
		if err != nil {
			return err
		}
		logCloser, err = utils.InitLogger(settings.Debug, settings.LogFile)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		output.PrintError(err.Error())
		os.Exit(1)
	}
}

func init() {
	def := config.Defaults()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default $HOME/.config/segget/config.yaml)")
	flags.IntP(config.KeyConnections, "c", def.Connections, "Number of segments per download (above 8 enables high-thread-mode)")
	flags.IntP(config.KeyWorkers, "w", def.Workers, "Number of downloads to run in parallel")
	flags.Int(config.KeyMaxSegments, def.MaxSegments, "Maximum segment fetches in flight across all downloads")
	flags.Int(config.KeyRetries, def.Retries, "Retries per request after the first attempt")
	flags.Duration(config.KeyRetryBase, def.RetryBase, "Initial retry backoff, doubled per attempt (eg. 500ms, 2s)")
	flags.Int64(config.KeyChunkThreshold, def.ChunkThreshold, "Files below this many bytes (at least 1) are fetched as a single stream")
	flags.DurationP(config.KeyTimeout, "t", def.Timeout, "Connection timeout (eg. 5s, 10m)")
	flags.DurationP(config.KeyKeepAliveTimeout, "k", def.KeepAliveTimeout, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	flags.StringP(config.KeyUserAgent, "a", def.UserAgent, "User agent (\"randomize\" picks a browser agent)")
	flags.StringP(config.KeyProxy, "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	flags.String(config.KeyProxyUsername, "", "Proxy username (if not provided in proxy URL)")
	flags.String(config.KeyProxyPassword, "", "Proxy password (if not provided in proxy URL)")
	flags.StringArrayP(config.KeyHeader, "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	flags.String(config.KeyBearerToken, "", "Bearer token sent with every HTTP request")
	flags.String(config.KeyOutputDir, "", "Directory for downloads without an explicit output path")
	flags.Bool(config.KeyDebug, false, "Enable debug logging")
	flags.Bool(config.KeyLogFile, false, "Write logs to "+utils.LogFile+" instead of stderr")
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(newHTTPCmd())
	rootCmd.AddCommand(newS3Cmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newCleanCmd())
	rootCmd.AddCommand(newConfigCmd())
}
