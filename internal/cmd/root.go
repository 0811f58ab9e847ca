// Package cmd provides the command-line interface for telecrawl.
// It handles command parsing, configuration loading and run wiring.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/gotd/td/tg"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/masahif/telecrawl/internal/config"
	"github.com/masahif/telecrawl/internal/crawler"
	"github.com/masahif/telecrawl/internal/datalake"
	"github.com/masahif/telecrawl/internal/extract"
	"github.com/masahif/telecrawl/internal/loader"
	"github.com/masahif/telecrawl/internal/logging"
	"github.com/masahif/telecrawl/internal/media"
	"github.com/masahif/telecrawl/internal/metrics"
	"github.com/masahif/telecrawl/internal/pipeline"
	"github.com/masahif/telecrawl/internal/preview"
	"github.com/masahif/telecrawl/internal/state"
	"github.com/masahif/telecrawl/internal/storage"
	"github.com/masahif/telecrawl/internal/telegram"
)

var (
	cfgFile   string
	version   string
	buildTime string
)

// rootCmd crawls every configured channel and loads the result
var rootCmd = &cobra.Command{
	Use:   "telecrawl",
	Short: "Ingest public Telegram channels into a data lake and a raw store",
	Long: `telecrawl crawls public Telegram channels incrementally, writes new
messages to date-partitioned JSON files, downloads attached media and loads
the partitions into a relational raw store.

Exit status is 0 on success, 2 when some channels failed and 1 otherwise.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runIngest,
}

// loadCmd loads already published partitions without crawling
var loadCmd = &cobra.Command{
	Use:           "load",
	Short:         "Load published partitions into the raw store",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runLoad,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps the error returned by Execute to a process exit status
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, pipeline.ErrPartialFailure):
		return 2
	default:
		return 1
	}
}

// SetVersionInfo sets version information for the CLI
func SetVersionInfo(v, bt string) {
	version = v
	buildTime = bt
	rootCmd.Version = fmt.Sprintf("%s (built %s)", version, buildTime)
}

// flagBinding ties a command-line flag to a configuration key
type flagBinding struct {
	viperKey string
	flagName string
}

func init() {
	cobra.OnInitialize(initConfig)
	def := config.DefaultConfig()

	// Configuration file flag
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./telecrawl.yml)")

	// Shared by crawl and load
	pf := rootCmd.PersistentFlags()
	pf.String("data-dir", def.DataDir, "Directory of partitioned raw files and run summaries")
	pf.String("db-driver", def.RawStore.Driver, "Raw store driver: 'sqlite' or 'postgres'")
	pf.StringP("database", "d", def.RawStore.Path, "Path to SQLite database file")
	pf.String("log-level", def.Log.Level, "Log level: debug, info, warn, error")
	pf.String("log-file", def.Log.File, "Log file, rotated daily (empty disables)")
	pf.String("metrics-textfile", def.Metrics.Textfile, "Prometheus textfile written after each run (empty disables)")

	// Crawl flags
	f := rootCmd.Flags()
	f.Bool("show-config", false, "Display current configuration in YAML format and exit")
	f.Bool("skip-load", false, "Crawl only, do not load into the raw store")
	f.StringSliceP("channel", "C", def.Channels, "Channels to crawl: @username, username or numeric id (repeatable)")
	f.StringP("source", "s", def.Source, "Message source: 'mtproto' or 'preview'")
	f.IntP("concurrency", "c", def.Concurrency, "Channels crawled at once")
	f.Int("page-size", def.PageSize, "Messages per history request (1-100)")
	f.IntP("limit", "l", def.MaxMessagesPerChannel, "Stop each channel after N messages per run (0=unlimited)")
	f.Int("backfill", def.Backfill, "Messages to fetch on a channel's first crawl (0=entire history)")
	f.Duration("channel-delay", def.ChannelDelay, "Pause before starting each further channel")
	f.String("state-dir", def.StateDir, "Directory of the cursor store")
	f.String("session", def.Telegram.SessionPath, "Telegram session file")
	f.Bool("media", def.Media.Enabled, "Download attached photos and videos")
	f.String("media-dir", def.Media.Dir, "Media root directory")

	// Load flags
	loadCmd.Flags().String("since", "", "Only load partitions dated YYYY-MM-DD or later")

	rootCmd.AddCommand(loadCmd)

	bindConfig()
}

// bindConfig binds flags and environment variables to configuration keys
func bindConfig() {
	bindFlags(rootCmd.PersistentFlags(), []flagBinding{
		{"data_dir", "data-dir"},
		{"raw_store.driver", "db-driver"},
		{"raw_store.path", "database"},
		{"log.level", "log-level"},
		{"log.file", "log-file"},
		{"metrics.textfile", "metrics-textfile"},
	})
	bindFlags(rootCmd.Flags(), []flagBinding{
		{"channels", "channel"},
		{"source", "source"},
		{"concurrency", "concurrency"},
		{"page_size", "page-size"},
		{"max_messages_per_channel", "limit"},
		{"backfill", "backfill"},
		{"channel_delay", "channel-delay"},
		{"state_dir", "state-dir"},
		{"telegram.session_path", "session"},
		{"media.enabled", "media"},
		{"media.dir", "media-dir"},
	})

	// Settings without a flag that are commonly given through the environment
	viper.SetEnvPrefix("TELECRAWL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	for _, key := range []string{
		"telegram.api_id", "telegram.api_hash", "telegram.phone", "telegram.password",
		"raw_store.dsn",
		"media.s3.endpoint", "media.s3.access_key", "media.s3.secret_key", "media.s3.bucket", "media.s3.region", "media.s3.use_ssl",
		"preview.base_url", "log.console",
	} {
		if err := viper.BindEnv(key); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind environment for %s: %v\n", key, err)
		}
	}
}

func bindFlags(flags *pflag.FlagSet, bindings []flagBinding) {
	for _, bind := range bindings {
		if err := viper.BindPFlag(bind.viperKey, flags.Lookup(bind.flagName)); err != nil {
			// Log the error but continue - non-critical for operation
			fmt.Fprintf(os.Stderr, "Warning: failed to bind flag %s: %v\n", bind.flagName, err)
		}
	}
}

// initConfig reads in the .env file, the config file and ENV variables if set.
func initConfig() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to read .env: %v\n", err)
	}

	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in current directory
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("telecrawl")
	}

	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// loadConfig layers flags, environment and config file over the defaults.
// Slices given anywhere replace the default slice instead of merging into it.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if err := viper.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.ZeroFields = true
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.LoadCredentialsFromEnv()
	return cfg, nil
}

func showCurrentConfig(w io.Writer, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	// Validate configuration before showing it
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Configuration validation failed: %v\n", err)
		fmt.Fprintf(os.Stderr, "Displaying configuration anyway...\n\n")
	}

	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration to YAML: %w", err)
	}

	fmt.Fprintf(w, "# Current telecrawl configuration\n")
	fmt.Fprintf(w, "# Generated at: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(w, "# Configuration file search paths: ./telecrawl.yml\n")
	fmt.Fprintf(w, "# Environment variables prefix: TELECRAWL_\n")
	fmt.Fprintf(w, "# Secrets (api_hash, password, dsn, S3 keys) are not shown\n\n")

	fmt.Fprint(w, string(yamlData))

	fmt.Fprintf(w, "\n# Configuration source priority:\n")
	fmt.Fprintf(w, "# 1. Command-line arguments (highest priority)\n")
	fmt.Fprintf(w, "# 2. Environment variables (TELECRAWL_ prefix, .env is read)\n")
	fmt.Fprintf(w, "# 3. Configuration file (telecrawl.yml)\n")
	fmt.Fprintf(w, "# 4. Default values (lowest priority)\n")

	return nil
}

// setup validates cfg and installs the logger. The returned function
// releases the log file.
func setup(cfg *config.Config) (*slog.Logger, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, closer, err := logging.SetDefault(logging.FromConfig(cfg.Log))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return logger, func() { _ = closer.Close() }, nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	showConfig, _ := cmd.Flags().GetBool("show-config")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Handle --show-config: display current configuration and exit
	if showConfig {
		return showCurrentConfig(cmd.OutOrStdout(), cfg)
	}

	if err := cfg.ValidateCredentials(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, done, err := setup(cfg)
	if err != nil {
		return err
	}
	defer done()

	skipLoad, _ := cmd.Flags().GetBool("skip-load")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return ingest(ctx, cfg, !skipLoad, logger)
}

// ingest wires the stores and the configured source and runs the pipeline
func ingest(ctx context.Context, cfg *config.Config, withLoad bool, logger *slog.Logger) error {
	store, err := datalake.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open data directory: %w", err)
	}

	cursors, err := state.Open(cfg.StateDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open cursor store: %w", err)
	}
	defer func() { _ = cursors.Close() }()

	extractor, err := extract.Compile(cfg.Extraction)
	if err != nil {
		return fmt.Errorf("invalid extraction rules: %w", err)
	}

	comps := pipeline.Components{
		Crawl: crawler.Dependencies{
			Extractor: extractor,
			Writer:    store,
			Cursors:   cursors,
		},
		Exports:   store,
		Summaries: store,
		Metrics:   metrics.New(),
	}

	if withLoad {
		raw, err := storage.Open(cfg.RawStore, logger)
		if err != nil {
			return fmt.Errorf("failed to open raw store: %w", err)
		}
		defer func() { _ = raw.Close() }()
		comps.Loader = loader.New(store, raw, logger)
	}

	var mirror media.Mirror
	if cfg.Media.Enabled && cfg.Media.S3.Enabled() {
		m, err := media.NewS3Mirror(ctx, cfg.Media.S3, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize media mirror: %w", err)
		}
		mirror = m
	}

	run := func(ctx context.Context, src crawler.Source, d media.Downloader) error {
		comps.Crawl.Source = src
		if cfg.Media.Enabled {
			fetcher := media.NewFetcher(d, cfg.Media, logger)
			if mirror != nil {
				fetcher = fetcher.WithMirror(mirror)
			}
			comps.Crawl.Media = fetcher
		}
		_, err := pipeline.New(cfg, comps, logger).Run(ctx)
		return err
	}

	switch cfg.Source {
	case config.SourcePreview:
		src, err := preview.NewSource(cfg.Preview, logger)
		if err != nil {
			return err
		}
		defer src.Close()
		return run(ctx, src, src.Downloader())
	default:
		client, err := telegram.NewClient(cfg.Telegram, logger)
		if err != nil {
			return err
		}
		return client.Run(ctx, func(ctx context.Context, api *tg.Client) error {
			return run(ctx, telegram.NewSource(api, logger), telegram.NewDownloader(api))
		})
	}
}

func runLoad(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, done, err := setup(cfg)
	if err != nil {
		return err
	}
	defer done()

	since, _ := cmd.Flags().GetString("since")
	if since != "" {
		if _, err := time.Parse(crawler.PartitionDateLayout, since); err != nil {
			return fmt.Errorf("invalid --since %q: expected YYYY-MM-DD", since)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return loadOnly(ctx, cfg, since, logger)
}

// loadOnly loads published partitions and exports the load metrics
func loadOnly(ctx context.Context, cfg *config.Config, since string, logger *slog.Logger) error {
	store, err := datalake.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open data directory: %w", err)
	}
	raw, err := storage.Open(cfg.RawStore, logger)
	if err != nil {
		return fmt.Errorf("failed to open raw store: %w", err)
	}
	defer func() { _ = raw.Close() }()

	res, err := loader.New(store, raw, logger).Load(ctx, since)

	m := metrics.New()
	m.LoadFinished(res.Batches, res.Inserted, res.Updated, res.Skipped)
	if path := cfg.Metrics.Textfile; path != "" {
		if werr := m.WriteTextfile(path); werr != nil {
			logger.Error("Failed to write metrics", "error", werr)
		}
	}

	if err != nil {
		return fmt.Errorf("load failed: %w", err)
	}
	logger.Info("Load finished", "partitions", res.Partitions, "batches", res.Batches, "rows", res.Rows,
		"inserted", res.Inserted, "updated", res.Updated, "skipped", res.Skipped, "duration", res.Duration)
	return nil
}
