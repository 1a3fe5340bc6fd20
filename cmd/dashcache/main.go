package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fontbakery/dashcache/pkg/cachesvc"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:           "dashcache",
		Short:         "fontbakery dashboard cache and manifest services",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(viper.GetString("log_level"), viper.GetString("log_format"), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("dashcache")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "dashcache"))
		}
	}
	viper.SetEnvPrefix("DASHCACHE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	flags.String("data-dir", ".dashcache", "directory holding the metadata database and payload files")
	flags.Int("chunk-size", 1<<20, "bytes per upload chunk")
	flags.Int64("max-item-bytes", cachesvc.DefaultMaxItemBytes, "largest accepted cache item")
	flags.Duration("idle-timeout", cachesvc.DefaultIdleTimeout, "abort uploads idle for this long")
	flags.Duration("request-timeout", cachesvc.DefaultRequestTimeout, "deadline of a single get or purge")
	flags.Bool("encrypt", false, "encrypt payload files at rest")
	flags.String("key", "", "hex-encoded 32-byte key when encryption enabled")
	flags.Bool("compress", true, "zstd-compress payload files")
	flags.Int("lru-entries", 1024, "payloads held in memory (negative disables)")
	flags.Int64("lru-bytes", 64<<20, "bytes held by the payload cache (0 means unbounded)")
	flags.Duration("gc-interval", time.Minute, "period of the payload sweeper (0 disables)")

	flags.String("addr", "localhost:50051", "server address used by client commands")
	flags.String("api-key", "", "API key sent by client commands")
	flags.String("log-level", "info", "log level: debug|info|warn|error")
	flags.String("log-format", "text", "log format: text|json")

	bindConfig("data_dir", flags.Lookup("data-dir"))
	bindConfig("chunk_size", flags.Lookup("chunk-size"))
	bindConfig("max_item_bytes", flags.Lookup("max-item-bytes"))
	bindConfig("idle_timeout", flags.Lookup("idle-timeout"))
	bindConfig("request_timeout", flags.Lookup("request-timeout"))
	bindConfig("encrypt", flags.Lookup("encrypt"))
	bindConfig("key", flags.Lookup("key"))
	bindConfig("compress", flags.Lookup("compress"))
	bindConfig("lru_entries", flags.Lookup("lru-entries"))
	bindConfig("lru_bytes", flags.Lookup("lru-bytes"))
	bindConfig("gc_interval", flags.Lookup("gc-interval"))

	bindConfig("addr", flags.Lookup("addr"))
	bindConfig("api_key", flags.Lookup("api-key"))
	bindConfig("log_level", flags.Lookup("log-level"))
	bindConfig("log_format", flags.Lookup("log-format"))
}

func initCommands() {
	rootCmd.AddCommand(
		newServeCmd(),
		newPutCmd(),
		newGetCmd(),
		newPurgeCmd(),
		newPokeCmd(),
		newChangesCmd(),
		newFamiliesCmd(),
		newGCCmd(),
	)
}

func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
