package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"

	"github.com/fontbakery/dashcache/pkg/cache"
	"github.com/fontbakery/dashcache/pkg/manifest"
	"github.com/fontbakery/dashcache/pkg/rpc"
	"github.com/fontbakery/dashcache/pkg/server/middleware"
)

type serveOptions struct {
	Addr         string
	APIKey       string
	RateLimit    int
	RateWindow   time.Duration
	GCInterval   time.Duration
	Collections  []string
	PollInterval time.Duration
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Cache and Manifest gRPC services",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := serveOptions{
				Addr:         viper.GetString("serve.addr"),
				APIKey:       viper.GetString("serve.api_key"),
				RateLimit:    viper.GetInt("serve.rate_limit"),
				RateWindow:   viper.GetDuration("serve.rate_window"),
				GCInterval:   viper.GetDuration("gc_interval"),
				Collections:  viper.GetStringSlice("manifest.collections"),
				PollInterval: viper.GetDuration("manifest.poll_interval"),
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, loadCoreConfig(), loadManifestConfig(), slog.Default())
		},
	}
	flags := cmd.Flags()
	flags.String("listen", ":50051", "listen address")
	flags.String("server-api-key", "", "require API key (x-api-key or bearer token)")
	flags.Int("rate-limit", 0, "calls allowed per rate window (0 disables)")
	flags.Duration("rate-window", time.Second, "rate limit window")
	flags.String("manifest-source", "dir", "manifest source: dir|csv")
	flags.String("manifest-root", "", "root of the upstream family trees (empty disables the Manifest service)")
	flags.StringSlice("collections", nil, "collections polled periodically")
	flags.StringSlice("whitelist", nil, "only update these families")
	flags.Duration("poll-interval", 0, "period of the collection poll (0 disables)")
	flags.Duration("poke-timeout", manifest.DefaultPokeTimeout, "deadline of one update cycle")
	flags.Int("poll-retries", manifest.DefaultPollRetries, "retries of an unavailable source (negative disables)")
	flags.Int("parallel", manifest.DefaultParallel, "concurrent family commits per cycle")
	bindConfig("serve.addr", flags.Lookup("listen"))
	bindConfig("serve.api_key", flags.Lookup("server-api-key"))
	bindConfig("serve.rate_limit", flags.Lookup("rate-limit"))
	bindConfig("serve.rate_window", flags.Lookup("rate-window"))
	bindConfig("manifest.source", flags.Lookup("manifest-source"))
	bindConfig("manifest.root", flags.Lookup("manifest-root"))
	bindConfig("manifest.collections", flags.Lookup("collections"))
	bindConfig("manifest.whitelist", flags.Lookup("whitelist"))
	bindConfig("manifest.poll_interval", flags.Lookup("poll-interval"))
	bindConfig("manifest.poke_timeout", flags.Lookup("poke-timeout"))
	bindConfig("manifest.poll_retries", flags.Lookup("poll-retries"))
	bindConfig("manifest.parallel", flags.Lookup("parallel"))
	return cmd
}

func runServe(ctx context.Context, opts serveOptions, coreCfg coreConfig, manifestCfg manifestConfig, logger *slog.Logger) error {
	c, err := openCore(coreCfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	lis, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return err
	}
	srv := newGRPCServer(opts, logger)
	rpc.RegisterCacheServer(srv, rpc.NewCacheHandler(c.cache))

	if manifestCfg.Root != "" {
		tracker, err := c.tracker(manifestCfg, logger)
		if err != nil {
			lis.Close()
			return err
		}
		rpc.RegisterManifestServer(srv, rpc.NewManifestHandler(tracker))
		if len(opts.Collections) > 0 && opts.PollInterval > 0 {
			go tracker.Run(ctx, opts.Collections, opts.PollInterval)
		}
	} else {
		rpc.RegisterManifestServer(srv, rpc.UnimplementedManifestServer{})
	}

	if opts.GCInterval > 0 {
		stopGC := c.sweeper.Start(ctx, opts.GCInterval)
		defer stopGC()
		go reportCacheStats(ctx, c.blobs, opts.GCInterval, logger)
	}
	defer logCacheStats(context.WithoutCancel(ctx), c.blobs, logger)

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
	logger.Info("serving", "addr", lis.Addr().String(), "manifest", manifestCfg.Root != "")
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func newGRPCServer(opts serveOptions, logger *slog.Logger) *grpc.Server {
	return grpc.NewServer(middleware.ServerOptions(
		middleware.Logging(logger.With("component", "rpc")),
		middleware.APIKeyAuth(opts.APIKey),
		middleware.RateLimit(middleware.RateLimitOptions{
			Requests: opts.RateLimit,
			Window:   opts.RateWindow,
		}),
	)...)
}

type cacheStatser interface {
	CacheStats() cache.Stats
}

func reportCacheStats(ctx context.Context, blobs cacheStatser, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logCacheStats(ctx, blobs, logger)
		}
	}
}

func logCacheStats(ctx context.Context, blobs cacheStatser, logger *slog.Logger) {
	st := blobs.CacheStats()
	logger.InfoContext(ctx, "payload cache",
		"hits", st.Hits,
		"misses", st.Misses,
		"entries", st.Size,
		"bytes", st.Bytes,
		"evictions", st.Evictions)
}
