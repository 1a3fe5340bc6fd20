package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/viper"

	"github.com/fontbakery/dashcache/pkg/blob"
	"github.com/fontbakery/dashcache/pkg/cachesvc"
	"github.com/fontbakery/dashcache/pkg/encryption"
	"github.com/fontbakery/dashcache/pkg/gc"
	"github.com/fontbakery/dashcache/pkg/manifest"
	"github.com/fontbakery/dashcache/pkg/meta"
	"github.com/fontbakery/dashcache/pkg/snapshot"
)

type coreConfig struct {
	DataDir        string
	ChunkSize      int
	MaxItemBytes   int64
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	Encrypt        bool
	Key            string
	Compress       bool
	LRUEntries     int
	LRUBytes       int64
}

func loadCoreConfig() coreConfig {
	return coreConfig{
		DataDir:        viper.GetString("data_dir"),
		ChunkSize:      viper.GetInt("chunk_size"),
		MaxItemBytes:   viper.GetInt64("max_item_bytes"),
		IdleTimeout:    viper.GetDuration("idle_timeout"),
		RequestTimeout: viper.GetDuration("request_timeout"),
		Encrypt:        viper.GetBool("encrypt"),
		Key:            viper.GetString("key"),
		Compress:       viper.GetBool("compress"),
		LRUEntries:     viper.GetInt("lru_entries"),
		LRUBytes:       viper.GetInt64("lru_bytes"),
	}
}

func (c coreConfig) encryption() (encryption.Options, error) {
	if !c.Encrypt {
		return encryption.Options{Method: encryption.MethodNone}, nil
	}
	key, err := encryption.ParseKey(c.Key)
	if err != nil {
		return encryption.Options{}, err
	}
	return encryption.Options{Method: encryption.MethodAES256CTR, Key: key}, nil
}

// core is the storage stack shared by the serve and maintenance commands.
type core struct {
	meta      *meta.BoltStore
	payloads  *blob.PathStore
	blobs     *blob.Store
	cache     *cachesvc.Service
	snapshots *snapshot.Coordinator
	sweeper   *gc.Sweeper
}

func openCore(cfg coreConfig, logger *slog.Logger) (*core, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("data dir is required")
	}
	enc, err := cfg.encryption()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	metaStore, err := meta.NewBoltStore(meta.BoltConfig{Path: filepath.Join(cfg.DataDir, "meta.db")})
	if err != nil {
		return nil, err
	}
	c := &core{meta: metaStore}
	if err := c.wire(cfg, enc, logger); err != nil {
		metaStore.Close()
		return nil, err
	}
	return c, nil
}

func (c *core) wire(cfg coreConfig, enc encryption.Options, logger *slog.Logger) error {
	var err error
	c.payloads, err = blob.NewPathStore(filepath.Join(cfg.DataDir, "blobs"), blob.PathOptions{
		Compress:   cfg.Compress,
		Encryption: enc,
	})
	if err != nil {
		return err
	}
	c.blobs, err = blob.NewStore(blob.StoreOptions{
		Index:        c.meta,
		Payloads:     c.payloads,
		CacheEntries: cfg.LRUEntries,
		CacheBytes:   cfg.LRUBytes,
		Logger:       logger.With("component", "blob"),
	})
	if err != nil {
		return err
	}
	c.cache, err = cachesvc.New(cachesvc.Options{
		Backend:        c.blobs,
		MaxItemBytes:   cfg.MaxItemBytes,
		IdleTimeout:    cfg.IdleTimeout,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger.With("component", "cache"),
	})
	if err != nil {
		return err
	}
	c.snapshots, err = snapshot.New(snapshot.Options{
		Cache:     c.cache,
		Store:     c.meta,
		ChunkSize: cfg.ChunkSize,
		Logger:    logger.With("component", "snapshot"),
	})
	if err != nil {
		return err
	}
	c.sweeper = gc.NewSweeper(gc.Options{
		Store:    c.meta,
		Payloads: c.payloads,
		Lock:     c.blobs.GCLock(),
		OnDelete: c.blobs.Forget,
		Logger:   logger.With("component", "gc"),
	})
	return nil
}

func (c *core) Close() error {
	return c.meta.Close()
}

type manifestConfig struct {
	Source      string
	Root        string
	Whitelist   []string
	PokeTimeout time.Duration
	PollRetries int
	Parallel    int
}

func loadManifestConfig() manifestConfig {
	return manifestConfig{
		Source:      viper.GetString("manifest.source"),
		Root:        viper.GetString("manifest.root"),
		Whitelist:   viper.GetStringSlice("manifest.whitelist"),
		PokeTimeout: viper.GetDuration("manifest.poke_timeout"),
		PollRetries: viper.GetInt("manifest.poll_retries"),
		Parallel:    viper.GetInt("manifest.parallel"),
	}
}

func buildSource(kind, root string) (manifest.Source, error) {
	if root == "" {
		return nil, errors.New("manifest root is required")
	}
	fs := osfs.New(root)
	switch strings.ToLower(kind) {
	case "", "dir":
		return manifest.NewDirSource(fs), nil
	case "csv":
		return manifest.NewCSVSource(fs), nil
	default:
		return nil, fmt.Errorf("unknown manifest source %q", kind)
	}
}

func (c *core) tracker(cfg manifestConfig, logger *slog.Logger) (*manifest.Tracker, error) {
	source, err := buildSource(cfg.Source, cfg.Root)
	if err != nil {
		return nil, err
	}
	return manifest.New(manifest.Options{
		Source:      source,
		Records:     c.meta,
		Committer:   c.snapshots,
		Whitelist:   cfg.Whitelist,
		PokeTimeout: cfg.PokeTimeout,
		PollRetries: cfg.PollRetries,
		Parallel:    cfg.Parallel,
		Logger:      logger.With("component", "manifest"),
	})
}
