package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/fontbakery/dashcache/pkg/blob"
	"github.com/fontbakery/dashcache/pkg/manifest"
	"github.com/fontbakery/dashcache/pkg/rpc"
	"github.com/fontbakery/dashcache/pkg/xerrors"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("warn", "json", &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "collection", "C1")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"collection":"C1"`) {
		t.Fatalf("unexpected log output %q", out)
	}
	if _, err := newLogger("loud", "text", &buf); err == nil {
		t.Fatalf("expected bad level error")
	}
	if _, err := newLogger("info", "xml", &buf); err == nil {
		t.Fatalf("expected bad format error")
	}
}

func TestCoreConfigEncryption(t *testing.T) {
	opts, err := coreConfig{}.encryption()
	if err != nil || opts.Enabled() {
		t.Fatalf("expected encryption disabled, got %+v err=%v", opts, err)
	}
	if _, err := (coreConfig{Encrypt: true}).encryption(); err == nil {
		t.Fatalf("expected missing key error")
	}
	if _, err := (coreConfig{Encrypt: true, Key: "abcd"}).encryption(); err == nil {
		t.Fatalf("expected short key error")
	}
	opts, err = coreConfig{Encrypt: true, Key: testKey}.encryption()
	if err != nil || !opts.Enabled() || len(opts.Key) != 32 {
		t.Fatalf("unexpected options %+v err=%v", opts, err)
	}
}

func TestBuildSource(t *testing.T) {
	root := t.TempDir()
	if src, err := buildSource("dir", root); err != nil {
		t.Fatalf("unexpected error: %v", err)
	} else if _, ok := src.(*manifest.DirSource); !ok {
		t.Fatalf("expected dir source, got %T", src)
	}
	if src, err := buildSource("CSV", root); err != nil {
		t.Fatalf("unexpected error: %v", err)
	} else if _, ok := src.(*manifest.CSVSource); !ok {
		t.Fatalf("expected csv source, got %T", src)
	}
	if _, err := buildSource("git", root); err == nil {
		t.Fatalf("expected unknown source error")
	}
	if _, err := buildSource("dir", ""); err == nil {
		t.Fatalf("expected missing root error")
	}
}

func testCoreConfig(t *testing.T) coreConfig {
	t.Helper()
	return coreConfig{
		DataDir:    t.TempDir(),
		ChunkSize:  4,
		Compress:   true,
		Encrypt:    true,
		Key:        testKey,
		LRUEntries: 16,
	}
}

func TestOpenCorePersists(t *testing.T) {
	cfg := testCoreConfig(t)
	ctx := context.Background()

	c, err := openCore(cfg, discard())
	if err != nil {
		t.Fatalf("open core: %v", err)
	}
	key, err := c.blobs.Put(ctx, "fontbakery/reports", "text/plain", []byte("hello dashboard"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	c, err = openCore(cfg, discard())
	if err != nil {
		t.Fatalf("reopen core: %v", err)
	}
	defer c.Close()
	obj, err := c.blobs.Get(ctx, key)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if string(obj.Data) != "hello dashboard" || obj.ContentType != "text/plain" {
		t.Fatalf("unexpected object %+v", obj)
	}
}

func TestOpenCoreRejectsBadKey(t *testing.T) {
	cfg := testCoreConfig(t)
	cfg.Key = "nothex"
	if _, err := openCore(cfg, discard()); err == nil {
		t.Fatalf("expected key error")
	}
}

func TestCoreTracker(t *testing.T) {
	c, err := openCore(testCoreConfig(t), discard())
	if err != nil {
		t.Fatalf("open core: %v", err)
	}
	defer c.Close()

	root := t.TempDir()
	famDir := filepath.Join(root, "C1", "Abel")
	if err := os.MkdirAll(famDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(famDir, "Abel-Regular.ttf"), []byte("glyphs"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tracker, err := c.tracker(manifestConfig{Source: "dir", Root: root}, discard())
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	ctx := context.Background()
	res, err := tracker.Poke(ctx, "C1", false)
	if err != nil {
		t.Fatalf("poke: %v", err)
	}
	if len(res.Changes) != 1 || res.Changes[0].Family != "Abel" {
		t.Fatalf("unexpected poke result %+v", res)
	}

	changes, err := c.meta.ListChanges(ctx, 0, 0)
	if err != nil || len(changes) != 1 {
		t.Fatalf("expected one change, got %v err=%v", changes, err)
	}
	var out bytes.Buffer
	printChanges(&out, changes)
	if !strings.Contains(out.String(), "C1/Abel") {
		t.Fatalf("unexpected change listing %q", out.String())
	}

	bundle, err := c.snapshots.Load(ctx, changes[0].SnapshotKey)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if len(bundle.Files) != 1 || string(bundle.Files[0].Data) != "glyphs" {
		t.Fatalf("unexpected snapshot %+v", bundle)
	}
}

func TestServeUpload(t *testing.T) {
	c, err := openCore(testCoreConfig(t), discard())
	if err != nil {
		t.Fatalf("open core: %v", err)
	}
	defer c.Close()

	lis := bufconn.Listen(1 << 20)
	srv := newGRPCServer(serveOptions{APIKey: "secret"}, discard())
	rpc.RegisterCacheServer(srv, rpc.NewCacheHandler(c.cache))
	go srv.Serve(lis)
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := rpc.NewCacheClient(conn)

	ctx := context.Background()
	if _, err := upload(ctx, client, "ns", "text/plain", strings.NewReader("hello"), 2); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}

	authed := metadata.AppendToOutgoingContext(ctx, "x-api-key", "secret")
	key, err := upload(authed, client, "ns", "text/plain", strings.NewReader("hello"), 2)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if want := blob.KeyFor("ns", "text/plain", []byte("hello")); key != want {
		t.Fatalf("key = %s, want %s", key, want)
	}
	payload, err := client.Get(authed, rpc.NewCacheKey(key))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(payload.Value) != "hello" || payload.TypeURL != "text/plain" {
		t.Fatalf("unexpected payload %+v", payload)
	}

	if _, err := upload(authed, client, "ns", "", strings.NewReader("hello"), 2); !xerrors.Is(err, xerrors.KindInvalidStream) {
		t.Fatalf("expected invalid stream for a rejected upload, got %v", err)
	}
}

func TestLogCacheStats(t *testing.T) {
	c, err := openCore(testCoreConfig(t), discard())
	if err != nil {
		t.Fatalf("open core: %v", err)
	}
	defer c.Close()
	ctx := context.Background()
	key, err := c.blobs.Put(ctx, "ns", "text/plain", []byte("cached"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := c.blobs.Get(ctx, key); err != nil {
			t.Fatalf("get: %v", err)
		}
	}

	var buf bytes.Buffer
	logCacheStats(ctx, c.blobs, slog.New(slog.NewTextHandler(&buf, nil)))
	out := buf.String()
	if !strings.Contains(out, "hits=2") || !strings.Contains(out, "entries=1") {
		t.Fatalf("unexpected stats line %q", out)
	}
}
