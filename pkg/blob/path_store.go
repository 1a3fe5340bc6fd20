package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/fontbakery/dashcache/pkg/encryption"
	"github.com/fontbakery/dashcache/pkg/xerrors"
)

// Payload file frame tags. The tag is the first byte of the (decrypted) file.
const (
	frameRaw  byte = 'R'
	frameZstd byte = 'Z'
)

// zstd.Encoder and zstd.Decoder are safe for concurrent EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
	if err != nil {
		panic("blob: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("blob: zstd decoder initialization failed: " + err.Error())
	}
}

// PathOptions configures payload encoding at rest.
type PathOptions struct {
	Compress   bool
	Encryption encryption.Options
}

// PathStore persists payloads on the local filesystem under
// <root>/<id[:2]>/<id[2:4]>/<id>.
type PathStore struct {
	root string
	opts PathOptions
}

// NewPathStore returns a PayloadStore rooted at path.
func NewPathStore(root string, opts PathOptions) (*PathStore, error) {
	if root == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "PathStore", "root")
	}
	if err := opts.Encryption.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "PathStore", root, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "PathStore.mkdir", root, err)
	}
	return &PathStore{root: root, opts: opts}, nil
}

// Put writes data under id unless a file already exists there. Payloads are
// content addressed, so an existing file already holds the same bytes. The
// returned size is the number of bytes on disk.
func (p *PathStore) Put(ctx context.Context, id ID, data []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	finalPath := p.pathForID(id)
	if info, err := os.Stat(finalPath); err == nil {
		return info.Size(), nil
	} else if !os.IsNotExist(err) {
		return 0, xerrors.Wrap(xerrors.KindInternal, "PathStore.stat", string(id), err)
	}
	encoded, err := p.encode(data)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.KindInternal, "PathStore.encode", string(id), err)
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return 0, xerrors.Wrap(xerrors.KindInternal, "PathStore.mkdir", string(id), err)
	}
	file, err := os.CreateTemp(filepath.Dir(finalPath), ".upload-*")
	if err != nil {
		return 0, xerrors.Wrap(xerrors.KindInternal, "PathStore.temp", string(id), err)
	}
	tmpName := file.Name()
	if _, err := file.Write(encoded); err != nil {
		file.Close()
		os.Remove(tmpName)
		return 0, xerrors.Wrap(xerrors.KindInternal, "PathStore.write", string(id), err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpName)
		return 0, xerrors.Wrap(xerrors.KindInternal, "PathStore.sync", string(id), err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpName)
		return 0, xerrors.Wrap(xerrors.KindInternal, "PathStore.close", string(id), err)
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		os.Remove(tmpName)
		return 0, xerrors.Wrap(xerrors.KindInternal, "PathStore.rename", string(id), err)
	}
	return int64(len(encoded)), nil
}

// Get returns the decoded payload stored under id.
func (p *PathStore) Get(ctx context.Context, id ID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(p.pathForID(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, xerrors.Wrap(xerrors.KindNotFound, "PathStore.get", string(id), err)
		}
		return nil, xerrors.Wrap(xerrors.KindInternal, "PathStore.get", string(id), err)
	}
	data, err := p.decode(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "PathStore.decode", string(id), err)
	}
	return data, nil
}

// Delete removes the payload file. Deleting a missing file is not an error.
func (p *PathStore) Delete(ctx context.Context, id ID) error {
	err := os.Remove(p.pathForID(id))
	if err != nil && !os.IsNotExist(err) {
		return xerrors.Wrap(xerrors.KindInternal, "PathStore.delete", string(id), err)
	}
	return nil
}

func (p *PathStore) encode(data []byte) ([]byte, error) {
	framed := make([]byte, 0, len(data)+1)
	if p.opts.Compress && len(data) > 0 {
		framed = append(framed, frameZstd)
		framed = zstdEncoder.EncodeAll(data, framed)
		// Incompressible payloads are kept raw.
		if len(framed) > len(data)+1 {
			framed = append(framed[:0], frameRaw)
			framed = append(framed, data...)
		}
	} else {
		framed = append(framed, frameRaw)
		framed = append(framed, data...)
	}
	return encryption.Encrypt(framed, p.opts.Encryption)
}

func (p *PathStore) decode(raw []byte) ([]byte, error) {
	framed, err := encryption.Decrypt(raw, p.opts.Encryption)
	if err != nil {
		return nil, err
	}
	if len(framed) == 0 {
		return nil, errors.New("payload file is empty")
	}
	switch framed[0] {
	case frameRaw:
		return append([]byte{}, framed[1:]...), nil
	case frameZstd:
		return zstdDecoder.DecodeAll(framed[1:], nil)
	default:
		return nil, fmt.Errorf("unknown payload frame %q", framed[0])
	}
}

func (p *PathStore) pathForID(id ID) string {
	name := string(id)
	if len(name) < 4 {
		return filepath.Join(p.root, name)
	}
	return filepath.Join(p.root, name[:2], name[2:4], name)
}
