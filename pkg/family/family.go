// Package family holds the file-set model of an upstream font family and the
// order-independent fingerprint used to detect updates.
package family

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"
)

// File is one named file of a family at a point in time.
type File struct {
	Name string `cbor:"name"`
	Data []byte `cbor:"data"`
}

// Hash is a 32-byte BLAKE3 digest.
type Hash [32]byte

// Fingerprint summarises a family's file set. The zero value means "no
// fingerprint recorded yet".
type Fingerprint Hash

type domainKey [32]byte

// Domain separation keys: the ASCII domain name zero-padded to 32 bytes.
// Changing them invalidates every stored fingerprint.
var (
	fileDomainKey = domainKey{
		'f', 'o', 'n', 't', 'b', 'a', 'k', 'e', 'r', 'y', '.', 'm', 'a', 'n', 'i', 'f',
		'e', 's', 't', '.', 'f', 'i', 'l', 'e', 0, 0, 0, 0, 0, 0, 0, 0,
	}

	familyDomainKey = domainKey{
		'f', 'o', 'n', 't', 'b', 'a', 'k', 'e', 'r', 'y', '.', 'm', 'a', 'n', 'i', 'f',
		'e', 's', 't', '.', 'f', 'a', 'm', 'i', 'l', 'y', 0, 0, 0, 0, 0, 0,
	}
)

// HashFile hashes a file's name and content. The name takes part so a rename
// is reported as a change.
func HashFile(f File) Hash {
	hasher := newKeyed(fileDomainKey)
	hasher.Write([]byte(f.Name))
	hasher.Write([]byte{0})
	hasher.Write(f.Data)
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

// Compute returns the fingerprint of files. The per-file hashes are sorted
// before being combined, so the order of files never matters.
func Compute(files []File) Fingerprint {
	hashes := make([]Hash, len(files))
	for i, f := range files {
		hashes[i] = HashFile(f)
	}
	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i][:], hashes[j][:]) < 0
	})
	hasher := newKeyed(familyDomainKey)
	for _, h := range hashes {
		hasher.Write(h[:])
	}
	var fp Fingerprint
	copy(fp[:], hasher.Sum(nil))
	return fp
}

// Sorted returns a copy of files ordered by name.
func Sorted(files []File) []File {
	out := make([]File, len(files))
	copy(out, files)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsZero reports whether no fingerprint is set.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// String returns the hex encoding, or "none" for the zero fingerprint.
func (f Fingerprint) String() string {
	if f.IsZero() {
		return "none"
	}
	return hex.EncodeToString(f[:])
}

// MarshalText implements encoding.TextMarshaler.
func (f Fingerprint) MarshalText() ([]byte, error) {
	if f.IsZero() {
		return []byte{}, nil
	}
	return []byte(hex.EncodeToString(f[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*f = Fingerprint{}
		return nil
	}
	parsed, err := ParseFingerprint(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ParseFingerprint parses a 64-character hex fingerprint. An empty string
// yields the zero fingerprint.
func ParseFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	if s == "" || s == "none" {
		return fp, nil
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fp, fmt.Errorf("parsing fingerprint: %w", err)
	}
	if len(decoded) != len(fp) {
		return fp, fmt.Errorf("fingerprint is %d bytes, want %d", len(decoded), len(fp))
	}
	copy(fp[:], decoded)
	return fp, nil
}

func newKeyed(key domainKey) *blake3.Hasher {
	// NewKeyed only fails for keys that are not 32 bytes.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("family: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return hasher
}
