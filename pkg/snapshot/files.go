package snapshot

import (
	"fmt"

	"github.com/fontbakery/dashcache/pkg/codec"
	"github.com/fontbakery/dashcache/pkg/family"
	"github.com/fontbakery/dashcache/pkg/xerrors"
)

// ContentType is the content type of a stored snapshot bundle.
const ContentType = "application/vnd.fontbakery.files+cbor"

// Files is the snapshot bundle of one family.
type Files struct {
	Collection  string             `cbor:"collection"`
	Family      string             `cbor:"family"`
	Fingerprint family.Fingerprint `cbor:"fingerprint"`
	Files       []family.File      `cbor:"files"`
}

// Namespace is the cache namespace snapshots of a family are stored under.
func Namespace(collection, name string) string {
	return collection + "/" + name
}

// Encode renders the bundle canonically: files sorted by name, empty files
// encoded as empty byte strings, deterministic CBOR. Equal file sets always
// encode to equal bytes.
func Encode(bundle Files) ([]byte, error) {
	files := family.Sorted(bundle.Files)
	for i := range files {
		if files[i].Data == nil {
			files[i].Data = []byte{}
		}
	}
	bundle.Files = files
	bundle.Fingerprint = family.Compute(files)
	return codec.Marshal(bundle)
}

// Decode parses a bundle and checks it against its recorded fingerprint.
func Decode(data []byte) (Files, error) {
	var bundle Files
	if err := codec.Unmarshal(data, &bundle); err != nil {
		return Files{}, xerrors.Wrap(xerrors.KindInvalid, "decode snapshot", "", err)
	}
	if got := family.Compute(bundle.Files); got != bundle.Fingerprint {
		return Files{}, xerrors.Wrap(xerrors.KindInternal, "decode snapshot", Namespace(bundle.Collection, bundle.Family),
			fmt.Errorf("fingerprint %s does not match recorded %s", got, bundle.Fingerprint))
	}
	return bundle, nil
}
