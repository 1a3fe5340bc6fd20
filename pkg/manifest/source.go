package manifest

import (
	"context"
	"errors"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/fontbakery/dashcache/pkg/family"
	"github.com/fontbakery/dashcache/pkg/xerrors"
)

// Family is the current file set of one upstream family.
type Family struct {
	Name  string
	Files []family.File
}

// Listing is what a source reports for one collection. Reports carries
// per-family notes produced while reading the source, such as skipped rows.
type Listing struct {
	Families []Family
	Reports  []FamilyReport
}

// Source lists the families of a collection. Transient failures must be
// reported with xerrors.KindUnavailable so the tracker retries them; an
// unknown collection is KindNotFound.
type Source interface {
	Families(ctx context.Context, collection string) (Listing, error)
}

// DirSource reads collections laid out as <root>/<collection>/<family>/...
// Every regular file below a family directory belongs to the family, named
// by its slash-separated path relative to that directory. Entries starting
// with a dot are ignored.
type DirSource struct {
	FS billy.Filesystem
}

// NewDirSource returns a DirSource over fs.
func NewDirSource(fs billy.Filesystem) *DirSource {
	return &DirSource{FS: fs}
}

func (d *DirSource) Families(ctx context.Context, collection string) (Listing, error) {
	if err := validateSegment(collection); err != nil {
		return Listing{}, err
	}
	entries, err := d.FS.ReadDir(collection)
	if err != nil {
		return Listing{}, fsError("list collection", collection, err)
	}
	var listing Listing
	for _, entry := range entries {
		if !entry.IsDir() || hidden(entry.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Listing{}, err
		}
		files, err := readTree(ctx, d.FS, path.Join(collection, entry.Name()), nil)
		if err != nil {
			return Listing{}, err
		}
		listing.Families = append(listing.Families, Family{Name: entry.Name(), Files: files})
	}
	sort.Slice(listing.Families, func(i, j int) bool { return listing.Families[i].Name < listing.Families[j].Name })
	return listing, nil
}

// readTree collects the regular files below dir. keep, when non-nil, filters
// by relative name.
func readTree(ctx context.Context, fs billy.Filesystem, dir string, keep func(name string) bool) ([]family.File, error) {
	var files []family.File
	var walk func(rel string) error
	walk = func(rel string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := fs.ReadDir(path.Join(dir, rel))
		if err != nil {
			return fsError("list", path.Join(dir, rel), err)
		}
		for _, entry := range entries {
			if hidden(entry.Name()) {
				continue
			}
			name := path.Join(rel, entry.Name())
			switch {
			case entry.IsDir():
				if err := walk(name); err != nil {
					return err
				}
			case entry.Mode().IsRegular():
				if keep != nil && !keep(name) {
					continue
				}
				data, err := util.ReadFile(fs, path.Join(dir, name))
				if err != nil {
					return fsError("read", path.Join(dir, name), err)
				}
				files = append(files, family.File{Name: name, Data: data})
			}
		}
		return nil
	}
	if err := walk(""); err != nil {
		return nil, err
	}
	return family.Sorted(files), nil
}

func fsError(op, name string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return xerrors.Wrap(xerrors.KindNotFound, op, name, err)
	}
	return xerrors.Wrap(xerrors.KindUnavailable, op, name, err)
}

func validateSegment(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return xerrors.E(xerrors.KindInvalid, "collection", name)
	}
	return nil
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
