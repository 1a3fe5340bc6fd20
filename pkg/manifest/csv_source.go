package manifest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"

	"github.com/fontbakery/dashcache/pkg/xerrors"
)

var (
	acceptedStatuses = map[string]bool{"OK": true, "NOTE": true}

	knownSkippedStatuses = map[string]bool{
		"ZIP": true, "TTF": true, "?": true, "RENAMED": true, "TTX": true,
		"UFO": true, "GH-PAGES": true, "OTF": true, "SOURCE-ONLY": true, "": true,
		"404-ERROR": true, "NOT-ON-GFONTS": true, "NOT-ON-GH": true,
	}

	// Files kept regardless of the font files prefix.
	alwaysAllowed = map[string]bool{
		"METADATA.pb":            true,
		"DESCRIPTION.en_us.html": true,
		"OFL.txt":                true,
		"LICENSE.txt":            true,
	}
)

// CSVSource reads a family sheet per collection from <collection>.csv at the
// root of FS. Required columns are "Family", "Status" and "Upstream"; an
// optional "Font Files Prefix" column ("dir/prefix") narrows the files taken
// from the upstream directory. Headers match case-insensitively. Upstream is
// a directory inside FS.
type CSVSource struct {
	FS billy.Filesystem
}

// NewCSVSource returns a CSVSource over fs.
func NewCSVSource(fs billy.Filesystem) *CSVSource {
	return &CSVSource{FS: fs}
}

type csvColumns struct {
	family, status, upstream, prefix int
}

func (c *CSVSource) Families(ctx context.Context, collection string) (Listing, error) {
	if err := validateSegment(collection); err != nil {
		return Listing{}, err
	}
	name := collection + ".csv"
	f, err := c.FS.Open(name)
	if err != nil {
		return Listing{}, fsError("open sheet", name, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return Listing{}, nil
		}
		return Listing{}, xerrors.Wrap(xerrors.KindInvalid, "read sheet", name, err)
	}
	cols, err := mapColumns(header)
	if err != nil {
		return Listing{}, xerrors.Wrap(xerrors.KindInvalid, "read sheet", name, err)
	}

	var (
		listing Listing
		seen    = make(map[string]bool)
	)
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Listing{}, xerrors.Wrap(xerrors.KindInvalid, "read sheet", name, err)
		}
		if err := ctx.Err(); err != nil {
			return Listing{}, err
		}
		familyName := field(row, cols.family)
		if familyName == "" {
			continue
		}
		rawStatus := field(row, cols.status)
		status := strings.ToUpper(rawStatus)
		if !acceptedStatuses[status] {
			if knownSkippedStatuses[status] {
				listing.Reports = append(listing.Reports, FamilyReport{Family: familyName, Status: ReportSkipped, Message: "ignored status: " + rawStatus})
			} else {
				listing.Reports = append(listing.Reports, FamilyReport{Family: familyName, Status: ReportWarning, Message: "unrecognized status (skipped): " + rawStatus})
			}
			continue
		}
		if status != rawStatus {
			listing.Reports = append(listing.Reports, FamilyReport{Family: familyName, Status: ReportWarning,
				Message: fmt.Sprintf("bad status style: %s should be: %s", rawStatus, status)})
		}
		if seen[familyName] {
			listing.Reports = append(listing.Reports, FamilyReport{Family: familyName, Status: ReportWarning, Message: "skipped duplicate family row"})
			continue
		}
		seen[familyName] = true

		fam, err := c.readFamily(ctx, familyName, field(row, cols.upstream), field(row, cols.prefix))
		if err != nil {
			if ctx.Err() != nil {
				return Listing{}, ctx.Err()
			}
			listing.Reports = append(listing.Reports, FamilyReport{Family: familyName, Status: ReportFailed, Message: err.Error()})
			continue
		}
		listing.Families = append(listing.Families, fam)
	}
	return listing, nil
}

func (c *CSVSource) readFamily(ctx context.Context, name, upstream, fontFilesPrefix string) (Family, error) {
	if upstream == "" {
		return Family{}, xerrors.E(xerrors.KindInvalid, "upstream", "missing")
	}
	dir, filesPrefix := splitFilesPrefix(fontFilesPrefix)
	root := path.Clean(path.Join(upstream, dir))
	if root == ".." || strings.HasPrefix(root, "../") || path.IsAbs(root) {
		return Family{}, xerrors.E(xerrors.KindInvalid, "upstream", root)
	}
	// The prefix applies to file names at any depth below root.
	keep := func(rel string) bool {
		base := path.Base(rel)
		return alwaysAllowed[base] || filesPrefix == "" || strings.HasPrefix(base, filesPrefix)
	}
	files, err := readTree(ctx, c.FS, root, keep)
	if err != nil {
		return Family{}, err
	}
	return Family{Name: name, Files: files}, nil
}

// splitFilesPrefix splits "fonts/ttf/Foo-" into the directory "fonts/ttf" and
// the file name prefix "Foo-".
func splitFilesPrefix(s string) (dir, prefix string) {
	s = strings.TrimSpace(s)
	i := strings.LastIndex(s, "/")
	if i < 0 {
		return "", s
	}
	return s[:i], s[i+1:]
}

func mapColumns(header []string) (csvColumns, error) {
	cols := csvColumns{family: -1, status: -1, upstream: -1, prefix: -1}
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "family":
			cols.family = i
		case "status":
			cols.status = i
		case "upstream":
			cols.upstream = i
		case "font files prefix", "fontfiles prefix":
			cols.prefix = i
		}
	}
	switch {
	case cols.family < 0:
		return cols, fmt.Errorf("missing column %q", "Family")
	case cols.status < 0:
		return cols, fmt.Errorf("missing column %q", "Status")
	case cols.upstream < 0:
		return cols, fmt.Errorf("missing column %q", "Upstream")
	}
	return cols, nil
}

func field(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
