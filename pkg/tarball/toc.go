package tarball

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/perfscale/pbench-indexer/pkg/timestamp"
)

// TOCFile is one non-directory entry of the table of contents, grouped
// under its parent directory.
type TOCFile struct {
	Name     string
	Size     int64
	Mode     string
	MTime    string
	Type     string
	LinkPath string
}

// TOCEntry is the table of contents record for one directory of the
// archive. Directory is the prefix-relative path, always "/"-wrapped.
type TOCEntry struct {
	Directory string
	Mode      string
	MTime     string
	Files     []TOCFile
}

// Source renders the entry as the field mapping indexed for it.
func (e *TOCEntry) Source() map[string]any {
	source := map[string]any{
		"directory": e.Directory,
		"mode":      e.Mode,
		"mtime":     e.MTime,
	}

	if len(e.Files) > 0 {
		files := make([]any, 0, len(e.Files))
		for _, f := range e.Files {
			fm := map[string]any{
				"name":  f.Name,
				"size":  f.Size,
				"mode":  f.Mode,
				"mtime": f.MTime,
				"type":  f.Type,
			}

			if f.LinkPath != "" {
				fm["linkpath"] = f.LinkPath
			}

			files = append(files, fm)
		}

		source["files"] = files
	}

	return source
}

func entryType(mode fs.FileMode) string {
	switch {
	case mode.IsRegular():
		return "reg"
	case mode&fs.ModeSymlink != 0:
		return "sym"
	case mode&fs.ModeNamedPipe != 0:
		return "fifo"
	case mode&fs.ModeCharDevice != 0:
		return "chr"
	case mode&fs.ModeDevice != 0:
		return "blk"
	case mode&fs.ModeSocket != 0:
		return "sock"
	default:
		return "unk"
	}
}

// TOC walks the extracted tree and returns one entry per directory, each
// grouping its immediate file children. Entries are sorted by directory
// path, file lists by name then mtime.
func (tb *Tarball) TOC() ([]*TOCEntry, error) {
	dirs := map[string]*TOCEntry{}

	err := filepath.WalkDir(tb.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(tb.Root, path)
		if err != nil {
			return err
		}

		info, err := os.Lstat(path)
		if err != nil {
			return err
		}

		mode := fmt.Sprintf("%#o", info.Mode().Perm())
		mtime := timestamp.Format(info.ModTime())

		if d.IsDir() {
			dname := "/"
			if rel != "." {
				dname = "/" + rel + "/"
			}

			dirs[dname] = &TOCEntry{
				Directory: dname,
				Mode:      mode,
				MTime:     mtime,
			}

			return nil
		}

		dname := "/"
		if parent := filepath.Dir(rel); parent != "." {
			dname = "/" + parent + "/"
		}

		file := TOCFile{
			Name:  d.Name(),
			Size:  info.Size(),
			Mode:  mode,
			MTime: mtime,
			Type:  entryType(info.Mode()),
		}

		if info.Mode()&fs.ModeSymlink != 0 {
			if target, err := os.Readlink(path); err == nil {
				file.LinkPath = target
			}
		}

		parent, ok := dirs[dname]
		if !ok {
			return fmt.Errorf("file %q seen before its directory %q", rel, dname)
		}

		parent.Files = append(parent.Files, file)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking table of contents: %w", err)
	}

	names := make([]string, 0, len(dirs))
	for name := range dirs {
		names = append(names, name)
	}

	sort.Strings(names)

	entries := make([]*TOCEntry, 0, len(names))
	for _, name := range names {
		entry := dirs[name]
		sort.Slice(entry.Files, func(i, j int) bool {
			if entry.Files[i].Name != entry.Files[j].Name {
				return entry.Files[i].Name < entry.Files[j].Name
			}

			return entry.Files[i].MTime < entry.Files[j].MTime
		})

		entries = append(entries, entry)
	}

	return entries, nil
}
