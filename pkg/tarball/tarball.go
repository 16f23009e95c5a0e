// Package tarball models one extracted benchmark result archive: its
// identity, metadata.log contents, run time window, iteration/sample layout,
// table of contents, and the sosreport-derived host information consumed by
// tool data discovery.
package tarball

import (
	"archive/tar"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
	"gopkg.in/ini.v1"

	"github.com/perfscale/pbench-indexer/pkg/timestamp"
)

// ArchiveSuffix is the packaging suffix every pbench result archive carries.
const ArchiveSuffix = ".tar.xz"

// UnsupportedTarballFormatError reports a structural violation of the
// archive: wrong prefix, missing metadata.log, missing extraction.
type UnsupportedTarballFormatError struct {
	Archive string
	Reason  string
}

func (e *UnsupportedTarballFormatError) Error() string {
	return fmt.Sprintf("%s: unsupported tar ball format: %s", e.Archive, e.Reason)
}

// BadMetadataFormatError reports a required metadata.log field that is
// absent or empty, or a metadata value that fails validation.
type BadMetadataFormatError struct {
	Archive string
	Reason  string
}

func (e *BadMetadataFormatError) Error() string {
	return fmt.Sprintf("%s: bad metadata.log format: %s", e.Archive, e.Reason)
}

// Tarball is the immutable description of one extracted archive.
type Tarball struct {
	log logrus.FieldLogger

	// ArchivePath is the tar ball file itself; Root is the extracted
	// prefix directory its members were unpacked into.
	ArchivePath string
	Root        string

	// Prefix is the archive's single top-level directory name, the
	// archive file name minus the packaging suffix.
	Prefix string

	// MD5 is the run identity, read from the companion .md5 file.
	MD5 string

	Size  int64
	MTime time.Time

	// ControllerDir is the on-disk parent directory name, possibly
	// "satellite::controller"; Controller is the bare controller name.
	ControllerDir string
	Controller    string
	Satellite     string

	Name       string
	Script     string
	ToolsGroup string

	StartRun time.Time
	EndRun   time.Time
	Window   timestamp.Window

	// RunMetadata is the merged run/pbench metadata indexed under "run";
	// AtMetadata describes the tar ball file itself, indexed under
	// "@metadata".
	RunMetadata map[string]any
	AtMetadata  map[string]any

	md *ini.File
}

func unsupported(archive, format string, args ...any) error {
	return &UnsupportedTarballFormatError{
		Archive: archive,
		Reason:  fmt.Sprintf(format, args...),
	}
}

func badMetadata(archive, format string, args ...any) error {
	return &BadMetadataFormatError{
		Archive: archive,
		Reason:  fmt.Sprintf(format, args...),
	}
}

// Open constructs the model for one archive. archivePath is the tar ball
// file under ARCHIVE/<controller>/; extractedRoot is the directory its
// contents were unpacked into (so the run's files live at
// extractedRoot/<prefix>/).
func Open(log logrus.FieldLogger, archivePath, extractedRoot string) (*Tarball, error) {
	base := filepath.Base(archivePath)
	if !strings.HasSuffix(base, ArchiveSuffix) {
		return nil, unsupported(archivePath, "file name does not end in %q", ArchiveSuffix)
	}

	tb := &Tarball{
		log:           log.WithField("component", "tarball"),
		ArchivePath:   archivePath,
		Prefix:        strings.TrimSuffix(base, ArchiveSuffix),
		ControllerDir: filepath.Base(filepath.Dir(archivePath)),
	}

	tb.Controller = tb.ControllerDir
	if satellite, controller, found := strings.Cut(tb.ControllerDir, "::"); found {
		tb.Satellite = satellite
		tb.Controller = controller
	}

	st, err := os.Stat(archivePath)
	if err != nil {
		return nil, unsupported(archivePath, "stat failed: %v", err)
	}

	tb.Size = st.Size()
	tb.MTime = st.ModTime().UTC()

	if err := tb.verifyMembers(); err != nil {
		return nil, err
	}

	tb.Root = filepath.Join(extractedRoot, tb.Prefix)
	if fi, err := os.Stat(tb.Root); err != nil || !fi.IsDir() {
		return nil, unsupported(archivePath,
			"extracted tar ball directory %q does not exist", tb.Root)
	}

	md5sum, err := readMD5Companion(archivePath + ".md5")
	if err != nil {
		return nil, unsupported(archivePath, "%v", err)
	}

	tb.MD5 = md5sum

	mdPath := filepath.Join(tb.Root, "metadata.log")
	if _, err := os.Stat(mdPath); err != nil {
		return nil, unsupported(archivePath,
			"tar ball is missing %q", filepath.Join(tb.Prefix, "metadata.log"))
	}

	tb.md, err = ini.Load(mdPath)
	if err != nil {
		return nil, badMetadata(archivePath, "unparseable metadata.log: %v", err)
	}

	if err := tb.readMetadata(); err != nil {
		return nil, err
	}

	tb.log.WithFields(logrus.Fields{
		"archive":    base,
		"controller": tb.Controller,
		"run_id":     tb.MD5,
		"size":       units.HumanSize(float64(tb.Size)),
	}).Debug("Opened tar ball")

	return tb, nil
}

// verifyMembers streams the archive's member list, requiring every member
// to live under the single <prefix>/ top-level directory and the
// <prefix>/metadata.log member to be present.
func (tb *Tarball) verifyMembers() error {
	f, err := os.Open(tb.ArchivePath)
	if err != nil {
		return unsupported(tb.ArchivePath, "cannot open: %v", err)
	}
	defer f.Close()

	xr, err := xz.NewReader(f)
	if err != nil {
		return unsupported(tb.ArchivePath, "not an xz stream: %v", err)
	}

	metadataMember := tb.Prefix + "/metadata.log"
	seenMetadata := false

	tr := tar.NewReader(xr)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return unsupported(tb.ArchivePath, "corrupt tar stream: %v", err)
		}

		name := strings.TrimPrefix(path.Clean(hdr.Name), "./")

		top, _, _ := strings.Cut(name, "/")
		if top != tb.Prefix {
			return unsupported(tb.ArchivePath,
				"member %q is not under the tar ball prefix %q",
				hdr.Name, tb.Prefix)
		}

		if name == metadataMember {
			seenMetadata = true
		}
	}

	if !seenMetadata {
		return unsupported(tb.ArchivePath,
			"tar ball is missing the %q member", metadataMember)
	}

	return nil
}

// readMD5Companion reads the first whitespace-delimited token of the
// archive's <name>.md5 file.
func readMD5Companion(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading MD5 companion file: %w", err)
	}

	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", fmt.Errorf("MD5 companion file %q is empty", path)
	}

	return fields[0], nil
}

// requiredField fetches a metadata.log field that must be present and
// non-empty.
func (tb *Tarball) requiredField(section, key string) (string, error) {
	v := strings.TrimSpace(tb.md.Section(section).Key(key).String())
	if v == "" {
		return "", badMetadata(tb.ArchivePath, "empty %s.%s", section, key)
	}

	return v, nil
}

func (tb *Tarball) readMetadata() error {
	controller, err := tb.requiredField("run", "controller")
	if err != nil {
		return err
	}

	if !strings.HasPrefix(controller, tb.Controller) {
		return badMetadata(tb.ArchivePath,
			"run.controller (%q) does not match controller directory (%q)",
			controller, tb.ControllerDir)
	}

	if tb.Name, err = tb.requiredField("pbench", "name"); err != nil {
		return err
	}

	if tb.Script, err = tb.requiredField("pbench", "script"); err != nil {
		return err
	}

	if tb.ToolsGroup, err = tb.requiredField("tools", "group"); err != nil {
		return err
	}

	startRaw, err := tb.requiredField("run", "start_run")
	if err != nil {
		return err
	}

	endRaw, err := tb.requiredField("run", "end_run")
	if err != nil {
		return err
	}

	dateRaw, err := tb.requiredField("pbench", "date")
	if err != nil {
		return err
	}

	if tb.StartRun, err = timestamp.Parse(startRaw); err != nil {
		return badMetadata(tb.ArchivePath, "run.start_run: %v", err)
	}

	if tb.EndRun, err = timestamp.Parse(endRaw); err != nil {
		return badMetadata(tb.ArchivePath, "run.end_run: %v", err)
	}

	date, err := timestamp.Parse(dateRaw)
	if err != nil {
		return badMetadata(tb.ArchivePath, "pbench.date: %v", err)
	}

	tb.Window = timestamp.Window{Start: tb.StartRun, End: tb.EndRun}

	// The recorded date is local time without a zone, while start_run is
	// UTC. Recover the zone by rounding the difference between them to a
	// fraction of an hour and subtracting it back out.
	offsetHours := math.Round(date.Sub(tb.StartRun).Hours()*10) / 10
	date = date.Add(-time.Duration(int64(offsetHours*60*60)) * time.Second)

	tb.AtMetadata = map[string]any{
		"file-date":  timestamp.Format(tb.MTime),
		"file-name":  tb.ArchivePath,
		"file-size":  tb.Size,
		"md5":        tb.MD5,
		"toc-prefix": tb.Prefix,
	}

	if v := tb.md.Section("pbench").Key("rpm-version").String(); v != "" {
		tb.AtMetadata["pbench-agent-version"] = v
	}

	if v := tb.md.Section("run").Key("prefix").String(); v != "" {
		tb.AtMetadata["result-prefix"] = v
	}

	if tb.Satellite != "" {
		tb.AtMetadata["satellite"] = tb.Satellite
	}

	tb.AtMetadata["controller_dir"] = tb.ControllerDir

	// Merge the run and pbench sections into one run metadata mapping,
	// dropping the fields kept under @metadata or renamed below, and any
	// optional field left empty.
	tb.RunMetadata = map[string]any{}
	for _, section := range []string{"run", "pbench"} {
		for key, value := range tb.md.Section(section).KeysHash() {
			switch key {
			case "rpm-version", "prefix", "start_run", "end_run":
				continue
			}

			if value == "" {
				continue
			}

			tb.RunMetadata[key] = value
		}
	}

	tb.RunMetadata["toolsgroup"] = tb.ToolsGroup
	tb.RunMetadata["start"] = timestamp.Format(tb.StartRun)
	tb.RunMetadata["end"] = timestamp.Format(tb.EndRun)
	tb.RunMetadata["date"] = timestamp.Format(date)
	tb.RunMetadata["id"] = tb.MD5

	return nil
}

// StartTimestamp is the canonical form of the run's start time.
func (tb *Tarball) StartTimestamp() string {
	return timestamp.Format(tb.StartRun)
}

var iterationPat = regexp.MustCompile(`^[1-9][0-9]*-`)

// Iterations enumerates the run's iterations: the explicit comma-separated
// metadata list when present, otherwise the top-level directories matching
// the "<seq>-" naming convention. Sorted and de-duplicated.
func (tb *Tarball) Iterations() ([]string, error) {
	if raw := tb.md.Section("run").Key("iterations").String(); raw != "" {
		return dedupeSorted(strings.Split(raw, ", ")), nil
	}

	entries, err := os.ReadDir(tb.Root)
	if err != nil {
		return nil, fmt.Errorf("enumerating iterations: %w", err)
	}

	var iterations []string
	for _, e := range entries {
		if e.IsDir() && iterationPat.MatchString(e.Name()) {
			iterations = append(iterations, e.Name())
		}
	}

	return dedupeSorted(iterations), nil
}

// Samples enumerates one iteration's samples: subdirectories named
// "sample*", defaulting to the synthetic "reference-result" when the
// iteration has no explicit samples.
func (tb *Tarball) Samples(iteration string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(tb.Root, iteration))
	if err != nil {
		return nil, fmt.Errorf("enumerating samples of %q: %w", iteration, err)
	}

	var samples []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "sample") {
			samples = append(samples, e.Name())
		}
	}

	if len(samples) == 0 {
		samples = []string{"reference-result"}
	}

	return dedupeSorted(samples), nil
}

func dedupeSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))

	for _, v := range values {
		if _, dup := seen[v]; dup {
			continue
		}

		seen[v] = struct{}{}
		out = append(out, v)
	}

	sort.Strings(out)

	return out
}
