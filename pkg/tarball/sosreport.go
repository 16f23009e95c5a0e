package tarball

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ulikunitz/xz"
)

// SosreportHostnameError reports a sosreport whose recorded hostnames are
// missing or cannot be reconciled into a usable short/full pair.
type SosreportHostnameError struct {
	Sosreport string
	Reason    string
}

func (e *SosreportHostnameError) Error() string {
	return fmt.Sprintf("%s: %s", e.Sosreport, e.Reason)
}

// Sosreport describes one system-information bundle embedded in the
// archive: its name, checksum, reconciled hostnames and the interface
// addresses recorded at collection time.
type Sosreport struct {
	Name      string
	MD5       string
	HostnameF string
	HostnameS string

	// Inet/Inet6 list the interface addresses found in the sosreport's
	// "ip -o addr" capture, keyed by interface name.
	Inet  []IfAddr
	Inet6 []IfAddr
}

// IfAddr is one interface/address pair.
type IfAddr struct {
	IfName string
	IPAddr string
}

// Source renders the sosreport as the field mapping embedded in the run
// document.
func (s *Sosreport) Source() map[string]any {
	source := map[string]any{
		"name":       s.Name,
		"md5":        s.MD5,
		"hostname-f": s.HostnameF,
		"hostname-s": s.HostnameS,
	}

	appendAddrs := func(key string, addrs []IfAddr) {
		if len(addrs) == 0 {
			return
		}

		list := make([]any, 0, len(addrs))
		for _, a := range addrs {
			list = append(list, map[string]any{
				"ifname": a.IfName,
				"ipaddr": a.IPAddr,
			})
		}

		source[key] = list
	}

	appendAddrs("inet", s.Inet)
	appendAddrs("inet6", s.Inet6)

	return source
}

// Sosreports finds every sosreport bundle in the extracted tree (by its
// .md5 companion), reads its checksum, and extracts the hostname and
// interface information from inside the bundle. A bundle whose checksum
// file cannot be read is skipped with a warning; a bundle without a usable
// hostname fails the archive.
func (tb *Tarball) Sosreports() ([]*Sosreport, error) {
	var companions []string

	err := filepath.WalkDir(tb.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() && strings.Contains(d.Name(), "sosreport") &&
			strings.HasSuffix(d.Name(), ".md5") {
			companions = append(companions, path)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning for sosreports: %w", err)
	}

	sort.Strings(companions)

	var reports []*Sosreport
	for _, companion := range companions {
		bundle := strings.TrimSuffix(companion, ".md5")

		md5sum, err := readMD5Companion(companion)
		if err != nil {
			tb.log.WithError(err).WithField("sosreport", bundle).
				Warn("Failed to fetch sosreport checksum, skipping")

			continue
		}

		report, err := readSosreport(bundle)
		if err != nil {
			return nil, err
		}

		report.MD5 = md5sum
		reports = append(reports, report)
	}

	return reports, nil
}

// readSosreport opens one sosreport .tar.xz bundle and pulls out the
// hostname command captures and the "ip -o addr" capture.
func readSosreport(path string) (*Sosreport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &SosreportHostnameError{
			Sosreport: path,
			Reason:    fmt.Sprintf("cannot open bundle: %v", err),
		}
	}
	defer f.Close()

	xr, err := xz.NewReader(f)
	if err != nil {
		return nil, &SosreportHostnameError{
			Sosreport: path,
			Reason:    fmt.Sprintf("cannot decompress bundle: %v", err),
		}
	}

	var (
		hostnameF string
		hostnameS string
		ipOAddr   string
	)

	tr := tar.NewReader(xr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, &SosreportHostnameError{
				Sosreport: path,
				Reason:    fmt.Sprintf("corrupt bundle: %v", err),
			}
		}

		name := hdr.Name
		isHostnameCapture := strings.Contains(name, "sos_commands/host/hostname") ||
			strings.Contains(name, "sos_commands/general/hostname")

		switch {
		case isHostnameCapture && strings.HasSuffix(name, "hostname_-f"):
			hostnameF = readMemberLine(tr)
			if hostnameF == "hostname: Name or service not known" {
				hostnameF = ""
			}
		case isHostnameCapture && strings.HasSuffix(name, "hostname"):
			hostnameS = readMemberLine(tr)
		case strings.Contains(name, "sos_commands/networking/ip_-o_addr"):
			data, err := io.ReadAll(tr)
			if err == nil {
				ipOAddr = string(data)
			}
		}
	}

	full, short, err := reconcileHostnames(hostnameF, hostnameS)
	if err != nil {
		return nil, &SosreportHostnameError{Sosreport: path, Reason: err.Error()}
	}

	report := &Sosreport{
		Name:      path,
		HostnameF: full,
		HostnameS: short,
	}

	for _, line := range strings.Split(ipOAddr, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}

		addr := IfAddr{
			IfName: fields[1],
			IPAddr: strings.SplitN(fields[3], "/", 2)[0],
		}

		switch fields[2] {
		case "inet":
			report.Inet = append(report.Inet, addr)
		case "inet6":
			report.Inet6 = append(report.Inet6, addr)
		}
	}

	return report, nil
}

func readMemberLine(r io.Reader) string {
	data, err := io.ReadAll(r)
	if err != nil {
		return ""
	}

	return strings.TrimRight(string(data), "\n")
}

func shorten(hostname string) string {
	return strings.SplitN(hostname, ".", 2)[0]
}

// reconcileHostnames turns the raw "hostname -f" / "hostname" captures into
// a consistent full/short pair. The captures disagree in all the ways old
// sos versions allowed: either may be empty, either may be "localhost", and
// they may be swapped.
func reconcileHostnames(full, short string) (string, string, error) {
	switch {
	case full == "" && short == "":
		return "", "", fmt.Errorf("no hostname recorded in the sosreport")
	case full == "":
		full = short
		short = shorten(full)
	case short == "":
		short = shorten(full)
	default:
		switch {
		case full == short:
			short = shorten(full)
		case strings.HasPrefix(full, short):
			// Already a properly shortened pair.
		case strings.HasPrefix(short, full):
			full, short = short, full
		case full != "localhost":
			short = shorten(full)
		case short != "localhost":
			full = short
		default:
			return "", "", fmt.Errorf("cannot reconcile short and full hostnames")
		}
	}

	switch {
	case full == "localhost" && short == "localhost":
		return "", "", fmt.Errorf("the sosreport did not collect a hostname other than %q", "localhost")
	case full == "localhost":
		full = short
		short = shorten(full)
	case short == "localhost":
		short = shorten(full)
	}

	return full, short, nil
}
