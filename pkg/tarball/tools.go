package tarball

import (
	"net"
	"sort"
	"strings"
)

// HostTools is the tool registration set for one host of the run: which
// tools ran there, under which label, and the hostname aliases tool data
// discovery needs to find the host's directory on disk.
type HostTools struct {
	Hostname  string
	HostnameS string
	HostnameF string
	Label     string
	Tools     map[string]string
}

// Source renders the registration as the field mapping embedded in the run
// document's host_tools_info array.
func (h *HostTools) Source() map[string]any {
	source := map[string]any{"hostname": h.Hostname}

	if h.HostnameF != "" {
		source["hostname-f"] = h.HostnameF
	}

	if h.HostnameS != "" {
		source["hostname-s"] = h.HostnameS
	}

	if h.Label != "" {
		source["label"] = h.Label
	}

	if len(h.Tools) > 0 {
		tools := make(map[string]any, len(h.Tools))
		for name, options := range h.Tools {
			tools[name] = options
		}

		source["tools"] = tools
	}

	return source
}

// ToolNames returns the host's registered tool names, sorted.
func (h *HostTools) ToolNames() []string {
	names := make([]string, 0, len(h.Tools))
	for name := range h.Tools {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// HostToolsInfo builds the per-host tool registrations from the
// metadata.log tools sections, resolving full hostnames against the
// sosreports when the registration only recorded a short name or an IP
// address. Hosts without a tools section are skipped with a warning since
// their tool data cannot be attributed.
func (tb *Tarball) HostToolsInfo(sosreports []*Sosreport) []*HostTools {
	hostsRaw := tb.md.Section("tools").Key("hosts").String()
	if hostsRaw == "" {
		tb.log.Warn("No tools.hosts entry in metadata.log, tool data will not be indexed")

		return nil
	}

	hosts := dedupeSorted(strings.Fields(hostsRaw))

	remoteLabels := map[string]string{}

	var registrations []*HostTools
	for _, host := range hosts {
		section := tb.md.Section("tools/" + host)
		keys := section.KeysHash()
		if len(keys) == 0 {
			tb.log.WithField("host", host).
				Warn("No tools section in metadata.log for host, tool data will not be indexed")

			continue
		}

		reg := &HostTools{
			Hostname: host,
			Tools:    map[string]string{},
		}

		if net.ParseIP(host) != nil {
			reg.HostnameF = hostnameByIP(sosreports, host)
		} else {
			reg.HostnameF = hostnameByName(sosreports, host)
		}

		names := make([]string, 0, len(keys))
		for name := range keys {
			names = append(names, name)
		}

		sort.Strings(names)

		for _, name := range names {
			value := keys[name]

			switch {
			case name == "label":
				reg.Label = value
			case name == "hostname-s":
				if value != reg.Hostname {
					reg.HostnameS = value
				}
			case strings.HasPrefix(name, "remote@"):
				if value != "" {
					remoteLabels[strings.TrimPrefix(name, "remote@")] = value
				}
			default:
				reg.Tools[name] = value
			}
		}

		registrations = append(registrations, reg)
	}

	for _, reg := range registrations {
		if label, ok := remoteLabels[reg.Hostname]; ok {
			reg.Label = label
		}
	}

	return registrations
}

// hostnameByName finds the full hostname of a sosreport whose short or
// full hostname matches.
func hostnameByName(sosreports []*Sosreport, host string) string {
	for _, s := range sosreports {
		if s.HostnameF == host || s.HostnameS == host {
			return s.HostnameF
		}
	}

	return ""
}

// hostnameByIP finds the full hostname of the sosreport that recorded the
// given address on any interface.
func hostnameByIP(sosreports []*Sosreport, ip string) string {
	for _, s := range sosreports {
		for _, addrs := range [][]IfAddr{s.Inet, s.Inet6} {
			for _, a := range addrs {
				if a.IPAddr == ip {
					return s.HostnameF
				}
			}
		}
	}

	return ""
}
