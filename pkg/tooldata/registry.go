// Package tooldata turns the raw on-disk artifacts of the data collection
// tools (CSV series, periodic stdout captures, JSON arrays) into candidate
// documents. Each known tool is bound to one of four transformation
// strategies through the registry.
package tooldata

import (
	"regexp"
	"sort"
	"strconv"
)

// Method is the transformation strategy a tool's artifacts require.
type Method int

const (
	// MethodCSVUnify reads all of a tool's CSV files in lockstep and
	// merges their columns into one document per identifier per row.
	MethodCSVUnify Method = iota

	// MethodCSVIndividual reads each CSV file on its own, one document
	// per row, with the identifier taken from the file name.
	MethodCSVIndividual

	// MethodStdout reads a periodic "timestamp:"-delimited text capture.
	MethodStdout

	// MethodJSON reads a JSON array of ready-made field mappings.
	MethodJSON
)

// Converter parses a raw cell value into its typed form.
type Converter func(string) (any, error)

// ConvertFloat parses the value as a float64.
func ConvertFloat(raw string) (any, error) {
	return strconv.ParseFloat(raw, 64)
}

// ConvertInt parses the value as an int64.
func ConvertInt(raw string) (any, error) {
	return strconv.ParseInt(raw, 10, 64)
}

// FilePattern binds one artifact file name pattern to the typed
// configuration its columns are decoded with.
type FilePattern struct {
	// Pattern matches the artifact's base name. For csv-individual
	// tools it also captures the "id" group from the name.
	Pattern *regexp.Regexp

	// Class groups the metric under an intermediate object when set
	// (pidstat nests cpu/io/memory classes).
	Class string

	Metric string
	Units  string

	// Subfields are the column sub-field names the ColPat "subfield"
	// group may legally produce.
	Subfields []string

	// ColPat decodes a column header into its identifier and optional
	// sub-field.
	ColPat *regexp.Regexp

	// Metadata names the MetadataPat groups merged into the document
	// (pidstat derives pid and command from the identifier).
	Metadata    []string
	MetadataPat *regexp.Regexp

	Convert Converter

	// Subformat selects the stdout parser variant: "keyval" or
	// "procint".
	Subformat string
}

// Handler is a tool's complete registration.
type Handler struct {
	Method   Method
	Patterns []*FilePattern
}

// Registry is the init-once, read-many table mapping tool names to their
// handlers, plus the legacy CSV name aliases and the per-tool key rename
// tables.
type Registry struct {
	handlers map[string]*Handler
	aliases  map[string]string
	remaps   map[string]map[string]string
}

// Handler looks up a tool. A known-but-unindexed tool (sar, turbostat,
// perf) returns (nil, true); an unknown tool returns (nil, false).
func (r *Registry) Handler(tool string) (*Handler, bool) {
	h, known := r.handlers[tool]

	return h, known
}

// Alias resolves a legacy CSV file name to its current handler name.
func (r *Registry) Alias(basename string) (string, bool) {
	name, ok := r.aliases[basename]

	return name, ok
}

// Tools returns the sorted names of every tool with an indexable handler.
func (r *Registry) Tools() []string {
	tools := make([]string, 0, len(r.handlers))
	for name, h := range r.handlers {
		if h != nil {
			tools = append(tools, name)
		}
	}

	sort.Strings(tools)

	return tools
}

// Remap renames a conflicting stdout key for the given tool. Keys without
// a sub-field can collide with sub-fielded forms of the same prefix across
// tool versions, which produces incompatible document shapes; the renamed
// key keeps both shapes indexable.
func (r *Registry) Remap(tool, key string) string {
	if remapped, ok := r.remaps[tool][key]; ok {
		return remapped
	}

	return key
}

var (
	diskSubfields = []string{"read", "write"}
	diskColPat    = regexp.MustCompile(`^(?P<id>.+)-(?P<subfield>read|write)`)
	plainIDPat    = regexp.MustCompile(`^(?P<id>.+)`)
	pidstatMDPat  = regexp.MustCompile(`^(?P<pid>.+?)-(?P<command>.+)`)
)

func pidstatPattern(file, class, metric, units string, convert Converter) *FilePattern {
	return &FilePattern{
		Pattern:     regexp.MustCompile(`^` + file + `\.csv$`),
		Class:       class,
		Metric:      metric,
		Units:       units,
		ColPat:      plainIDPat,
		Metadata:    []string{"pid", "command"},
		MetadataPat: pidstatMDPat,
		Convert:     convert,
	}
}

func vmstatPattern(file, metric, units string, subfields ...string) *FilePattern {
	alternatives := ""
	for i, s := range subfields {
		if i > 0 {
			alternatives += "|"
		}

		alternatives += s
	}

	colpat := `^(?P<subfield>` + alternatives + `)`
	if units == "KiB" {
		colpat += `_KiB`
	}

	return &FilePattern{
		Pattern:   regexp.MustCompile(`^` + file + `\.csv$`),
		Metric:    metric,
		Units:     units,
		Subfields: subfields,
		ColPat:    regexp.MustCompile(colpat),
		Convert:   ConvertInt,
	}
}

// DefaultRegistry builds the registry of every tool the indexer knows how
// to handle. sar, turbostat and perf are registered without handlers: their
// output is not in an indexable form, but they must not be reported as
// unknown tools either.
func DefaultRegistry() *Registry {
	iostat := &Handler{
		Method: MethodCSVUnify,
		Patterns: []*FilePattern{
			{
				Pattern:   regexp.MustCompile(`^disk_IOPS\.csv$`),
				Metric:    "iops",
				Units:     "count_per_sec",
				Subfields: diskSubfields,
				ColPat:    diskColPat,
				Convert:   ConvertFloat,
			},
			{
				Pattern: regexp.MustCompile(`^disk_Queue_Size\.csv$`),
				Metric:  "qsize",
				Units:   "count",
				ColPat:  plainIDPat,
				Convert: ConvertFloat,
			},
			{
				Pattern:   regexp.MustCompile(`^disk_Request_Merges_per_sec\.csv$`),
				Metric:    "reqmerges",
				Units:     "count_per_sec",
				Subfields: diskSubfields,
				ColPat:    diskColPat,
				Convert:   ConvertFloat,
			},
			{
				Pattern: regexp.MustCompile(`^disk_Request_Size_in_512_byte_sectors\.csv$`),
				Metric:  "reqsize",
				Units:   "count_512b_sectors",
				ColPat:  plainIDPat,
				Convert: ConvertFloat,
			},
			{
				Pattern:   regexp.MustCompile(`^disk_Throughput_MB_per_sec\.csv$`),
				Metric:    "tput",
				Units:     "MB_per_sec",
				Subfields: diskSubfields,
				ColPat:    diskColPat,
				Convert:   ConvertFloat,
			},
			{
				Pattern: regexp.MustCompile(`^disk_Utilization_percent\.csv$`),
				Metric:  "util",
				Units:   "percent",
				ColPat:  plainIDPat,
				Convert: ConvertFloat,
			},
			{
				Pattern:   regexp.MustCompile(`^disk_Wait_Time_msec\.csv$`),
				Metric:    "wtime",
				Units:     "msec",
				Subfields: diskSubfields,
				ColPat:    diskColPat,
				Convert:   ConvertFloat,
			},
		},
	}

	pidstat := &Handler{
		Method: MethodCSVUnify,
		Patterns: []*FilePattern{
			pidstatPattern("context_switches_nonvoluntary_switches_sec",
				"context_switches", "nonvoluntary", "count_per_sec", ConvertFloat),
			pidstatPattern("context_switches_voluntary_switches_sec",
				"context_switches", "voluntary", "count_per_sec", ConvertFloat),
			pidstatPattern("cpu_usage_percent_cpu",
				"cpu", "usage", "percent_cpu", ConvertFloat),
			pidstatPattern("file_io_io_reads_KB_sec",
				"io", "reads", "KB_per_sec", ConvertFloat),
			pidstatPattern("file_io_io_writes_KB_sec",
				"io", "writes", "KB_per_sec", ConvertFloat),
			pidstatPattern("memory_faults_major_faults_sec",
				"memory", "faults_major", "count_per_sec", ConvertFloat),
			pidstatPattern("memory_faults_minor_faults_sec",
				"memory", "faults_minor", "count_per_sec", ConvertFloat),
			pidstatPattern("memory_usage_resident_set_size",
				"memory", "rss", "KB", ConvertInt),
			pidstatPattern("memory_usage_virtual_size",
				"memory", "vsz", "KB", ConvertInt),
		},
	}

	vmstat := &Handler{
		Method: MethodCSVUnify,
		Patterns: []*FilePattern{
			vmstatPattern("vmstat_block", "block", "KiB", "in", "out"),
			vmstatPattern("vmstat_cpu", "cpu", "%usage",
				"idle", "steal", "sys", "user", "wait"),
			vmstatPattern("vmstat_memory", "memory", "KiB",
				"active", "free", "inactive", "swapped"),
			vmstatPattern("vmstat_procs", "procs", "count", "blocked", "running"),
			vmstatPattern("vmstat_swap", "swap", "KiB", "in", "out"),
			vmstatPattern("vmstat_system", "system", "count",
				"cntx_switches", "interrupts"),
		},
	}

	mpstat := &Handler{
		Method: MethodCSVIndividual,
		Patterns: []*FilePattern{
			{
				// mpstat file names embed the cpu core identity, and
				// core counts differ per machine, so the identifier
				// comes from the file name itself.
				Pattern: regexp.MustCompile(`^(?P<id>cpu.+)_cpu\w+\.csv$`),
				Metric:  "cpu",
				Units:   "percent_cpu",
				Convert: ConvertFloat,
			},
		},
	}

	procInterrupts := &Handler{
		Method: MethodStdout,
		Patterns: []*FilePattern{
			{
				Pattern:   regexp.MustCompile(`^proc-interrupts-stdout\.txt$`),
				Subformat: "procint",
				Convert:   ConvertInt,
			},
		},
	}

	procVmstat := &Handler{
		Method: MethodStdout,
		Patterns: []*FilePattern{
			{
				Pattern:   regexp.MustCompile(`^proc-vmstat-stdout\.txt$`),
				Subformat: "keyval",
				Convert:   ConvertInt,
			},
		},
	}

	prometheusMetrics := &Handler{Method: MethodJSON}

	return &Registry{
		handlers: map[string]*Handler{
			"iostat":             iostat,
			"pidstat":            pidstat,
			"vmstat":             vmstat,
			"mpstat":             mpstat,
			"proc-interrupts":    procInterrupts,
			"proc-vmstat":        procVmstat,
			"prometheus-metrics": prometheusMetrics,
			"sar":                nil,
			"turbostat":          nil,
			"perf":               nil,
		},
		aliases: map[string]string{
			"disk_Request_Merges.csv": "disk_Request_Merges_per_sec.csv",
			"disk_Request_Size.csv":   "disk_Request_Size_in_512_byte_sectors.csv",
			"disk_Throughput.csv":     "disk_Throughput_MB_per_sec.csv",
			"disk_Utilization.csv":    "disk_Utilization_percent.csv",
			"disk_Wait_Time.csv":      "disk_Wait_Time_msec.csv",
		},
		remaps: map[string]map[string]string{
			"proc-vmstat": {
				"allocstall": "allocstall_",
				"pgrefill":   "pgrefill_",
			},
		},
	}
}
