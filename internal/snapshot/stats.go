package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/chr1sbest/pipetrack/internal/logger"
)

// StatsEntry is observed resource usage for one progress stream. A value
// the file does not carry is nil.
type StatsEntry struct {
	ProgressStream string
	ObservedMemory *float64
	ObservedCPU    *float64
	File           string
}

// StatsCollector scans the engine's statistics files. Each file is parsed
// successfully at most once; a file that fails to parse is retried on the
// next scan, since it may still be being written.
type StatsCollector struct {
	root    string
	pattern string
	seen    map[string]struct{}
	logger  logger.Logger
}

// NewStatsCollector scans files matching pattern (doublestar syntax,
// relative to root).
func NewStatsCollector(root, pattern string, log logger.Logger) *StatsCollector {
	return &StatsCollector{
		root:    root,
		pattern: pattern,
		seen:    make(map[string]struct{}),
		logger:  logger.Component(log, "stats"),
	}
}

// Processed reports how many files have been consumed so far.
func (c *StatsCollector) Processed() int { return len(c.seen) }

// Collect returns the entries of every statistics file not processed before.
func (c *StatsCollector) Collect(ctx context.Context) []StatsEntry {
	matches, err := doublestar.FilepathGlob(filepath.Join(c.root, c.pattern), doublestar.WithFilesOnly())
	if err != nil {
		c.logger.Warn("Stats glob failed", logger.F("pattern", c.pattern), logger.F("error", err))
		return nil
	}
	sort.Strings(matches)

	var out []StatsEntry
	for _, path := range matches {
		if ctx.Err() != nil {
			break
		}
		if _, done := c.seen[path]; done {
			continue
		}
		entries, err := parseStatsFile(path)
		if err != nil {
			c.logger.Debug("Stats file not readable yet", logger.F("file", path), logger.F("error", err))
			continue
		}
		c.seen[path] = struct{}{}
		out = append(out, entries...)
	}
	return out
}

func parseStatsFile(path string) ([]StatsEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	root, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("stats file %s is not an object", path)
	}
	jobs, _ := root["jobs"].([]any)

	var entries []StatsEntry
	for _, j := range jobs {
		stream := findString(j, streamKeys)
		if stream == "" {
			continue
		}
		e := StatsEntry{ProgressStream: stream, File: path}
		if mem, ok := findNumber(j, memoryKeys); ok {
			e.ObservedMemory = &mem
		}
		if cpu, ok := findNumber(j, cpuKeys); ok {
			e.ObservedCPU = &cpu
		}
		entries = append(entries, e)
	}
	return entries, nil
}

var (
	streamKeys = []string{"progress_stream", "stream", "job_stream"}
	memoryKeys = []string{"observed_memory", "memory", "max_memory"}
	cpuKeys    = []string{"observed_cpu", "clock", "cpu"}
)

func findString(v any, keys []string) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// findNumber looks for the first of keys in v, descending into nested
// objects (in key order) and arrays when the top level does not carry it.
func findNumber(v any, keys []string) (float64, bool) {
	keySet := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keySet[k] = struct{}{}
	}

	var walk func(any) (float64, bool)
	walk = func(x any) (float64, bool) {
		switch t := x.(type) {
		case map[string]any:
			for _, k := range keys {
				if n, ok := toFloat(t[k]); ok {
					return n, true
				}
			}
			names := make([]string, 0, len(t))
			for k := range t {
				if _, own := keySet[strings.ToLower(k)]; !own {
					names = append(names, k)
				}
			}
			sort.Strings(names)
			for _, k := range names {
				if n, ok := walk(t[k]); ok {
					return n, true
				}
			}
		case []any:
			for _, vv := range t {
				if n, ok := walk(vv); ok {
					return n, true
				}
			}
		}
		return 0, false
	}

	return walk(v)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
