package replica

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	shlex "github.com/flynn-archive/go-shlex"
)

// SiteAttribute is the attribute naming a location's site.
const SiteAttribute = "site"

// LoadFile reads a text replica catalog.
//
// Each non-blank, non-comment line has the form
//
//	lfn pfn key="value" ...
//
// Values are shell-quoted; the site attribute names the location's site.
func LoadFile(path string) (*Memory, error) {
	f, err := os.Open(path) // #nosec G304 -- path is an operator-supplied catalog
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("replica catalog not found: %s", path)
		}
		return nil, fmt.Errorf("open replica catalog: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseFile(f)
}

// ParseFile parses a text replica catalog from r.
func ParseFile(r io.Reader) (*Memory, error) {
	m := NewMemory()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields, err := shlex.Split(line)
		if err != nil {
			return nil, fmt.Errorf("replica catalog line %d: %w", lineNo, err)
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("replica catalog line %d: expected lfn and pfn", lineNo)
		}

		loc := Location{PFN: fields[1]}
		for _, kv := range fields[2:] {
			key, value, ok := strings.Cut(kv, "=")
			if !ok || key == "" {
				return nil, fmt.Errorf("replica catalog line %d: malformed attribute %q", lineNo, kv)
			}
			if key == SiteAttribute {
				loc.Site = value
				continue
			}
			if loc.Attributes == nil {
				loc.Attributes = map[string]string{}
			}
			loc.Attributes[key] = value
		}
		m.Insert(fields[0], loc)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read replica catalog: %w", err)
	}
	return m, nil
}

// WriteFile writes records in the text catalog format, one location per
// line. Attributes are written in key order.
func WriteFile(w io.Writer, records []*Record) error {
	bw := bufio.NewWriter(w)
	for _, rec := range records {
		for _, loc := range rec.Locations {
			var b strings.Builder
			b.WriteString(quote(rec.LFN))
			b.WriteByte(' ')
			b.WriteString(quote(loc.PFN))
			if loc.Site != "" {
				fmt.Fprintf(&b, " %s=%s", SiteAttribute, quote(loc.Site))
			}
			keys := make([]string, 0, len(loc.Attributes))
			for k := range loc.Attributes {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&b, " %s=%s", k, quote(loc.Attributes[k]))
			}
			b.WriteByte('\n')
			if _, err := bw.WriteString(b.String()); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

func quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"'\\#") {
		return s
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}
