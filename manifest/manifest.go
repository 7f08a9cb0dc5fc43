// Package manifest parses dependency manifests (requirements.txt style):
// an ordered list of dependency specifiers, one per line, consumed verbatim
// by the install step. Order is preserved because installers process entries
// top to bottom.
package manifest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/opencontainers/go-digest"
)

// Entry is a single dependency specifier from the manifest.
type Entry struct {
	Raw     string `json:"raw"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Pinned  bool   `json:"pinned"`
	Line    int    `json:"line"`
}

type Manifest struct {
	Path    string  `json:"path,omitempty"`
	Entries []Entry `json:"entries"`

	raw []byte
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %v", err)
	}

	m, err := Parse(strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}

	m.Path = path
	m.raw = data
	return m, nil
}

// Parse reads an ordered sequence of dependency specifiers. Blank lines and
// comment lines are skipped; inline comments are stripped. An empty manifest
// is valid and yields zero entries.
func Parse(r io.Reader) (*Manifest, error) {
	m := &Manifest{}

	scanner := bufio.NewScanner(r)
	var raw strings.Builder
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		raw.WriteString(line)
		raw.WriteString("\n")

		spec := stripComment(line)
		if spec == "" {
			continue
		}

		entry, err := parseEntry(spec, lineNo)
		if err != nil {
			return nil, err
		}
		m.Entries = append(m.Entries, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan manifest: %v", err)
	}

	m.raw = []byte(raw.String())
	return m, nil
}

func stripComment(line string) string {
	if idx := strings.Index(line, "#"); idx >= 0 {
		line = line[:idx]
	}
	return strings.TrimSpace(line)
}

// parseEntry splits a specifier into name and version. Only exact pins
// (name==version) count as pinned; range constraints keep the build exposed
// to the ambient package index moving underneath it.
func parseEntry(spec string, line int) (Entry, error) {
	entry := Entry{Raw: spec, Line: line}

	if idx := strings.Index(spec, "=="); idx >= 0 {
		entry.Name = strings.TrimSpace(spec[:idx])
		entry.Version = strings.TrimSpace(spec[idx+2:])
		entry.Pinned = entry.Version != ""
	} else {
		entry.Name = spec
		for _, op := range []string{">=", "<=", "~=", "!=", ">", "<"} {
			if idx := strings.Index(spec, op); idx >= 0 {
				entry.Name = strings.TrimSpace(spec[:idx])
				break
			}
		}
	}

	if entry.Name == "" {
		return entry, fmt.Errorf("manifest line %d: empty dependency name in %q", line, spec)
	}

	return entry, nil
}

func (m *Manifest) IsEmpty() bool {
	return len(m.Entries) == 0
}

// ContentDigest is the canonical digest of the manifest bytes, used as the
// content component of the copy step's layer identity.
func (m *Manifest) ContentDigest() digest.Digest {
	return digest.FromBytes(m.raw)
}

// Fingerprint is a fast non-cryptographic hash of the manifest bytes, used
// for cache bookkeeping and log correlation.
func (m *Manifest) Fingerprint() uint64 {
	return xxhash.Sum64(m.raw)
}

// UnpinnedEntries returns entries whose versions are not exactly pinned.
// Unpinned entries make rebuilds sensitive to the remote package index.
func (m *Manifest) UnpinnedEntries() []Entry {
	var unpinned []Entry
	for _, entry := range m.Entries {
		if !entry.Pinned {
			unpinned = append(unpinned, entry)
		}
	}
	return unpinned
}
