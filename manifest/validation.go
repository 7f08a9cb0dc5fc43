package manifest

import (
	"fmt"
	"strings"
)

// ValidationError aggregates all problems found in a manifest so callers can
// report everything at once instead of fixing entries one by one.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("invalid manifest: %s", e.Problems[0])
	}
	return fmt.Sprintf("invalid manifest: %d problems:\n  - %s",
		len(e.Problems), strings.Join(e.Problems, "\n  - "))
}

// Validate checks manifest entries for structural problems: duplicate
// dependency names (the later entry silently wins at install time) and
// specifiers containing whitespace. Pinning is not enforced here; unpinned
// entries are a reproducibility warning, not an error.
func (m *Manifest) Validate() error {
	var problems []string

	seen := make(map[string]int)
	for _, entry := range m.Entries {
		name := strings.ToLower(entry.Name)
		if prev, ok := seen[name]; ok {
			problems = append(problems, fmt.Sprintf(
				"duplicate dependency %q on line %d (first seen on line %d)", entry.Name, entry.Line, prev))
		} else {
			seen[name] = entry.Line
		}

		if strings.ContainsAny(entry.Raw, " \t") {
			problems = append(problems, fmt.Sprintf(
				"specifier %q on line %d contains whitespace", entry.Raw, entry.Line))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
