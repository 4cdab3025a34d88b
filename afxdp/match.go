package afxdp

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

const globMeta = "*?[{"

func hasGlob(patterns []string) bool {
	return slices.ContainsFunc(patterns, func(p string) bool {
		return strings.ContainsAny(p, globMeta)
	})
}

// matchInterfaces expands every glob pattern against names, in the order
// of names. Plain names are kept as they are. The result is free of
// duplicates. A pattern matching nothing is an error.
func matchInterfaces(patterns, names []string) ([]string, error) {
	var out []string
	add := func(name string) {
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}

	for _, p := range patterns {
		if !strings.ContainsAny(p, globMeta) {
			add(p)
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling interface pattern %q: %w", p, err)
		}
		matched := false
		for _, name := range names {
			if g.Match(name) {
				add(name)
				matched = true
			}
		}
		if !matched {
			return nil, fmt.Errorf("no interface matches %q", p)
		}
	}
	return out, nil
}
