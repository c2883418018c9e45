// Copyright (C) 2024 metricq-grafana-go contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package executor

import "regexp"

// tokenRE matches a "$name" or "${name}" placeholder the same way
// Python's string.Template does: an identifier is a letter or
// underscore followed by letters, digits or underscores.
var tokenRE = regexp.MustCompile(`\$(?:([A-Za-z_][A-Za-z0-9_]*)|\{([A-Za-z_][A-Za-z0-9_]*)\})`)

// safeSubstitute renders tpl against vars using "safe substitute"
// semantics: an unresolved placeholder is left in the output literally
// instead of raising, so a template referencing a metadata key the
// backend never supplied degrades gracefully rather than breaking the
// whole series name.
func safeSubstitute(tpl string, vars map[string]string) string {
	return tokenRE.ReplaceAllStringFunc(tpl, func(match string) string {
		name := tokenRE.FindStringSubmatch(match)
		key := name[1]
		if key == "" {
			key = name[2]
		}
		if v, ok := vars[key]; ok {
			return v
		}
		return match
	})
}

// referencedTokens returns the set of distinct $name placeholders tpl
// contains.
func referencedTokens(tpl string) map[string]bool {
	tokens := map[string]bool{}
	for _, m := range tokenRE.FindAllStringSubmatch(tpl, -1) {
		key := m[1]
		if key == "" {
			key = m[2]
		}
		tokens[key] = true
	}
	return tokens
}

// needsMetadata reports whether tpl references any placeholder besides
// the two the executor always binds itself ($metric, $function) — if it
// does, the metadata fetch must run so that placeholder has a chance to
// resolve.
func needsMetadata(tpl string) bool {
	for key := range referencedTokens(tpl) {
		if key != "metric" && key != "function" {
			return true
		}
	}
	return false
}
