package wikitext

import "strings"

// LinkTargets extracts the wiki-link targets from a snippet of wikitext
// (typically an edit summary). Targets are normalized: leading colons
// dropped, section fragments cut, surrounding whitespace trimmed.
// Malformed targets are skipped.
func LinkTargets(text string) []string {
	var targets []string
	for _, match := range wikilinkRe.FindAllStringSubmatch(text, -1) {
		target := match[1]
		if i := strings.Index(target, "#"); i >= 0 {
			target = target[:i]
		}
		target = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(target), ":"))
		if target == "" || strings.ContainsAny(target, "{}<>") {
			continue
		}
		targets = append(targets, target)
	}
	return targets
}
