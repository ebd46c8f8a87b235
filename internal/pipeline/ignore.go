package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// IgnoreList holds the source-URL patterns from the configured wiki
// page. A nil IgnoreList matches nothing.
type IgnoreList struct {
	patterns []*regexp.Regexp
}

// Matches reports whether any ignore pattern matches the URL.
func (l *IgnoreList) Matches(url string) bool {
	if l == nil {
		return false
	}
	for _, p := range l.patterns {
		if p.MatchString(url) {
			return true
		}
	}
	return false
}

// Len returns the number of compiled patterns.
func (l *IgnoreList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.patterns)
}

// ParseIgnoreList compiles one pattern per line. A trailing "# comment"
// is stripped, blank lines skipped and invalid regexes logged and
// dropped. Patterns match case-insensitively.
func ParseIgnoreList(text string, logger zerolog.Logger) *IgnoreList {
	list := &IgnoreList{}
	for _, line := range strings.Split(text, "\n") {
		line, _, _ = strings.Cut(line, "#")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pattern, err := regexp.Compile("(?i)" + line)
		if err != nil {
			logger.Error().Err(err).Str("pattern", line).Msg("invalid regex ignored")
			continue
		}
		list.patterns = append(list.patterns, pattern)
	}
	return list
}

func (d *Driver) loadIgnoreList(ctx context.Context) (*IgnoreList, error) {
	if d.cfg.IgnoreListTitle == "" {
		return nil, nil
	}
	text, err := d.wiki.PageText(ctx, d.cfg.Site, d.cfg.IgnoreListTitle)
	if err != nil {
		return nil, fmt.Errorf("load ignore list %q: %w", d.cfg.IgnoreListTitle, err)
	}
	return ParseIgnoreList(text, d.logger), nil
}
