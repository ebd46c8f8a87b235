// Package wikitext reduces raw wikitext to plain prose suitable for
// similarity checking. The cleaner is deterministic and idempotent:
// cleaning already-cleaned text returns it unchanged.
package wikitext

import (
	"regexp"
	"strings"
)

// SiteInfo carries the per-site vocabulary the cleaner needs: namespace
// aliases and the file extensions the wiki accepts for uploads.
type SiteInfo struct {
	// CategoryNamespaces lists every alias of the category namespace
	// ("Category", localized forms, abbreviations).
	CategoryNamespaces []string
	// FileNamespaces lists every alias of the file namespace ("File",
	// "Image", localized forms).
	FileNamespaces []string
	// FileExtensions lists the upload extensions ("jpg", "png", ...).
	FileExtensions []string
	// Namespaces maps namespace ids to their canonical local names,
	// for building prefixed page titles.
	Namespaces map[int]string
}

// Cleaner applies the site-specific cleaning passes.
type Cleaner struct {
	categoryRe *regexp.Regexp
	fileRe     *regexp.Regexp
}

var (
	boldRe     = regexp.MustCompile(`'''(.+?)'''`)
	italicRe   = regexp.MustCompile(`''(.+?)''`)
	quoteRe    = regexp.MustCompile(`"[^"\n]+"`)
	commentRe  = regexp.MustCompile(`(?s)<!--.*?-->`)
	extLinkRe  = regexp.MustCompile(`\[(?:(?:https?|ftp):)?//[^\s\]]*\s*([^\]]*)\]`)
	bareURLRe  = regexp.MustCompile(`(?:https?|ftp)://[^\s\[\]<>"]+`)
	templateRe = regexp.MustCompile(`\{\{[^{}]*\}\}`)
	wikilinkRe = regexp.MustCompile(`\[\[([^\]|]*)(?:\|([^\]]*))?\]\]`)
	headingRe  = regexp.MustCompile(`(?m)^={1,6}\s*(.*?)\s*={1,6}[ \t]*$`)
	htmlTagRe  = regexp.MustCompile(`</?[a-zA-Z][^>\n]*>`)
	spaceRunRe = regexp.MustCompile(` {2,}`)
	blankRunRe = regexp.MustCompile(`( ?\n){3,}`)
)

func alternation(words []string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return strings.Join(quoted, "|")
}

// NewCleaner compiles the site-specific patterns.
func NewCleaner(info SiteInfo) *Cleaner {
	categories := info.CategoryNamespaces
	if len(categories) == 0 {
		categories = []string{"Category"}
	}
	files := info.FileNamespaces
	if len(files) == 0 {
		files = []string{"File", "Image"}
	}
	extensions := info.FileExtensions
	if len(extensions) == 0 {
		extensions = []string{"jpg", "jpeg", "png", "gif", "svg", "ogg", "pdf", "webm", "tiff"}
	}
	return &Cleaner{
		categoryRe: regexp.MustCompile(
			`(?i)\[\[\s*:?\s*(?:` + alternation(categories) + `)\s*:[^\]]+\]\]\s*`),
		fileRe: regexp.MustCompile(
			`(?i)(?:` + alternation(files) + `)\s*:.+?\.(?:` + alternation(extensions) + `)`),
	}
}

// Clean normalizes wikitext into plain prose.
func (c *Cleaner) Clean(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	// Bold/italic wrappers keep their contents.
	text = boldRe.ReplaceAllString(text, "$1")
	text = italicRe.ReplaceAllString(text, "$1")

	text = c.categoryRe.ReplaceAllString(text, "")
	text = removeShortQuotes(text)
	text = stripMarkup(text)
	text = c.fileRe.ReplaceAllString(text, "")

	text = spaceRunRe.ReplaceAllString(text, " ")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = blankRunRe.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}

// removeShortQuotes deletes every quoted span of fewer than 50
// whitespace-separated words. Longer quotes are real prose and stay.
func removeShortQuotes(text string) string {
	for _, quote := range quoteRe.FindAllString(text, -1) {
		if len(strings.Fields(quote)) < 50 {
			text = strings.ReplaceAll(text, quote, "")
		}
	}
	return text
}

// stripMarkup renders the remaining wikitext to text: external links
// become their display titles, templates collapse to their parameter
// values, wikilinks to their labels, headings and tags to their
// contents.
func stripMarkup(text string) string {
	text = commentRe.ReplaceAllString(text, "")

	text = extLinkRe.ReplaceAllStringFunc(text, func(match string) string {
		sub := extLinkRe.FindStringSubmatch(match)
		return strings.TrimSpace(sub[1])
	})
	text = bareURLRe.ReplaceAllString(text, "")

	// Innermost-out so nested transclusions resolve.
	for {
		replaced := templateRe.ReplaceAllStringFunc(text, templateParams)
		if replaced == text {
			break
		}
		text = replaced
	}

	text = wikilinkRe.ReplaceAllStringFunc(text, func(match string) string {
		sub := wikilinkRe.FindStringSubmatch(match)
		if sub[2] != "" {
			return sub[2]
		}
		return sub[1]
	})

	text = headingRe.ReplaceAllString(text, "$1")
	text = htmlTagRe.ReplaceAllString(text, "")

	return text
}

// templateParams rewrites one {{...}} transclusion to its parameter
// values joined by spaces; the template name itself is dropped.
func templateParams(match string) string {
	inner := strings.TrimSuffix(strings.TrimPrefix(match, "{{"), "}}")
	parts := strings.Split(inner, "|")
	if len(parts) < 2 {
		return ""
	}
	var values []string
	for _, part := range parts[1:] {
		if i := strings.Index(part, "="); i >= 0 {
			part = part[i+1:]
		}
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return strings.Join(values, " ")
}
