package parser

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	whitespacePattern  = regexp.MustCompile(`[ \t\f\v\x{00a0}]+`)
	blankLinesPattern  = regexp.MustCompile(`\n{3,}`)
	imageSizeSuffix    = regexp.MustCompile(`(?i)_(\d+x\d+[^./]*|q\d+)\.(jpg|jpeg|png|webp)(_\.(avif|webp))?$`)
	imageVariantSuffix = regexp.MustCompile(`(?i)_(main|profile)\.(jpg|jpeg|png|webp)$`)
	imageFormatSuffix  = regexp.MustCompile(`(?i)\.(jpg|jpeg|png)_\.(avif|webp)$`)
)

// CleanText normalizes unicode (NFKC), collapses runs of spaces and trims
// each line. Paragraph breaks are kept.
func CleanText(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(whitespacePattern.ReplaceAllString(line, " "))
	}

	s = strings.Join(lines, "\n")
	s = blankLinesPattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// CleanURL drops query and fragment so that tracking parameters do not
// create distinct identities for the same listing.
func CleanURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			return raw[:i]
		}
		return raw
	}

	u.RawQuery = ""
	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)
	return u.String()
}

// CleanImageURL turns a thumbnail URL into the full-size original by
// stripping resize suffixes like "_220x220q75.jpg_.avif".
func CleanImageURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	if i := strings.Index(raw, "?"); i >= 0 {
		raw = raw[:i]
	}

	raw = imageSizeSuffix.ReplaceAllString(raw, "")
	raw = imageVariantSuffix.ReplaceAllString(raw, ".$2")
	raw = imageFormatSuffix.ReplaceAllString(raw, ".$1")

	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	return raw
}

// ResolveURL resolves href against base; it returns href untouched when
// either does not parse.
func ResolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, "//") {
		return "https:" + href
	}

	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	h, err := url.Parse(href)
	if err != nil {
		return href
	}
	return b.ResolveReference(h).String()
}
