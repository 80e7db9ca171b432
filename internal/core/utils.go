package core

import (
	"regexp"
	"strings"
)

// MaxSlugLength bounds the slug part of generated account ids.
const MaxSlugLength = 40

var (
	slugInvalid = regexp.MustCompile(`[^a-z0-9-]+`)
	slugDashes  = regexp.MustCompile(`-+`)
)

// Slugify turns a display name into the lowercase, dash-separated prefix of
// an account id. It may return "".
func Slugify(s string) string {
	s = strings.ReplaceAll(strings.ToLower(s), " ", "-")
	s = slugInvalid.ReplaceAllString(s, "")
	s = slugDashes.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > MaxSlugLength {
		s = strings.TrimRight(s[:MaxSlugLength], "-")
	}
	return s
}
