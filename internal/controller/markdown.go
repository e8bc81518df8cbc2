package controller

import (
	"regexp"
	"strings"
)

var (
	deepHeadingRe = regexp.MustCompile(`#{3,}`)
	blankRunRe    = regexp.MustCompile(`\n{3,}`)
)

// NormalizeMarkdown strips deep heading markers and emphasis asterisks and
// collapses runs of blank lines. Double asterisks go before single ones so
// bold markers are not half-stripped.
func NormalizeMarkdown(s string) string {
	s = deepHeadingRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "*", "")
	return blankRunRe.ReplaceAllString(s, "\n\n")
}
