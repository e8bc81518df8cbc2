package controller

import "testing"

func TestNormalizeMarkdown(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"strips deep headings", "### Title\ntext", " Title\ntext"},
		{"keeps double hash", "## Title", "## Title"},
		{"strips bold", "some **bold** text", "some bold text"},
		{"strips single asterisks", "a *b* c", "a b c"},
		{"bold before italic", "**x***y*", "xy"},
		{"collapses blank runs", "a\n\n\n\nb", "a\n\nb"},
		{"keeps double newline", "a\n\nb", "a\n\nb"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeMarkdown(tc.in); got != tc.want {
				t.Fatalf("NormalizeMarkdown(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
