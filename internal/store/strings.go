package store

import (
	"regexp"
	"strings"
)

func regexQuote(s string) string {
	return regexp.QuoteMeta(s)
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
