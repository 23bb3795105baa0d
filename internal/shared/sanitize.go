package shared

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var strictPolicy = bluemonday.StrictPolicy()

// maxTextLen caps free-text descriptions stored alongside ledger rows.
const maxTextLen = 500

// SanitizeText strips markup from user supplied free text, collapses
// whitespace and truncates it to a storable length.
func SanitizeText(s string) string {
	clean := strictPolicy.Sanitize(s)
	clean = strings.Join(strings.Fields(clean), " ")
	if r := []rune(clean); len(r) > maxTextLen {
		clean = string(r[:maxTextLen])
	}
	return clean
}
