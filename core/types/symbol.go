package types

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeSymbol folds a token ticker into its canonical form. NFKC maps
// compatibility glyphs such as fullwidth letters onto ASCII so "ＳＴＫ" and
// "stk" name the same token.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(norm.NFKC.String(strings.TrimSpace(symbol)))
}
