package shared

import (
	"strings"

	"golang.org/x/text/cases"
)

// FoldName trims and case-folds a command or role name.
func FoldName(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}
