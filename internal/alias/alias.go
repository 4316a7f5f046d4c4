// Package alias generates the table aliases, suffixes and column aliases of
// a compiled query. Generation and extraction both go through this package
// so the names always agree.
package alias

import (
	"strconv"
	"strings"
	"unicode"
)

// MaxLength bounds the root of generated table and column aliases.
const MaxLength = 10

// TableAlias derives a table alias such as "order3_" from an entity name or
// collection role and the position of the join.
func TableAlias(description string, n int) string {
	return aliasRoot(description) + strconv.Itoa(n) + "_"
}

func aliasRoot(description string) string {
	name := description
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	if len(name) > MaxLength {
		name = name[:MaxLength]
	}
	name = strings.ToLower(name)
	name = strings.NewReplacer("/", "_", "$", "_").Replace(name)
	name = clean(name)
	if name == "" {
		return "alias"
	}
	if last := rune(name[len(name)-1]); unicode.IsDigit(last) {
		return name + "x"
	}
	return name
}

// clean drops leading characters up to the first letter. A name without
// letters is returned unchanged.
func clean(name string) string {
	for i, r := range name {
		if unicode.IsLetter(r) {
			return name[i:]
		}
	}
	return name
}

// Suffix returns the suffix for ordinal n: "0_", "1_", ... "10_".
func Suffix(n int) string {
	return strconv.Itoa(n) + "_"
}

// Suffixes returns length suffixes starting at seed.
func Suffixes(seed, length int) []string {
	if length <= 0 {
		return nil
	}
	out := make([]string, length)
	for i := range out {
		out[i] = Suffix(seed + i)
	}
	return out
}

// ColumnAlias derives the result-set alias of a column from its name, its
// position within the owning slot and the slot suffix, e.g. "name1_0_".
func ColumnAlias(column string, position int, suffix string) string {
	unique := strconv.Itoa(position) + "_"
	name := sanitize(strings.ToLower(column))

	root := name
	lastLetter := strings.LastIndexFunc(name, unicode.IsLetter)
	switch {
	case lastLetter < 0:
		root = "column"
	case len(name) > lastLetter+1:
		root = name[:lastLetter+1]
	}
	if len(name)+len(unique) > MaxLength && len(root)+len(unique) > MaxLength {
		keep := MaxLength - len(unique)
		if keep < 1 {
			keep = 1
		}
		if keep < len(root) {
			root = root[:keep]
		}
	}
	return root + unique + suffix
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return '_'
	}, name)
}
