// Package sqlutil provides identifier quoting and the dialect details the
// assembler needs: placeholder format and lock clauses.
package sqlutil

import (
	"regexp"
	"strings"
)

var plainIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var reservedWords = map[string]struct{}{
	"and": {}, "as": {}, "asc": {}, "by": {}, "desc": {}, "from": {}, "group": {},
	"index": {}, "join": {}, "key": {}, "limit": {}, "not": {}, "on": {}, "or": {},
	"order": {}, "select": {}, "table": {}, "user": {}, "where": {},
}

// QuoteIdentifier quotes a SQL identifier (table name, column name, etc.)
// with backticks and escapes any backticks within the identifier.
func QuoteIdentifier(name string) string {
	return quoteWith(name, "`")
}

// QuoteString quotes a SQL string literal with single quotes and escapes
// any single quotes within the string by doubling them.
func QuoteString(s string) string {
	return quoteWith(s, "'")
}

func quoteWith(s, q string) string {
	return q + strings.ReplaceAll(s, q, q+q) + q
}

// NeedsQuoting reports whether name must be quoted to be used as an
// identifier: it is not a plain word or it is a reserved word.
func NeedsQuoting(name string) bool {
	if !plainIdentifier.MatchString(name) {
		return true
	}
	_, reserved := reservedWords[strings.ToLower(name)]
	return reserved
}
