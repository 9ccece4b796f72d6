package sqlutil

import (
	"strconv"
	"strings"
)

// QueryVariadic returns a "($1, $2, ...)" placeholder list for count
// parameters, for splicing into IN clauses.
func QueryVariadic(count int) string {
	return QueryVariadicOffset(count, 0)
}

// QueryVariadicOffset is QueryVariadic with numbering starting after
// offset existing parameters.
func QueryVariadicOffset(count, offset int) string {
	var b strings.Builder
	b.WriteString("(")
	for i := 0; i < count; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("$")
		b.WriteString(strconv.Itoa(i + offset + 1))
	}
	b.WriteString(")")
	return b.String()
}
