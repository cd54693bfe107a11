// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package loader

import (
	"strings"
)

// ErrUnsafeSQL is returned when sql_text does not begin with a read-only
// projection verb.
var ErrUnsafeSQL = Error.New("sql_text must begin with a read-only projection verb")

var readOnlyVerbs = []string{"SELECT", "WITH"}

// ValidateReadOnlySQL rejects statements that do not start with a read-only
// projection verb. This is a guard against obviously-wrong definitions, not
// a substitute for the source-side read-only probe.
func ValidateReadOnlySQL(query string) error {
	trimmed := strings.TrimSpace(query)
	for {
		switch {
		case strings.HasPrefix(trimmed, "--"):
			idx := strings.IndexByte(trimmed, '\n')
			if idx < 0 {
				return ErrUnsafeSQL
			}
			trimmed = strings.TrimSpace(trimmed[idx+1:])
		case strings.HasPrefix(trimmed, "/*"):
			idx := strings.Index(trimmed, "*/")
			if idx < 0 {
				return ErrUnsafeSQL
			}
			trimmed = strings.TrimSpace(trimmed[idx+2:])
		default:
			upper := strings.ToUpper(trimmed)
			for _, verb := range readOnlyVerbs {
				if strings.HasPrefix(upper, verb+" ") || strings.HasPrefix(upper, verb+"\n") || strings.HasPrefix(upper, verb+"\t") || strings.HasPrefix(upper, verb+"(") {
					return nil
				}
			}
			return ErrUnsafeSQL
		}
	}
}

// BindRangeParams rewrites the :from / :to named parameters of sql_text into
// driver placeholders produced by placeholder (1-based) and returns the
// argument order as parameter names. Single-quoted literals are left alone.
func BindRangeParams(query string, placeholder func(n int) string) (rewritten string, order []string) {
	var b strings.Builder
	b.Grow(len(query))

	inString := false
	n := 0
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '\'' {
			inString = !inString
			b.WriteByte(c)
			continue
		}
		if !inString && c == ':' {
			rest := query[i+1:]
			for _, name := range []string{"from", "to"} {
				if hasParam(rest, name) {
					n++
					b.WriteString(placeholder(n))
					order = append(order, name)
					i += len(name)
					rest = ""
					break
				}
			}
			if rest == "" {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String(), order
}

func hasParam(s, name string) bool {
	if !strings.HasPrefix(s, name) {
		return false
	}
	if len(s) == len(name) {
		return true
	}
	next := s[len(name)]
	return !(next == '_' || next >= '0' && next <= '9' || next >= 'a' && next <= 'z' || next >= 'A' && next <= 'Z')
}
