package rebac

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	inRe   = regexp.MustCompile(`^([a-zA-Z0-9_.]+)\s+in\s*\[([^\]]*)\]$`)
	timeRe = regexp.MustCompile(`^env\.time\s+between\s+"?(\d{1,2}:\d{2})"?\s*(?:-|and)\s*"?(\d{1,2}:\d{2})"?$`)
	gteRe  = regexp.MustCompile(`^([a-zA-Z0-9_.]+)\s*>=\s*("[^"]*"|[^\s]+)$`)
	eqRe   = regexp.MustCompile(`^([a-zA-Z0-9_.]+)\s*==\s*("[^"]*"|[^\s]+)$`)
	neRe   = regexp.MustCompile(`^([a-zA-Z0-9_.]+)\s*!=\s*("[^"]*"|[^\s]+)$`)
)

// ParseCondition parses the compact condition text persisted alongside a
// policy into the Expr AST. The grammar intentionally covers only the
// patterns the engine emits via Expr.String (equality, inequality, >=, set
// membership, time windows and and/or chains), keeping parsing
// deterministic.
func ParseCondition(s string) (Expr, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "true" {
		return &TrueExpr{}, nil
	}
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		if inner := strings.TrimSpace(s[1 : len(s)-1]); balanced(inner) {
			s = inner
		}
	}

	// left-associative and/or split at the top level; "and" binds tighter
	if idx := splitTopLevel(s, " or "); idx != -1 {
		left, err := ParseCondition(s[:idx])
		if err != nil {
			return nil, err
		}
		right, err := ParseCondition(s[idx+len(" or "):])
		if err != nil {
			return nil, err
		}
		return &OrExpr{Left: left, Right: right}, nil
	}
	if idx := splitTopLevel(s, " and "); idx != -1 {
		left, err := ParseCondition(s[:idx])
		if err != nil {
			return nil, err
		}
		right, err := ParseCondition(s[idx+len(" and "):])
		if err != nil {
			return nil, err
		}
		return &AndExpr{Left: left, Right: right}, nil
	}

	if m := timeRe.FindStringSubmatch(s); len(m) == 3 {
		return &TimeBetweenExpr{Start: m[1], End: m[2]}, nil
	}
	if m := inRe.FindStringSubmatch(s); len(m) == 3 {
		parts := splitCSV(m[2])
		vals := make([]any, 0, len(parts))
		for _, p := range parts {
			vals = append(vals, p)
		}
		return &InExpr{Field: m[1], Values: vals}, nil
	}
	if m := gteRe.FindStringSubmatch(s); len(m) == 3 {
		return &GteExpr{Field: m[1], Value: literal(m[2])}, nil
	}
	if m := eqRe.FindStringSubmatch(s); len(m) == 3 {
		return &EqExpr{Field: m[1], Value: literal(m[2])}, nil
	}
	if m := neRe.FindStringSubmatch(s); len(m) == 3 {
		return &NeExpr{Field: m[1], Value: literal(m[2])}, nil
	}
	return nil, fmt.Errorf("unsupported condition syntax: %s", s)
}

// MustParseCondition panics on parse failure. For condition literals in
// config seeding and tests.
func MustParseCondition(s string) Expr {
	e, err := ParseCondition(s)
	if err != nil {
		panic(err)
	}
	return e
}

// splitTopLevel finds the first occurrence of sep outside brackets/quotes.
func splitTopLevel(s, sep string) int {
	depth := 0
	inQuote := false
	for i := 0; i+len(sep) <= len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case '[', '(':
			if !inQuote {
				depth++
			}
		case ']', ')':
			if !inQuote {
				depth--
			}
		}
		if depth == 0 && !inQuote && s[i:i+len(sep)] == sep {
			return i
		}
	}
	return -1
}

// balanced reports whether brackets/parens pair up, used to decide if outer
// parentheses wrap the whole expression.
func balanced(s string) bool {
	depth := 0
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case '[', '(':
			if !inQuote {
				depth++
			}
		case ']', ')':
			if !inQuote {
				depth--
				if depth < 0 {
					return false
				}
			}
		}
	}
	return depth == 0
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, `"'`)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// literal interprets a RHS token: quoted tokens are strings, unquoted
// numeric tokens become float64 so comparisons against numeric attributes
// work, everything else stays a string (including field references).
func literal(s string) any {
	if strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) && len(s) >= 2 {
		return s[1 : len(s)-1]
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
