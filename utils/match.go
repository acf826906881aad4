package utils

import "strings"

// MatchPage checks whether a concrete page path matches a page-rule pattern.
// Patterns may include:
//   - Wildcard '*' matching any sequence within a segment; a trailing "/*"
//     matches the whole subtree.
//   - Parameter prefix ':' (e.g., ':id') matching any single segment.
func MatchPage(path, pattern string) bool {
	if pattern == "*" {
		return true
	}
	return matchPattern(path, pattern)
}

// matchPattern matches a plain value against a pattern containing '*'
// wildcards and ':' parameters. Parameters match until the next '/'.
func matchPattern(value, pattern string) bool {
	vIndex, pIndex := 0, 0
	vLen, pLen := len(value), len(pattern)

	for pIndex < pLen {
		switch pattern[pIndex] {
		case '*':
			if pIndex == pLen-1 {
				return true
			}
			for vIndex < vLen && value[vIndex] != '/' {
				vIndex++
			}
			pIndex++
		case ':':
			pIndex++
			for pIndex < pLen && pattern[pIndex] != '/' {
				pIndex++
			}
			for vIndex < vLen && value[vIndex] != '/' {
				vIndex++
			}
		default:
			if vIndex < vLen && pattern[pIndex] == value[vIndex] {
				vIndex++
				pIndex++
			} else {
				return false
			}
		}
	}

	if strings.HasSuffix(pattern, "/*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "/*"))
	}
	return vIndex == vLen && pIndex == pLen
}
