//
//  Copyright © Maatini. All rights reserved.
//

// Package pathmatch implements Ant-style request path matching:
//
//   - /api/users     — exact match
//   - /api/users/*   — matches exactly one additional path segment
//   - /api/users/**  — matches zero or more additional path segments
package pathmatch

import "strings"

// Matches reports whether path matches the given pattern. Trailing slashes
// on the path are normalized away. An empty path or pattern never matches.
func Matches(path, pattern string) bool {
	if path == "" || pattern == "" {
		return false
	}

	normalized := path
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = normalized[:len(normalized)-1]
	}

	if strings.HasSuffix(pattern, "/**") {
		prefix := pattern[:len(pattern)-3]
		return normalized == prefix ||
			strings.HasPrefix(normalized, prefix+"/") ||
			prefix == "" // /** matches everything
	}

	if strings.HasSuffix(pattern, "/*") {
		prefix := pattern[:len(pattern)-2]
		if !strings.HasPrefix(normalized, prefix+"/") {
			return false
		}
		remainder := normalized[len(prefix)+1:]
		return remainder != "" && !strings.Contains(remainder, "/")
	}

	return normalized == pattern
}

// MatchesAny reports whether path matches any of the given patterns,
// short-circuiting on the first hit. A nil pattern list never matches.
func MatchesAny(path string, patterns []string) bool {
	for _, pattern := range patterns {
		if Matches(path, pattern) {
			return true
		}
	}
	return false
}
