package bus

import (
	"path"
	"strings"
)

const segmentSeparator = "."

// MatchPattern reports whether an event name matches a dot-segment glob.
//
//	"github.issues.*"  matches "github.issues.opened" but not "github.issues.a.b"
//	"github.**"        matches "github", "github.push", "github.issues.opened"
//	"**.created"       matches "gitlab.issue.created"
//	"github.is?ues.*"  matches "github.issues.closed"
//
// "*" and "?" never cross a dot. A malformed pattern matches nothing.
func MatchPattern(pattern, eventName string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || eventName == "" {
		return false
	}
	if pattern == "**" {
		return true
	}
	return matchSegments(strings.Split(pattern, segmentSeparator), strings.Split(eventName, segmentSeparator))
}

// MatchAnyPattern reports whether any of the patterns match the event name.
func MatchAnyPattern(patterns []string, eventName string) bool {
	for _, pattern := range patterns {
		if MatchPattern(pattern, eventName) {
			return true
		}
	}
	return false
}

// ValidPattern reports whether every segment of the pattern is well formed.
func ValidPattern(pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	for _, segment := range strings.Split(pattern, segmentSeparator) {
		if segment == "" {
			return false
		}
		if segment == "**" {
			continue
		}
		if strings.Contains(segment, "**") {
			return false
		}
		if _, err := path.Match(segment, ""); err != nil {
			return false
		}
	}
	return true
}

func matchSegments(pattern, name []string) bool {
	for len(pattern) > 0 {
		head := pattern[0]
		if head == "**" {
			rest := pattern[1:]
			// ** consumes zero or more segments.
			for skip := 0; skip <= len(name); skip++ {
				if matchSegments(rest, name[skip:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		ok, err := path.Match(head, name[0])
		if err != nil || !ok {
			return false
		}
		pattern = pattern[1:]
		name = name[1:]
	}
	return len(name) == 0
}
