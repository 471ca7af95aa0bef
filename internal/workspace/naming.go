package workspace

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// maxSlugLen bounds the title-derived portion of a generated name.
	maxSlugLen = 24

	// shortIDLen is how much of the task id is embedded in the name.
	shortIDLen = 8

	maxNameLen = 100
)

var validNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// GenerateName builds a workspace name of the form
// <agent>-<slug(title)>-<shortId>. The slug drops anything outside
// [a-z0-9] and collapses runs into single dashes.
func GenerateName(agentID, title, taskID string) string {
	slug := Slugify(title)
	short := taskID
	if len(short) > shortIDLen {
		short = short[:shortIDLen]
	}
	parts := make([]string, 0, 3)
	if agentID != "" {
		parts = append(parts, agentID)
	}
	if slug != "" {
		parts = append(parts, slug)
	}
	if short != "" {
		parts = append(parts, short)
	}
	return strings.Join(parts, "-")
}

// Slugify lowercases s and reduces it to dash-separated [a-z0-9] runs,
// truncated to a bounded length.
func Slugify(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	lastDash := true // suppress leading dash
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	return slug
}

// ValidateName checks a generated workspace name before it is used to
// create a runtime workspace.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("workspace name is empty")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("workspace name exceeds %d characters", maxNameLen)
	}
	if !validNamePattern.MatchString(name) {
		return fmt.Errorf("workspace name %q contains invalid characters", name)
	}
	return nil
}
