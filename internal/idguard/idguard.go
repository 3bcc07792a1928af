// Package idguard validates job identifiers, path parameters, and kind
// allow-lists at every API boundary (spec §4.1). Nothing here performs I/O;
// every function returns an *apierr.Error and never panics.
package idguard

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/waterwoods/searchforge-sub005/internal/apierr"
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,200}$`)

// ValidateJobID accepts only [A-Za-z0-9_-], length 1..200. A malformed id is
// a path-parameter guard rejection, reported as HTTP 400 rather than the
// 422 used for body-schema violations.
func ValidateJobID(id string) error {
	if !jobIDPattern.MatchString(id) {
		return apierr.WithStatus(apierr.InvalidInput, 400, "invalid job id", id)
	}
	return nil
}

// ValidateKind checks kind against a fixed allow-list. Unknown kinds are
// rejected; this must run before any field-level validation of params.
func ValidateKind(kind string, allowed []string) error {
	for _, k := range allowed {
		if k == kind {
			return nil
		}
	}
	return apierr.WithDetail(apierr.InvalidInput, "unknown job kind", kind)
}

// ValidatePath resolves p against root and rejects it unless the resolved
// path is a descendant of root. Also rejects any ".." segment before
// resolution, since a resolved path can look safe while the input string
// was still a traversal attempt (e.g. symlinked root).
func ValidatePath(root, p string) (string, error) {
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return "", apierr.WithStatus(apierr.InvalidInput, 400, "path traversal rejected", p)
		}
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", apierr.WithStatus(apierr.InvalidInput, 400, "invalid root", root)
	}
	resolved, err := filepath.Abs(filepath.Join(absRoot, p))
	if err != nil {
		return "", apierr.WithStatus(apierr.InvalidInput, 400, "invalid path", p)
	}

	rel, err := filepath.Rel(absRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apierr.WithStatus(apierr.InvalidInput, 400, "path escapes root", p)
	}
	return resolved, nil
}
