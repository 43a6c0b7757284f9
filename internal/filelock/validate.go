package filelock

import (
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Iron-Ham/switchboard/internal/errors"
)

var ownerPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateOwner checks that an agent id is well formed.
func ValidateOwner(owner string) error {
	if !ownerPattern.MatchString(owner) {
		return errors.NewValidationError("owner id must be 1-64 characters of letters, digits, '.', '_' or '-'").
			WithField("owner").WithValue(owner)
	}
	return nil
}

// NormalizeTarget validates target and returns its canonical form: a
// slash-separated path (or pattern) relative to root.
func NormalizeTarget(root, target string) (string, error) {
	invalid := func(msg string) error {
		return errors.NewValidationError(msg).WithField("target").WithValue(target)
	}

	if strings.TrimSpace(target) == "" {
		return "", invalid("target cannot be empty")
	}
	if strings.ContainsRune(target, 0) {
		return "", invalid("target contains a null character")
	}

	slashed := filepath.ToSlash(target)
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", invalid("target cannot contain '..' segments")
		}
	}

	rel := slashed
	if path.IsAbs(slashed) || filepath.IsAbs(target) {
		if root == "" {
			return "", invalid("absolute target requires a lock root")
		}
		r, err := filepath.Rel(root, filepath.Clean(target))
		if err != nil {
			return "", invalid("target is outside the lock root")
		}
		r = filepath.ToSlash(r)
		if r == ".." || strings.HasPrefix(r, "../") {
			return "", invalid("target is outside the lock root")
		}
		rel = r
	}

	rel = path.Clean(rel)
	if rel == "." || rel == "/" {
		return "", invalid("target cannot be the lock root itself")
	}

	if _, err := path.Match(rel, ""); err != nil {
		return "", errors.NewValidationError("malformed glob pattern").
			WithField("target").WithValue(target).WithCause(err)
	}
	return rel, nil
}
