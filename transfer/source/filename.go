package source

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultFilename is used when neither the headers nor the URL carry a usable name.
const DefaultFilename = "downloaded_file"

// Filename infers an object name from the Content-Disposition header, then from
// the last URL path segment. A path segment without an extension is not trusted.
func Filename(rawURL, contentDisposition string) string {
	if contentDisposition != "" {
		if _, params, err := mime.ParseMediaType(contentDisposition); err == nil {
			if name := cleanName(params["filename"]); name != "" {
				return name
			}
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return DefaultFilename
	}
	name := cleanName(u.Path)
	if name == "" || !strings.Contains(name, ".") {
		return DefaultFilename
	}
	return name
}

func cleanName(p string) string {
	name := path.Base(strings.ReplaceAll(p, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

// AllowList is a set of doublestar patterns matched against "host/path" of a source URL,
// e.g. "downloads.example.com/releases/**".
type AllowList []string

// Allows reports whether u matches one of the patterns. An empty list allows everything.
func (a AllowList) Allows(u *url.URL) (bool, error) {
	if len(a) == 0 {
		return true, nil
	}

	name := u.Host + u.Path
	for _, pattern := range a {
		if !doublestar.ValidatePattern(pattern) {
			return false, fmt.Errorf("invalid source pattern %q: %w", pattern, doublestar.ErrBadPattern)
		}
		ok, err := doublestar.Match(pattern, name)
		if err != nil {
			return false, fmt.Errorf("invalid source pattern %q: %w", pattern, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
