package fetch

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

var invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// FilenameFromURL derives a safe local file name from a URL path.
//
// The last path segment is used ("index" when empty), preferredExt is appended
// when the name does not already end with it, and characters outside
// [A-Za-z0-9._-] are dropped. "download.bin" is returned when nothing survives.
func FilenameFromURL(raw, preferredExt string) string {
	base := "index"
	if u, err := url.Parse(raw); err == nil {
		if seg := path.Base(u.Path); seg != "/" && seg != "." && seg != "" {
			base = seg
		}
	}
	if preferredExt != "" && !strings.HasSuffix(strings.ToLower(base), strings.ToLower(preferredExt)) {
		base += preferredExt
	}
	safe := invalidFilenameChars.ReplaceAllString(base, "")
	if safe == "" {
		return "download.bin"
	}
	return safe
}
