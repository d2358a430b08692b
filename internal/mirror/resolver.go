package mirror

import (
	"net/url"
	"regexp"
	"strings"
)

// academicDomain serves abstract pages at /abs/<id> and documents at /pdf/<id>.pdf.
const academicDomain = "arxiv.org"

var abstractPath = regexp.MustCompile(`^/abs/(.+?)(?:\.pdf)?/?$`)

// Resolver expands URLs into mirror candidates using a Table.
type Resolver struct {
	table *Table
}

// NewResolver returns a resolver reading from table.
func NewResolver(table *Table) *Resolver {
	return &Resolver{table: table}
}

// Normalize rewrites an academic abstract URL to its direct document URL.
// Other URLs are returned unchanged.
func (r *Resolver) Normalize(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || !r.isAcademic(u.Hostname()) {
		return rawURL
	}
	rewriteAbstract(u)
	return u.String()
}

// Candidates returns one URL per mirror of the URL's domain, in table order.
// Only the host changes (plus the academic path rewrite); port, path, query and
// fragment are preserved. A mirror naming the request's own host is skipped.
func (r *Resolver) Candidates(rawURL string) []string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return nil
	}
	key, mirrors := r.table.Lookup(u.Hostname())
	if len(mirrors) == 0 {
		return nil
	}
	if key == academicDomain || r.isAcademic(u.Hostname()) {
		rewriteAbstract(u)
	}
	self := sameSite(u.Hostname())
	out := make([]string, 0, len(mirrors))
	for _, m := range mirrors {
		if sameSite(m) == self {
			continue
		}
		c := *u
		c.Host = m
		if port := u.Port(); port != "" {
			c.Host = m + ":" + port
		}
		out = append(out, c.String())
	}
	return out
}

func (r *Resolver) isAcademic(host string) bool {
	host = normalizeDomain(host)
	if host == academicDomain || strings.HasSuffix(host, "."+academicDomain) {
		return true
	}
	_, mirrors := r.table.Lookup(academicDomain)
	for _, m := range mirrors {
		if host == m {
			return true
		}
	}
	return false
}

// sameSite folds a host to the form used to detect self-mirrors.
func sameSite(host string) string {
	return strings.TrimPrefix(normalizeDomain(host), "www.")
}

func rewriteAbstract(u *url.URL) {
	m := abstractPath.FindStringSubmatch(u.Path)
	if m == nil {
		return
	}
	u.Path = "/pdf/" + m[1] + ".pdf"
	u.RawPath = ""
}
