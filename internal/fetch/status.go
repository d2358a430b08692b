package fetch

import (
	"fmt"
	"strings"
)

// failureRank orders direct-cascade failures by how specific they are.
var failureRank = map[FailureKind]int{
	FailureOther:     1,
	FailureNetwork:   2,
	FailureTimeout:   3,
	FailureForbidden: 4,
	FailureNotFound:  5,
}

// run accumulates the state of one fetch.
type run struct {
	req      Request
	attempts []Attempt
	urls     []string
	seen     map[string]struct{}

	directFailure  FailureKind
	directNotFound bool
	mirrorsTried   bool
	archiveRan     bool
	waybackURL     string
	note           string
}

func newRun(req Request) *run {
	return &run{req: req, seen: make(map[string]struct{})}
}

func (r *run) addURL(u string) {
	if _, ok := r.seen[u]; ok {
		return
	}
	r.seen[u] = struct{}{}
	r.urls = append(r.urls, u)
}

func (r *run) record(a Attempt) {
	r.attempts = append(r.attempts, a)
	if a.Phase != PhaseDirect || a.Outcome.OK() {
		return
	}
	if a.Outcome.Failure == FailureNotFound {
		r.directNotFound = true
	}
	if failureRank[a.Outcome.Failure] > failureRank[r.directFailure] {
		r.directFailure = a.Outcome.Failure
	}
}

func (r *run) succeeded(status Status, resolved string, out Outcome) Result {
	res := r.base(status)
	res.LocalPath = r.req.OutputPath
	res.ContentType = out.ContentType
	res.ResolvedURL = resolved
	if status == StatusWaybackSuccess {
		res.WaybackURL = r.waybackURL
	}
	return res
}

func (r *run) failed(manualURL string) Result {
	res := r.base(r.failureStatus())
	res.WaybackURL = r.waybackURL
	res.ErrorMsg = r.summary(manualURL)
	return res
}

// failureStatus picks the terminal failure. A missing resource on the origin
// wins over everything so callers can tell "absent" from "blocked".
func (r *run) failureStatus() Status {
	switch {
	case r.directNotFound:
		return StatusNotFound
	case r.archiveRan, r.mirrorsTried:
		return StatusAllMirrorsFailed
	}
	switch r.directFailure {
	case FailureForbidden:
		return StatusForbidden
	case FailureTimeout:
		return StatusTimeout
	default:
		return StatusNetwork
	}
}

func (r *run) summary(manualURL string) string {
	var b strings.Builder
	if r.note != "" {
		b.WriteString(r.note)
	} else {
		fmt.Fprintf(&b, "all tactics failed for %s", r.req.URL)
	}

	last := make(map[string]Attempt, len(r.urls))
	for _, a := range r.attempts {
		last[a.URL] = a
	}
	for _, u := range r.urls {
		a, ok := last[u]
		if !ok {
			if r.note == "" {
				fmt.Fprintf(&b, "; %s: no engine available", u)
			}
			continue
		}
		fmt.Fprintf(&b, "; %s: %s %s", u, a.Tactic, a.Outcome.Failure)
		if a.Outcome.Diagnostic != "" {
			fmt.Fprintf(&b, " (%s)", a.Outcome.Diagnostic)
		}
	}

	switch {
	case r.waybackURL != "":
		fmt.Fprintf(&b, "; archived snapshot could not be downloaded, retrieve it manually from %s", r.waybackURL)
	case r.archiveRan:
		b.WriteString("; no archived snapshot found")
	}
	if manualURL != "" && r.waybackURL == "" {
		fmt.Fprintf(&b, "; search archives manually at %s", manualURL)
	}
	return b.String()
}

func (r *run) base(status Status) Result {
	return Result{
		Status:        status,
		URL:           r.req.URL,
		AttemptedURLs: append([]string(nil), r.urls...),
		Attempts:      append([]Attempt(nil), r.attempts...),
	}
}
