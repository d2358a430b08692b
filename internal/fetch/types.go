package fetch

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Status is the terminal classification of one fetch.
type Status string

const (
	// StatusSuccess means the resource was retrieved from the original URL or a mirror.
	StatusSuccess Status = "success"
	// StatusWaybackSuccess means the resource was retrieved from an archived snapshot.
	StatusWaybackSuccess Status = "wayback_success"
	// StatusForbidden means every tactic was refused.
	StatusForbidden Status = "failed_403"
	// StatusNotFound means the origin reported the resource as absent.
	StatusNotFound Status = "failed_404"
	// StatusTimeout means the attempts timed out.
	StatusTimeout Status = "failed_timeout"
	// StatusNetwork covers DNS, connect and reset failures as well as unclassified errors.
	StatusNetwork Status = "failed_network"
	// StatusAllMirrorsFailed means mirrors and/or the archive were tried and nothing succeeded.
	StatusAllMirrorsFailed Status = "failed_all_mirrors"
)

// Succeeded reports whether the status carries a local file.
func (s Status) Succeeded() bool {
	return s == StatusSuccess || s == StatusWaybackSuccess
}

// FailureKind classifies a failed attempt.
type FailureKind string

// Failure kinds produced at the engine boundary.
const (
	FailureNone      FailureKind = ""
	FailureForbidden FailureKind = "forbidden"
	FailureNotFound  FailureKind = "not_found"
	FailureTimeout   FailureKind = "timeout"
	FailureNetwork   FailureKind = "network_error"
	FailureOther     FailureKind = "other"
)

// Tactic names one of the fixed retrieval engines.
type Tactic string

// The engine cascade, in priority order.
const (
	TacticSession Tactic = "session"
	TacticCurl    Tactic = "curl"
	TacticWget    Tactic = "wget"
)

// Phase identifies which stage of the cascade produced an attempt.
type Phase string

// Cascade phases.
const (
	PhaseDirect  Phase = "direct"
	PhaseMirror  Phase = "mirror"
	PhaseArchive Phase = "archive"
)

// NotFoundPolicy controls how a not-found outcome on the original URL is treated.
type NotFoundPolicy string

const (
	// NotFoundSkipEngines stops the remaining engines for that URL but still runs mirrors.
	NotFoundSkipEngines NotFoundPolicy = "skip_engines"
	// NotFoundAbandonURL ends the fetch as soon as the original URL reports not-found.
	NotFoundAbandonURL NotFoundPolicy = "abandon_url"
)

// DefaultTimeout bounds a single transport attempt when the request does not set one.
const DefaultTimeout = 60 * time.Second

// Request describes one fetch.
type Request struct {
	URL        string
	OutputPath string
	TryMirrors bool
	TryWayback bool
	// Timeout applies to each individual attempt, not the whole cascade.
	Timeout time.Duration
}

// NewRequest returns a Request with mirrors and archive fallback enabled.
func NewRequest(rawURL, outputPath string) Request {
	return Request{
		URL:        rawURL,
		OutputPath: outputPath,
		TryMirrors: true,
		TryWayback: true,
		Timeout:    DefaultTimeout,
	}
}

// Validate reports malformed requests.
func (r Request) Validate() error {
	if r.OutputPath == "" {
		return errors.New("output path is required")
	}
	if r.Timeout < 0 {
		return errors.New("timeout must be >= 0")
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url %q must be absolute http(s)", r.URL)
	}
	return nil
}

// Download is the job handed to an engine: fetch URL into Path.
type Download struct {
	URL     string
	Path    string
	Referer string
	Timeout time.Duration
}

// Outcome is what an engine reports for one download.
type Outcome struct {
	Failure     FailureKind `json:"failure,omitempty"`
	StatusCode  int         `json:"status_code,omitempty"`
	ContentType string      `json:"content_type,omitempty"`
	Bytes       int64       `json:"bytes,omitempty"`
	Diagnostic  string      `json:"diagnostic,omitempty"`
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool {
	return o.Failure == FailureNone
}

// Success builds a successful outcome.
func Success(contentType string, n int64) Outcome {
	return Outcome{ContentType: contentType, Bytes: n}
}

// Failed builds a failed outcome.
func Failed(kind FailureKind, diagnostic string) Outcome {
	return Outcome{Failure: kind, Diagnostic: diagnostic}
}

// Attempt is one entry in the append-only attempt log.
type Attempt struct {
	Tactic    Tactic        `json:"tactic"`
	Phase     Phase         `json:"phase"`
	URL       string        `json:"url"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Outcome   Outcome       `json:"outcome"`
}

// Result is the terminal outcome of one Request.
type Result struct {
	Status        Status    `json:"status"`
	URL           string    `json:"url"`
	LocalPath     string    `json:"local_path,omitempty"`
	ContentType   string    `json:"content_type,omitempty"`
	ResolvedURL   string    `json:"resolved_url,omitempty"`
	AttemptedURLs []string  `json:"attempted_urls"`
	WaybackURL    string    `json:"wayback_url,omitempty"`
	ErrorMsg      string    `json:"error_msg,omitempty"`
	Attempts      []Attempt `json:"attempts"`
}
