package fetch

import (
	"context"
	"time"
)

// Engine downloads a single URL into a local file.
//
// Implementations never return Go errors: every transport problem is classified
// into the returned Outcome at the engine boundary.
type Engine interface {
	// Available reports whether the engine can run on this host.
	Available() bool
	Download(ctx context.Context, d Download) Outcome
}

// Engines is the fixed cascade, tried in field order. Nil slots are skipped.
type Engines struct {
	Session Engine
	Curl    Engine
	Wget    Engine
}

type slot struct {
	tactic Tactic
	engine Engine
}

func (e Engines) ordered() []slot {
	out := make([]slot, 0, 3)
	for _, s := range []slot{
		{tactic: TacticSession, engine: e.Session},
		{tactic: TacticCurl, engine: e.Curl},
		{tactic: TacticWget, engine: e.Wget},
	} {
		if s.engine != nil {
			out = append(out, s)
		}
	}
	return out
}

// Gate enforces the per-domain minimum interval between attempts.
type Gate interface {
	Wait(ctx context.Context, rawURL string) error
}

// MirrorResolver expands a URL into mirror candidates.
type MirrorResolver interface {
	// Normalize applies URL rewrites that hold for every host, such as
	// abstract-page to document rewrites.
	Normalize(rawURL string) string
	// Candidates returns one rewritten URL per configured mirror domain, in table order.
	Candidates(rawURL string) []string
}

// ArchiveLookup finds an archived snapshot of a URL.
type ArchiveLookup interface {
	// Lookup returns the snapshot URL, or found=false when none is indexed or
	// the index could not be reached.
	Lookup(ctx context.Context, rawURL string) (snapshotURL string, found bool)
	// ManualURL is where a person can browse snapshots of rawURL by hand.
	ManualURL(rawURL string) string
}

// BlockDetector inspects a successful download for bot-challenge pages.
type BlockDetector interface {
	Blocked(contentType string, head []byte) (bool, string)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
