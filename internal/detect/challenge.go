// Package detect recognizes bot-challenge pages served with a success status.
package detect

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// Challenge implements a handful of rule-based checks for interstitial pages.
// Interstitials are small, so pages at or above BodyLengthThreshold are never
// reported.
type Challenge struct {
	BodyLengthThreshold int
}

// NewChallenge creates a new detector.
func NewChallenge(threshold int) *Challenge {
	if threshold <= 0 {
		threshold = 16 << 10
	}
	return &Challenge{BodyLengthThreshold: threshold}
}

var titleMarkers = []string{
	"just a moment",
	"attention required",
	"access denied",
	"are you a robot",
	"verify you are human",
	"security check",
	"ddos protection",
	"pardon our interruption",
}

// challengeSelectors only occur on vendor interstitials.
var challengeSelectors = []string{
	"#challenge-form",
	"#cf-challenge-running",
	"#challenge-running",
	"#px-captcha",
	`script[src*="/cdn-cgi/challenge-platform/"]`,
}

// widgetSelectors also appear on ordinary forms; they count only next to a
// challenge title.
var widgetSelectors = []string{
	"div.g-recaptcha",
	"div.h-captcha",
	`iframe[src*="captcha"]`,
}

// sparseTextRunes is the visible text length below which a page is treated
// as having no content of its own.
const sparseTextRunes = 512

var jsRequiredMarkers = [][]byte{
	[]byte("enable javascript"),
	[]byte("enable cookies"),
	[]byte("checking your browser"),
}

// Blocked reports whether head (the first bytes of a download) is a challenge
// page rather than the requested document. Non-HTML content is never blocked.
func (c *Challenge) Blocked(contentType string, head []byte) (bool, string) {
	if len(head) == 0 || len(head) >= c.BodyLengthThreshold || !isHTML(contentType, head) {
		return false, ""
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(head))
	if err != nil {
		return false, ""
	}
	for _, sel := range challengeSelectors {
		if doc.Find(sel).Length() > 0 {
			return true, "challenge element " + sel
		}
	}

	scriptDense := scriptDensityHigh(head)
	title := strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
	if hasTitleMarker(title) {
		for _, sel := range widgetSelectors {
			if doc.Find(sel).Length() > 0 {
				return true, "challenge page title: " + title + " with " + sel
			}
		}
		text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
		if scriptDense || utf8.RuneCountInString(text) < sparseTextRunes {
			return true, "challenge page title: " + title
		}
	}

	if scriptDense {
		lower := bytes.ToLower(head)
		for _, marker := range jsRequiredMarkers {
			if bytes.Contains(lower, marker) {
				return true, "script-only page asking to " + string(marker)
			}
		}
	}
	return false, ""
}

func hasTitleMarker(title string) bool {
	for _, marker := range titleMarkers {
		if strings.Contains(title, marker) {
			return true
		}
	}
	return false
}

func isHTML(contentType string, head []byte) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "html") {
		return true
	}
	if ct != "" && !strings.HasPrefix(ct, "text/plain") && !strings.HasPrefix(ct, "application/octet-stream") {
		return false
	}
	trimmed := bytes.ToLower(bytes.TrimSpace(head))
	return bytes.HasPrefix(trimmed, []byte("<!doctype html")) || bytes.HasPrefix(trimmed, []byte("<html"))
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	return scriptCoverage*100/total >= 25
}
