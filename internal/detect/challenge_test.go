package detect

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChallenge_TitleMarker(t *testing.T) {
	t.Parallel()

	c := NewChallenge(0)
	blocked, reason := c.Blocked("text/html; charset=utf-8",
		[]byte(`<html><head><title>Just a moment...</title></head><body></body></html>`))
	require.True(t, blocked)
	require.Contains(t, reason, "just a moment")
}

func TestChallenge_Selector(t *testing.T) {
	t.Parallel()

	c := NewChallenge(0)
	blocked, reason := c.Blocked("text/html",
		[]byte(`<html><body><form id="challenge-form" action="/x"></form></body></html>`))
	require.True(t, blocked)
	require.Contains(t, reason, "#challenge-form")
}

func TestChallenge_ScriptOnlyPage(t *testing.T) {
	t.Parallel()

	c := NewChallenge(1000)
	body := `<html><script>` + strings.Repeat("x", 200) + `</script><noscript>Please enable JavaScript</noscript></html>`
	blocked, _ := c.Blocked("text/html", []byte(body))
	require.True(t, blocked)
}

func TestChallenge_RegularArticle(t *testing.T) {
	t.Parallel()

	c := NewChallenge(0)
	body := `<html><head><title>Annual report</title></head><body><p>` + strings.Repeat("content ", 200) + `</p></body></html>`
	blocked, _ := c.Blocked("text/html", []byte(body))
	require.False(t, blocked)
}

func TestChallenge_IgnoresNonHTML(t *testing.T) {
	t.Parallel()

	c := NewChallenge(0)
	blocked, _ := c.Blocked("application/pdf", []byte(`<title>Just a moment</title>`))
	require.False(t, blocked)
	blocked, _ = c.Blocked("", nil)
	require.False(t, blocked)
}

func TestChallenge_SniffsUntypedHTML(t *testing.T) {
	t.Parallel()

	c := NewChallenge(0)
	blocked, _ := c.Blocked("", []byte(`<!DOCTYPE html><html><head><title>Access Denied</title></head></html>`))
	require.True(t, blocked)
}

func TestChallenge_WidgetNeedsChallengeTitle(t *testing.T) {
	t.Parallel()

	c := NewChallenge(0)
	body := `<html><head><title>Verify you are human</title></head><body>` +
		`<p>` + strings.Repeat("Please complete the check below. ", 30) + `</p>` +
		`<div class="g-recaptcha" data-sitekey="k"></div></body></html>`
	blocked, reason := c.Blocked("text/html", []byte(body))
	require.True(t, blocked)
	require.Contains(t, reason, "div.g-recaptcha")
}

func TestChallenge_OrdinaryPagesAreNotBlocked(t *testing.T) {
	t.Parallel()

	longArticle := `<html><head><title>Report on airport security check procedures</title></head><body>` +
		`<article><p>` + strings.Repeat("Screening lanes were reviewed in detail. ", 500) + `</p></article></body></html>`
	contactForm := `<html><head><title>Contact us</title></head><body>` +
		`<p>` + strings.Repeat("Our office answers every message within two days. ", 150) + `</p>` +
		`<form action="/contact"><textarea name="msg"></textarea>` +
		`<div class="g-recaptcha" data-sitekey="k"></div>` +
		`<iframe src="https://www.google.com/recaptcha/api2/anchor"></iframe></form></body></html>`
	shortArticle := `<html><head><title>Access denied: the FOIA appeal</title></head><body><p>` +
		strings.Repeat("The agency withheld the records under exemption five. ", 40) + `</p></body></html>`

	tests := []struct {
		name string
		body string
	}{
		{name: "long article with challenge words in title", body: longArticle},
		{name: "contact form with captcha widget", body: contactForm},
		{name: "small article with challenge words in title", body: shortArticle},
	}
	c := NewChallenge(0)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			blocked, reason := c.Blocked("text/html; charset=utf-8", []byte(tc.body))
			require.False(t, blocked, reason)
		})
	}
	require.Greater(t, len(longArticle), 16<<10)
	require.Less(t, len(contactForm), 16<<10)
}
