// Package redact scrubs secrets from agent tool output before it is
// streamed to clients or written to the session record.
package redact

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Mode selects how hard the redactor tries.
type Mode string

const (
	// ModeOff disables redaction.
	ModeOff Mode = "off"
	// ModeBasic scrubs key-value assignments, HTTP headers, URL query
	// parameters, PEM blocks, and known token prefixes.
	ModeBasic Mode = "basic"
	// ModeAggressive adds entropy-based detection of secret-looking tokens.
	ModeAggressive Mode = "aggressive"

	// minEntropyCandidateLen is the minimum token length considered for
	// entropy-based redaction.
	minEntropyCandidateLen = 20
)

const defaultReplacement = "***REDACTED***"

// Config holds configuration for a Redactor.
type Config struct {
	Mode        Mode
	ExtraKeys   []string // extra env key suffixes whose assigned values are scrubbed
	Replacement string
}

// Redactor scrubs secret material out of text chunks. All patterns are
// compiled once at construction; Scrub is safe for concurrent use.
type Redactor struct {
	mode        Mode
	replacement string
	assignRes   []*regexp.Regexp
	headerRe    *regexp.Regexp
	queryRe     *regexp.Regexp
	pemRe       *regexp.Regexp
	prefixRes   []*regexp.Regexp
	candidateRe *regexp.Regexp
}

// New creates a Redactor. An empty mode means basic.
func New(cfg Config) *Redactor {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeBasic
	}
	replacement := cfg.Replacement
	if replacement == "" {
		replacement = defaultReplacement
	}

	r := &Redactor{
		mode:        mode,
		replacement: replacement,
	}
	if mode == ModeOff {
		return r
	}

	keySuffixes := []string{
		"_TOKEN", "_KEY", "_SECRET", "_PASSWORD", "_API_KEY", "_AUTH_TOKEN",
	}
	exactKeys := []string{
		"API_KEY", "APIKEY", "AUTH_TOKEN", "PASSWORD", "SECRET", "TOKEN",
	}
	for _, k := range cfg.ExtraKeys {
		if k = strings.TrimSpace(k); k != "" {
			exactKeys = append(exactKeys, k)
		}
	}
	for _, suffix := range keySuffixes {
		r.assignRes = append(r.assignRes, regexp.MustCompile(
			`(\w+`+regexp.QuoteMeta(suffix)+`)\s*=\s*['"]?([^'"\s]+)['"]?`))
	}
	for _, key := range exactKeys {
		r.assignRes = append(r.assignRes, regexp.MustCompile(
			`\b(`+regexp.QuoteMeta(key)+`)\s*=\s*['"]?([^'"\s]+)['"]?`))
	}

	headers := []string{
		"Authorization", "Proxy-Authorization", "Cookie", "Set-Cookie",
		"X-API-Key", "X-Api-Key", "X-Auth-Token",
	}
	r.headerRe = regexp.MustCompile(
		`(?i)(^|\n)(\s*(?:` + strings.Join(headers, "|") + `)\s*:\s*)[^\n\r]+`)

	params := []string{
		"token", "key", "secret", "password", "api_key", "apikey",
		"access_token", "refresh_token", "auth_token",
	}
	r.queryRe = regexp.MustCompile(
		`([?&](?:` + strings.Join(params, "|") + `)=)[^&\s#'"]+`)

	r.pemRe = regexp.MustCompile(
		`-----BEGIN [A-Za-z0-9+/\s-]+-----[\s\S]*?-----END [A-Za-z0-9+/\s-]+-----`)

	// Token formats with recognizable prefixes. Low false-positive rate, so
	// these run in basic mode too.
	for _, p := range []string{
		`ghp_[A-Za-z0-9_]{32,40}`,
		`gh[ours]_[A-Za-z0-9_]{32,40}`,
		`sk-ant-[A-Za-z0-9_-]{24,120}`,
		`sk-[A-Za-z0-9_-]{26,64}`,
		`hf_[A-Za-z0-9]{26,46}`,
		`AKIA[A-Z0-9]{16}`,
		`xox[bp]-[A-Za-z0-9-]{26,64}`,
		`ya29\.[A-Za-z0-9_-]{46,196}`,
	} {
		r.prefixRes = append(r.prefixRes, regexp.MustCompile(p))
	}

	r.candidateRe = regexp.MustCompile(
		fmt.Sprintf(`\b[A-Za-z0-9_\-\.]{%d,}\b`, minEntropyCandidateLen))
	return r
}

// Scrub returns s with secret-looking material replaced.
func (r *Redactor) Scrub(s string) string {
	if r.mode == ModeOff || s == "" {
		return s
	}

	s = r.pemRe.ReplaceAllString(s,
		"-----BEGIN REDACTED-----\n"+r.replacement+"\n-----END REDACTED-----")
	for _, re := range r.assignRes {
		s = re.ReplaceAllString(s, "$1="+r.replacement)
	}
	s = r.headerRe.ReplaceAllString(s, "$1$2"+r.replacement)
	s = r.queryRe.ReplaceAllString(s, "$1"+r.replacement)
	for _, re := range r.prefixRes {
		s = re.ReplaceAllString(s, r.replacement)
	}

	if r.mode == ModeAggressive {
		s = r.scrubHighEntropy(s)
	}
	return s
}

func (r *Redactor) scrubHighEntropy(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		for _, match := range r.candidateRe.FindAllString(line, -1) {
			if likelyFalsePositive(match) {
				continue
			}
			if shannonEntropy(match) > 4.0 {
				line = strings.ReplaceAll(line, match, r.replacement)
			}
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n")
}

// shannonEntropy measures randomness in bits per character. Natural language
// sits below 3.5; random token material lands above 4.
func shannonEntropy(s string) float64 {
	freq := make(map[rune]float64)
	for _, ch := range s {
		freq[ch]++
	}
	entropy := 0.0
	for _, count := range freq {
		p := count / float64(len(s))
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func likelyFalsePositive(s string) bool {
	if strings.Contains(s, "/") || strings.Contains(s, "\\") {
		return true
	}
	if s == strings.ToLower(s) && len(s) < 30 {
		return true
	}
	if s == strings.ToUpper(s) && len(s) < 20 {
		return true
	}
	lower := 0
	for _, ch := range s {
		if ch >= 'a' && ch <= 'z' {
			lower++
		}
	}
	return float64(lower)/float64(len(s)) > 0.7
}
