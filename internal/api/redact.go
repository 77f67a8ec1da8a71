package api

import (
	"regexp"
	"strings"
)

var (
	redactControlChars = regexp.MustCompile("[\\x00-\\x08\\x0B\\x0C\\x0E-\\x1F\\x7F]")
	redactBearerToken  = regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9\-._~+/]+=*`)
	redactKeyValue     = regexp.MustCompile(`(?i)\b(api[_-]?key|token|secret|password|passphrase|access[_-]?key)\b\s*[:=]\s*([^\s,;]+)`)
	redactAWSAccessKey = regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)
	redactGitHubToken  = regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`)
	redactOpenAIKey    = regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}\b`)
	redactGoogleKey    = regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}\b`)
)

// redactSecrets scrubs credentials from provider error text before it is
// shown to viewers.
func redactSecrets(input string) string {
	if input == "" {
		return ""
	}
	s := redactControlChars.ReplaceAllString(input, " ")
	s = redactBearerToken.ReplaceAllString(s, "Bearer [redacted]")
	s = redactKeyValue.ReplaceAllString(s, "$1: [redacted]")
	s = redactAWSAccessKey.ReplaceAllString(s, "[redacted]")
	s = redactGitHubToken.ReplaceAllString(s, "[redacted]")
	s = redactOpenAIKey.ReplaceAllString(s, "[redacted]")
	s = redactGoogleKey.ReplaceAllString(s, "[redacted]")
	return strings.TrimSpace(s)
}
