package alter

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Secret scrubbing. User-visible messages and logged tool output pass
// through RedactSecrets so credentials never leave the process in clear
// text. Patterns cover the common key shapes; the key=value form is a
// coarse net for everything else.

// zeroWidthChars strips characters used to smuggle content past
// substring checks.
var zeroWidthChars = strings.NewReplacer(
	"​", "", // zero-width space
	"‌", "", // zero-width non-joiner
	"‍", "", // zero-width joiner
	"⁠", "", // word joiner
	"\uFEFF", "", // BOM
)

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{30,}`),                 // Google API keys
	regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{20,}`),                  // OpenAI-style keys
	regexp.MustCompile(`\bgh[poushr]_[A-Za-z0-9]{30,}`),             // GitHub tokens
	regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9\-]{10,}`),           // Slack tokens
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),                      // AWS access key ids
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/\-]{16,}=*`),  // bearer tokens
	regexp.MustCompile(`(?i)\b(?:api[_-]?key|access[_-]?token|auth[_-]?token|secret|password|passwd)\s*[=:]\s*[^\s"']+`),
}

const redactedPlaceholder = "[redacted]"

// RedactSecrets replaces credential-shaped substrings with a placeholder.
func RedactSecrets(s string) string {
	for _, p := range secretPatterns {
		s = p.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}

// sensitiveEnvMarkers flag environment variable names whose values must not
// reach a child process or its output.
var sensitiveEnvMarkers = []string{
	"KEY", "TOKEN", "SECRET", "PASSWORD", "PASSWD", "CREDENTIAL", "PRIVATE",
}

// SensitiveEnvVar reports whether name looks like it carries a credential.
func SensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, marker := range sensitiveEnvMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// NormalizeText strips zero-width characters and applies NFKC so lookalike
// unicode forms (fullwidth Latin, ligatures) compare equal. Used before
// tokenizing text for repetition checks.
func NormalizeText(s string) string {
	return norm.NFKC.String(zeroWidthChars.Replace(s))
}
