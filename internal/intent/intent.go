// Package intent implements the pure string intent matcher (spec §4.6):
// Shutdown/Confirm/None decisions with negation handling. Grounded directly
// on the original backend/listener/intents.py.
package intent

import "regexp"

// ConfirmWindowSec is the duration a confirm-mode shutdown prompt stays
// armed before expiring (spec §4.6).
const ConfirmWindowSec = 15.0

var (
	shutdownHotwords = regexp.MustCompile(`(?i)\b(shut\s*down|shutdown|power\s*off|turn\s*off|stop\s+listening|stop\s+the\s+server|stop\s+server|exit|quit|terminate|end\s+(?:session|process|server)|kill\s+(?:it|process|server))\b`)
	negations        = regexp.MustCompile(`(?i)\b(don't|do\s+not|not\s+now|cancel|false\s+alarm)\b`)
	confirmHotwords  = regexp.MustCompile(`(?i)\b(confirm(?:ed)?\s+(?:shut\s*down|shutdown|exit|quit)|yes[, ]*(?:shut\s*down|exit)|go\s+ahead)\b`)
)

// IsShutdown reports whether text contains a shutdown phrase with no
// negation token present.
func IsShutdown(text string) bool {
	if negations.MatchString(text) {
		return false
	}
	return shutdownHotwords.MatchString(text)
}

// IsConfirm reports whether text contains a confirmation phrase with no
// negation token present.
func IsConfirm(text string) bool {
	if negations.MatchString(text) {
		return false
	}
	return confirmHotwords.MatchString(text)
}
