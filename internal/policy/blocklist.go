package policy

import (
	"regexp"
	"strings"

	"github.com/perlica/perlica/internal/approval"
)

// Hard-blocked shell patterns. These refuse execution before any stored
// policy is consulted; an always_allow policy cannot override them.
var blockedPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"recursive root delete", regexp.MustCompile(`(?i)\brm\s+(-[a-z]*[rf][a-z]*\s+)+(-[a-z]+\s+)*/(\*)?(\s|$|;)`)},
	{"filesystem format", regexp.MustCompile(`(?i)(^|\s|;|&&|\|)mkfs(\.[a-z0-9]+)?\b`)},
	{"raw device write", regexp.MustCompile(`(?i)\bdd\b[^;|&]*\bof=/dev/(sd|hd|nvme|disk|mmcblk)`)},
	{"raw device redirect", regexp.MustCompile(`(?i)>\s*/dev/(sd|hd|nvme|disk|mmcblk)`)},
	{"fork bomb", regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;?\s*:`)},
	{"world-writable root", regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]+\s+)*777\s+/(\s|$|;)`)},
}

var (
	highRiskRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*sudo\b`),
		regexp.MustCompile(`(?i)\b(fdisk|parted|diskutil\s+erase)\b`),
		regexp.MustCompile(`(?i)\b(apt|apt-get|yum|dnf|brew|npm|pip3?)\s+(install|uninstall|remove|purge)\b`),
		regexp.MustCompile(`(?i)\brm\s+-[a-z]*r`),
		regexp.MustCompile(`(?i)\b(chmod|chown)\s+-[a-z]*R`),
		regexp.MustCompile(`(?i)>\s*/etc/`),
		regexp.MustCompile(`(?i)\bkill(all)?\s+-9\b`),
	}
	mediumRiskRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*(rm|mv|cp|mkdir|touch|ln)\b`),
		regexp.MustCompile(`(?i)\bsed\s+-i\b`),
		regexp.MustCompile(`(?i)\bgit\s+(push|commit|reset|clean|checkout)\b`),
		regexp.MustCompile(`(?i)\b(systemctl|launchctl|defaults\s+write|docker|kubectl)\b`),
		regexp.MustCompile(`>>?\s*\S`),
	}
)

// MatchBlockedPattern reports whether the command hits the hard blocklist,
// returning the matched pattern's name.
func MatchBlockedPattern(command string) (string, bool) {
	cmd := normalizeCommand(command)
	for _, p := range blockedPatterns {
		if p.re.MatchString(cmd) {
			return p.name, true
		}
	}
	return "", false
}

// ClassifyShellRisk assigns a risk tier to a shell command: high for
// privileged or destructive operations, medium for state changes, low for
// read-only commands.
func ClassifyShellRisk(command string) approval.RiskTier {
	cmd := normalizeCommand(command)
	for _, re := range highRiskRes {
		if re.MatchString(cmd) {
			return approval.RiskHigh
		}
	}
	for _, re := range mediumRiskRes {
		if re.MatchString(cmd) {
			return approval.RiskMedium
		}
	}
	return approval.RiskLow
}

func normalizeCommand(command string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(command)), " ")
}
