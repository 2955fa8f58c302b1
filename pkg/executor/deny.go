package executor

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrDenied marks a translated command rejected by the destructive-pattern
// screen.
var ErrDenied = errors.New("command matches deny list")

// denyLiterals are screened as plain substrings of the command.
var denyLiterals = []string{
	"rm -rf /",
	"rm -rf /*",
	"rm -fr /",
	":(){",
	"mkfs",
	"dd if=/dev/zero",
	"dd if=/dev/random",
	"> /dev/sda",
	"shutdown",
	"reboot",
	"halt -f",
	"init 0",
	"chmod -R 777 /",
	"chown -R / ",
	"/etc/passwd",
	"/etc/shadow",
	"userdel",
	"history -c",
}

// denyPatterns catch idioms that literals miss: decoding-to-shell chains
// and download-to-shell chains.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`base64\s+(-d|-D|--decode)\b[^|;&]*\|\s*\S*\b(sh|bash|zsh|dash|python\d?)\b`),
	regexp.MustCompile(`\becho\s+[A-Za-z0-9+/=]{16,}\s*\|\s*base64`),
	regexp.MustCompile(`\b(curl|wget)\b[^|;&]*\|\s*\S*\b(sh|bash|zsh|dash)\b`),
	regexp.MustCompile(`\bxxd\s+-r\b[^|;&]*\|\s*\S*\b(sh|bash)\b`),
	regexp.MustCompile(`\brm\s+(-\S+\s+)*--no-preserve-root\b`),
	regexp.MustCompile(`\bkill\s+(-9\s+)?-?1\b`),
}

// Screen rejects commands matching the destructive-pattern deny list.
func Screen(command string) error {
	lowered := strings.ToLower(command)
	for _, lit := range denyLiterals {
		if strings.Contains(lowered, strings.ToLower(lit)) {
			return fmt.Errorf("%w: %q", ErrDenied, lit)
		}
	}
	for _, re := range denyPatterns {
		if re.MatchString(command) {
			return fmt.Errorf("%w: pattern %s", ErrDenied, re.String())
		}
	}
	return nil
}
