package diagnostics

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/core-tools/hsu-assistant/pkg/process"
)

// Category is a human-actionable failure class
type Category string

const (
	CategoryAuthFailure       Category = "auth_failure"
	CategoryMissingDependency Category = "missing_dependency"
	CategoryPermissionDenied  Category = "permission_denied"
	CategoryNetwork           Category = "network"
	CategoryKilledBySignal    Category = "killed_by_signal"
	CategoryExited            Category = "exited"
)

// Classification is advisory: it feeds error messages and restart decisions
type Classification struct {
	Category    Category
	Message     string
	Evidence    string // diagnostic line that matched, if any
	Recoverable bool
	Exit        process.ExitStatus
}

func (c Classification) String() string {
	return fmt.Sprintf("%s: %s", c.Category, c.Message)
}

type rule struct {
	category    Category
	pattern     *regexp.Regexp
	summary     string
	recoverable bool
}

// Ordered by priority: an authentication failure explains a later network
// error better than the other way round.
var rules = []rule{
	{
		category: CategoryAuthFailure,
		pattern:  regexp.MustCompile(`(?i)(unauthori[sz]ed|authentication (failed|error|required)|invalid (api[ _-]?key|token|credentials)|not logged in|please (log ?in|sign ?in)|\b401\b)`),
		summary:  "authentication failed",
	},
	{
		category: CategoryMissingDependency,
		pattern:  regexp.MustCompile(`(?i)(command not found|not found in \$?path|no such file or directory|cannot find module|module ?not ?found|error while loading shared libraries|library not loaded)`),
		summary:  "missing dependency",
	},
	{
		category: CategoryPermissionDenied,
		pattern:  regexp.MustCompile(`(?i)(permission denied|\beacces\b|operation not permitted)`),
		summary:  "permission denied",
	},
	{
		category:    CategoryNetwork,
		pattern:     regexp.MustCompile(`(?i)(econnrefused|econnreset|enotfound|etimedout|connection refused|network is unreachable|getaddrinfo|no route to host)`),
		summary:     "network error",
		recoverable: true,
	},
}

// Classify maps the retained diagnostic tail and exit status onto a category.
// Shell conventions 127 (not found) and 126 (not executable) are honoured
// even when the process wrote nothing.
func Classify(tail []string, exit process.ExitStatus) Classification {
	for _, r := range rules {
		for i := len(tail) - 1; i >= 0; i-- {
			line := strings.TrimSpace(tail[i])
			if line != "" && r.pattern.MatchString(line) {
				return Classification{
					Category:    r.category,
					Message:     fmt.Sprintf("%s: %s", r.summary, line),
					Evidence:    line,
					Recoverable: r.recoverable,
					Exit:        exit,
				}
			}
		}
	}

	switch {
	case exit.Code == 127:
		return Classification{
			Category: CategoryMissingDependency,
			Message:  "missing dependency: process exited with code 127",
			Exit:     exit,
		}
	case exit.Code == 126:
		return Classification{
			Category: CategoryPermissionDenied,
			Message:  "permission denied: process exited with code 126",
			Exit:     exit,
		}
	case exit.Signal != "":
		return Classification{
			Category:    CategoryKilledBySignal,
			Message:     fmt.Sprintf("process killed by signal %s", exit.Signal),
			Evidence:    lastLine(tail),
			Recoverable: true,
			Exit:        exit,
		}
	case exit.Err != nil:
		return Classification{
			Category:    CategoryExited,
			Message:     fmt.Sprintf("process exit status unavailable: %v", exit.Err),
			Evidence:    lastLine(tail),
			Recoverable: true,
			Exit:        exit,
		}
	}

	return Classification{
		Category:    CategoryExited,
		Message:     fmt.Sprintf("process exited with code %d", exit.Code),
		Evidence:    lastLine(tail),
		Recoverable: true,
		Exit:        exit,
	}
}

func lastLine(tail []string) string {
	for i := len(tail) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(tail[i]); line != "" {
			return line
		}
	}
	return ""
}
