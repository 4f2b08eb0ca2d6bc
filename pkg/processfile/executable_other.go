//go:build !linux

package processfile

import (
	"github.com/core-tools/hsu-assistant/pkg/errors"
)

// TODO: query the image path through proc_pidpath on darwin and
// QueryFullProcessImageName on windows so orphans are reaped there too.
func executableOf(pid int) (string, error) {
	return "", errors.NewNotFoundError("process executable unavailable on this platform", nil).WithContext("pid", pid)
}
