package processfile

import (
	"fmt"
	"os"
	"strings"

	"github.com/core-tools/hsu-assistant/pkg/errors"
)

func executableOf(pid int) (string, error) {
	path, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return "", errors.NewNotFoundError("process executable unavailable", err).WithContext("pid", pid)
	}
	return strings.TrimSuffix(path, " (deleted)"), nil
}
