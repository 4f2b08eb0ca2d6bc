package process

import (
	"runtime"
	"sort"
	"strings"
)

// Protocol-identifying variables exported to every assistant process
const (
	EnvProtocol        = "HSU_ASSISTANT_PROTOCOL"
	EnvProtocolVersion = "HSU_ASSISTANT_PROTOCOL_VERSION"
	EnvHost            = "HSU_ASSISTANT_HOST"
)

// ProtocolEnvironment returns the fixed protocol overlay
func ProtocolEnvironment() []string {
	return []string{
		EnvProtocol + "=ndjson",
		EnvProtocolVersion + "=1",
		EnvHost + "=ide-plugin",
	}
}

// MergeEnvironment overlays KEY=VALUE layers in order; a later layer wins on
// key collision. Keys compare case-insensitively on Windows. Entries without
// '=' are ignored. The result is sorted by key.
func MergeEnvironment(layers ...[]string) []string {
	type entry struct {
		key   string
		value string
	}
	merged := make(map[string]entry)

	for _, layer := range layers {
		for _, kv := range layer {
			// Windows keeps per-drive entries such as "=C:=C:\\"; the first '=' after
			// position 0 separates the key.
			idx := strings.Index(kv[min(1, len(kv)):], "=")
			if idx < 0 {
				continue
			}
			idx += min(1, len(kv))
			key, value := kv[:idx], kv[idx+1:]
			merged[normalizeKey(key)] = entry{key: key, value: value}
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]string, 0, len(keys))
	for _, k := range keys {
		e := merged[k]
		result = append(result, e.key+"="+e.value)
	}
	return result
}

// MapToEnvironment converts a variable map to KEY=VALUE entries
func MapToEnvironment(vars map[string]string) []string {
	result := make([]string, 0, len(vars))
	for k, v := range vars {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}

func normalizeKey(key string) string {
	if runtime.GOOS == "windows" {
		return strings.ToUpper(key)
	}
	return key
}
