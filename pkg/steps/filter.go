package steps

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Placeholders replaced in command arguments, environment values and paths.
const (
	RangeStartPlaceholder = "[RANGE_START]"
	RangeEndPlaceholder   = "[RANGE_END]"
	InstanceIDPlaceholder = "[INSTANCE_ID]"
	WorkDirPlaceholder    = "[WORK_DIR]"
)

// FormatBound formats a range bound the way file names expect it.
func FormatBound(n int64) string {
	return fmt.Sprintf("%012d", n)
}

// Filter replaces every placeholder in template with the task's values.
// Built-in placeholders win over parameters with the same name.
func (t Task) Filter(template string) string {
	return t.replacer().Replace(template)
}

// FilterAll filters every element of templates into a new slice.
func (t Task) FilterAll(templates []string) []string {
	r := t.replacer()
	out := make([]string, len(templates))
	for i, s := range templates {
		out[i] = r.Replace(s)
	}
	return out
}

func (t Task) replacer() *strings.Replacer {
	pairs := []string{
		RangeStartPlaceholder, FormatBound(t.Range.Lower),
		RangeEndPlaceholder, FormatBound(t.Range.Upper),
		InstanceIDPlaceholder, t.InstanceID,
		WorkDirPlaceholder, t.WorkDir,
	}

	keys := make([]string, 0, len(t.Parameters))
	for k := range t.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pairs = append(pairs, "["+k+"]", t.Parameters[k])
	}
	return strings.NewReplacer(pairs...)
}

// ValidateDeletePath checks a DeleteFiles path as written in a pipeline.
// Scratch directories are per execution and relative paths are never
// resolved, so the path must be absolute or start with a parameter
// placeholder that expands to a directory shared between steps.
func ValidateDeletePath(path string) error {
	if filepath.IsAbs(path) {
		return nil
	}
	if end := strings.IndexByte(path, ']'); strings.HasPrefix(path, "[") && end > 1 {
		switch path[:end+1] {
		case RangeStartPlaceholder, RangeEndPlaceholder, InstanceIDPlaceholder, WorkDirPlaceholder:
		default:
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrRelativePath, path)
}
