//go:build linux

package idle

import (
	"os"
	"strconv"
	"strings"
)

// processIdle reads /proc/<pid>/stat and reports whether the process is in
// a sleeping state (S or D) rather than running (R), mirroring the
// teacher's sandbox/cgroup_linux.go approach of reading /proc directly
// instead of shelling out. Any read failure is treated as "no signal"
// (returns false) rather than an error, since this is one of several
// independent signals feeding Evaluate's confidence score.
func processIdle(pid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	// Field 3 (process state) follows the "(comm)" parenthesized field,
	// which may itself contain spaces, so split after the last ')'.
	s := string(data)
	idx := strings.LastIndexByte(s, ')')
	if idx == -1 || idx+2 >= len(s) {
		return false
	}
	fields := strings.Fields(s[idx+2:])
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "S", "D":
		return true
	default:
		return false
	}
}
