// Package procview provides the two process views the cross-view detector
// compares: a signal-probe brute force over the PID space and the procfs
// listing user tools see.
package procview

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// unknownName labels processes whose comm could not be read
const unknownName = "unknown"

// pidMaxCeiling is the kernel's PID_MAX_LIMIT on 64-bit.
const pidMaxCeiling = 4194304

func readPIDMax(procRoot string) (int, error) {
	data, err := os.ReadFile(filepath.Join(procRoot, "sys", "kernel", "pid_max"))
	if err != nil {
		return 0, fmt.Errorf("failed to read pid_max: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("failed to parse pid_max %q: %w", strings.TrimSpace(string(data)), err)
	}
	if n <= 0 || n > pidMaxCeiling {
		return 0, fmt.Errorf("pid_max %d out of range", n)
	}
	return n, nil
}

// taskStatus holds the /proc/<pid>/status fields the sources use
type taskStatus struct {
	tgid int
	ppid int
}

// parseStatus extracts Tgid and PPid from a /proc/<pid>/status body. It
// fails when Tgid is missing or malformed; PPid is optional.
func parseStatus(status []byte) (taskStatus, bool) {
	var st taskStatus
	var haveTgid bool
	sc := bufio.NewScanner(bytes.NewReader(status))
	for sc.Scan() {
		key, value, found := strings.Cut(sc.Text(), ":")
		if !found {
			continue
		}
		switch key {
		case "Tgid":
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return taskStatus{}, false
			}
			st.tgid, haveTgid = n, true
		case "PPid":
			if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
				st.ppid = n
			}
		}
	}
	return st, haveTgid
}

// readStatus reads the status of pid. ok is false when the file is
// unreadable or has no Tgid line.
func readStatus(procRoot string, pid int) (taskStatus, bool) {
	data, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "status"))
	if err != nil {
		return taskStatus{}, false
	}
	return parseStatus(data)
}

func readComm(procRoot string, pid int) string {
	data, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "comm"))
	if err != nil {
		return unknownName
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return unknownName
	}
	return name
}
