package supervisor

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// writePIDFile records the worker pid alongside its session id so a
// restarted supervisor can reattach state to the right session.
func writePIDFile(path string, pid int, sessionID string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data := strconv.Itoa(pid) + "\n" + sessionID + "\n"
	return os.WriteFile(path, []byte(data), 0o600)
}

// readPIDFile returns the recorded pid and session id. Legacy files
// holding only a pid yield an empty session id.
func readPIDFile(path string) (int, string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, "", err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, "", err
	}
	return pid, strings.TrimSpace(rest), nil
}

func removePIDFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
