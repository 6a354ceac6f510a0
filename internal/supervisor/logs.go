package supervisor

import (
	"os"
	"strings"
)

const defaultLogLines = 50

// GetLogs returns the last n lines of the worker's combined log.
func (s *Supervisor) GetLogs(n int) (string, error) {
	if n <= 0 {
		n = defaultLogLines
	}
	if s.cfg.Log.Dir == "" {
		return "no logs available", nil
	}
	b, err := os.ReadFile(s.cfg.Log.File("worker"))
	if err != nil {
		if os.IsNotExist(err) {
			return "no logs available", nil
		}
		return "", err
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}
