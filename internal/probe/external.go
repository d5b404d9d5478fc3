package probe

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mateoortiz/portguardd/internal/model"
)

// lsofLineRegex matches a single LISTEN line of `lsof -i -P -n` output:
//
//	COMMAND PID USER FD TYPE DEVICE SIZE/OFF NODE NAME
//	node 12345 dev 23u IPv4 123456 0t0 TCP *:3000 (LISTEN)
var lsofLineRegex = regexp.MustCompile(`^(\S+)\s+(\d+)\s+\S+\s+\S+\s+\S+\s+\S+\s+\S+\s+\S+\s+\S+:(\d+)\s+\(LISTEN\)`)

// netstatLineRegex matches a single LISTEN line of `netstat -tulpn`:
//
//	tcp 0 0 0.0.0.0:3000 0.0.0.0:* LISTEN 12345/node
var netstatLineRegex = regexp.MustCompile(`^tcp6?\s+\d+\s+\d+\s+\S+:(\d+)\s+\S+\s+LISTEN\s+(\d+)/(\S+)`)

// ssLineRegex matches a single LISTEN line of `ss -tulpn`:
//
//	tcp LISTEN 0 128 0.0.0.0:3000 0.0.0.0:* users:(("node",pid=12345,fd=23))
var ssLineRegex = regexp.MustCompile(`^tcp6?\s+LISTEN\s+\d+\s+\d+\s+\S+:(\d+)\s+\S+\s+users:\(\("([^"]+)",pid=(\d+)`)

// runTool runs name with args under ctx and returns combined stdout
// lines. Any failure (binary missing, non-zero exit, context deadline)
// yields a nil slice — scanner.go's fallback chain treats nil as "try
// the next tool."
func runTool(ctx context.Context, name string, args ...string) []string {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		return nil
	}
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

func describeWithLsof(ctx context.Context, port int) *model.Observation {
	lines := runTool(ctx, "lsof", "-i", "-P", "-n")
	if lines == nil {
		return nil
	}
	for _, line := range lines {
		m := lsofLineRegex.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		matchedPort, _ := strconv.Atoi(m[3])
		if matchedPort != port {
			continue
		}
		pid, _ := strconv.Atoi(m[2])
		return buildObservation(port, pid, m[1])
	}
	return nil
}

func describeWithNetstat(ctx context.Context, port int) *model.Observation {
	lines := runTool(ctx, "netstat", "-tulpn")
	if lines == nil {
		return nil
	}
	for _, line := range lines {
		m := netstatLineRegex.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		matchedPort, _ := strconv.Atoi(m[1])
		if matchedPort != port {
			continue
		}
		pid, _ := strconv.Atoi(m[2])
		return buildObservation(port, pid, m[3])
	}
	return nil
}

func describeWithSS(ctx context.Context, port int) *model.Observation {
	lines := runTool(ctx, "ss", "-tulpn")
	if lines == nil {
		return nil
	}
	for _, line := range lines {
		m := ssLineRegex.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		matchedPort, _ := strconv.Atoi(m[1])
		if matchedPort != port {
			continue
		}
		pid, _ := strconv.Atoi(m[3])
		return buildObservation(port, pid, m[2])
	}
	return nil
}

func scanWithLsof(ctx context.Context) []model.Observation {
	lines := runTool(ctx, "lsof", "-i", "-P", "-n")
	if lines == nil {
		return nil
	}
	var observations []model.Observation
	for _, line := range lines {
		m := lsofLineRegex.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		port, _ := strconv.Atoi(m[3])
		pid, _ := strconv.Atoi(m[2])
		observations = append(observations, *buildObservation(port, pid, m[1]))
	}
	return observations
}

func scanWithNetstat(ctx context.Context) []model.Observation {
	lines := runTool(ctx, "netstat", "-tulpn")
	if lines == nil {
		return nil
	}
	var observations []model.Observation
	for _, line := range lines {
		m := netstatLineRegex.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		port, _ := strconv.Atoi(m[1])
		pid, _ := strconv.Atoi(m[2])
		observations = append(observations, *buildObservation(port, pid, m[3]))
	}
	return observations
}

func scanWithSS(ctx context.Context) []model.Observation {
	lines := runTool(ctx, "ss", "-tulpn")
	if lines == nil {
		return nil
	}
	var observations []model.Observation
	for _, line := range lines {
		m := ssLineRegex.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		port, _ := strconv.Atoi(m[1])
		pid, _ := strconv.Atoi(m[3])
		observations = append(observations, *buildObservation(port, pid, m[2]))
	}
	return observations
}

// buildObservation assembles an Observation from a matched port/pid/name
// triple, filling in the command line and working directory from /proc
// when available (Linux only; absent elsewhere, fields stay empty).
func buildObservation(port, pid int, processName string) *model.Observation {
	obs := &model.Observation{
		Port: port,
		OwnerPID: pid,
		ProcessName: processName,
		LastSeen: time.Now(),
	}
	obs.Command = readProcCmdline(pid)
	obs.InferredService = inferServiceType(processName, obs.Command)
	obs.InferredInstanceID = inferInstanceID(readProcCwd(pid))
	return obs
}

// readProcCmdline reads /proc/<pid>/cmdline (Linux) and returns the
// NUL-joined arguments as a space-separated command string. Returns ""
// on any failure — this is always best-effort.
func readProcCmdline(pid int) string {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/cmdline")
	if err != nil {
		return ""
	}
	fields := strings.Split(strings.TrimRight(string(data), "\x00"), "\x00")
	return strings.Join(fields, " ")
}

// readProcCwd reads the /proc/<pid>/cwd symlink target (Linux). Returns
// "" on any failure.
func readProcCwd(pid int) string {
	target, err := os.Readlink("/proc/" + strconv.Itoa(pid) + "/cwd")
	if err != nil {
		return ""
	}
	return target
}

// serviceTypePatterns maps a command-line substring to an inferred
// service type, used to populate Observation.InferredService for the
// observation cache's diagnostic value.
var serviceTypePatterns = []struct {
	pattern string
	service string
}{
	{"next dev", "dev"},
	{"vite", "dev"},
	{"webpack-dev-server", "dev"},
	{"storybook", "storybook"},
	{"jaeger", "jaeger"},
	{"postgres", "database"},
	{"mysqld", "database"},
	{"redis-server", "cache"},
}

func inferServiceType(processName, command string) string {
	haystack := strings.ToLower(processName + " " + command)
	for _, p := range serviceTypePatterns {
		if strings.Contains(haystack, p.pattern) {
			return p.service
		}
	}
	return ""
}

// inferInstanceID derives an instance id from a process's working
// directory by taking the final path component, a cheap heuristic that
// works well when each project checkout is its own instance.
func inferInstanceID(cwd string) string {
	if cwd == "" {
		return ""
	}
	trimmed := strings.TrimRight(cwd, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx == -1 {
		return trimmed
	}
	return trimmed[idx+1:]
}
