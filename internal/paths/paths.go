// Package paths resolves the per-user hack state layout.
//
// Everything the daemon owns lives under the state root:
//
//	~/.hack/
//	  hack.config.json
//	  projects.json
//	  daemon/{hackd.sock,hackd.pid,hackd.log,gateway/...}
//	  cloudflare/cloudflared.pid   (external, read-only)
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// EnvStateRoot overrides the default state root location.
const EnvStateRoot = "HACK_HOME"

// Layout holds the resolved locations of every file the control plane
// touches.
type Layout struct {
	StateRoot string
}

// Resolve returns the layout for the current user, honoring the
// HACK_HOME override.
func Resolve() (Layout, error) {
	if root := os.Getenv(EnvStateRoot); root != "" {
		return Layout{StateRoot: root}, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return Layout{}, fmt.Errorf("resolving home directory: %w", err)
	}
	return Layout{StateRoot: filepath.Join(home, ".hack")}, nil
}

// At returns a layout rooted at an explicit directory. Used by tests
// and the --state-root flag.
func At(root string) Layout {
	return Layout{StateRoot: root}
}

func (l Layout) GlobalConfig() string   { return filepath.Join(l.StateRoot, "hack.config.json") }
func (l Layout) RegistryFile() string   { return filepath.Join(l.StateRoot, "projects.json") }
func (l Layout) DaemonDir() string      { return filepath.Join(l.StateRoot, "daemon") }
func (l Layout) SocketPath() string     { return filepath.Join(l.DaemonDir(), "hackd.sock") }
func (l Layout) PidFile() string        { return filepath.Join(l.DaemonDir(), "hackd.pid") }
func (l Layout) LogFile() string        { return filepath.Join(l.DaemonDir(), "hackd.log") }
func (l Layout) GatewayDir() string     { return filepath.Join(l.DaemonDir(), "gateway") }
func (l Layout) TokensFile() string     { return filepath.Join(l.GatewayDir(), "tokens.json") }
func (l Layout) AuditFile() string      { return filepath.Join(l.GatewayDir(), "audit.jsonl") }
func (l Layout) CloudflaredPid() string { return filepath.Join(l.StateRoot, "cloudflare", "cloudflared.pid") }

// ProjectConfig returns the project-level config document path.
func ProjectConfig(projectDir string) string {
	return filepath.Join(projectDir, "hack.config.json")
}

// JobsRoot returns the supervisor job store root for a project.
func JobsRoot(projectDir string) string {
	return filepath.Join(projectDir, "supervisor", "jobs")
}

// WritePidFile records the given pid as decimal + newline.
func WritePidFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating daemon directory: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// ReadPidFile parses a pid file. A missing file yields (0, nil).
func ReadPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing pid file %s: %w", path, err)
	}
	return pid, nil
}

// RemovePidFile deletes the pid file, ignoring a missing one.
func RemovePidFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Alive reports whether a process with the given pid exists, using
// signal 0.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
