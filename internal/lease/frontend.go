package lease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrFrontendActive is returned while the interactive front-end holds the store
var ErrFrontendActive = errors.New("interactive front-end is running")

// procInfo is the subset of a process the guard inspects
type procInfo struct {
	pid     int32
	name    string
	cmdline string
}

// FrontendGuard blocks batch commits while a configured front-end process is
// running, unless the pause file signals that it has released the store
type FrontendGuard struct {
	names     []string
	pauseFile string
	self      int32
	list      func(ctx context.Context) ([]procInfo, error)
}

// NewFrontendGuard watches for processes whose name or command line matches
// one of names. An empty names list disables the guard.
func NewFrontendGuard(names []string, pauseFile string) *FrontendGuard {
	return &FrontendGuard{
		names:     names,
		pauseFile: pauseFile,
		self:      int32(os.Getpid()),
		list:      listProcesses,
	}
}

// Check returns ErrFrontendActive when a front-end process is running and
// has not paused
func (g *FrontendGuard) Check(ctx context.Context) error {
	if g == nil || len(g.names) == 0 {
		return nil
	}
	if g.pauseFile != "" {
		if _, err := os.Stat(g.pauseFile); err == nil {
			return nil
		}
	}

	procs, err := g.list(ctx)
	if err != nil {
		return fmt.Errorf("scan processes: %w", err)
	}
	for _, p := range procs {
		if p.pid == g.self {
			continue
		}
		if name, ok := g.match(p); ok {
			return fmt.Errorf("%w: %s (pid %d)", ErrFrontendActive, name, p.pid)
		}
	}
	return nil
}

func (g *FrontendGuard) match(p procInfo) (string, bool) {
	base := strings.ToLower(filepath.Base(p.name))
	cmdline := strings.ToLower(p.cmdline)
	for _, name := range g.names {
		want := strings.ToLower(name)
		if base == want || strings.Contains(cmdline, want) {
			return name, true
		}
	}
	return "", false
}

func listProcesses(ctx context.Context) ([]procInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	var out []procInfo
	for _, proc := range procs {
		name, err := proc.NameWithContext(ctx)
		if err != nil {
			continue
		}
		// Command line is best-effort; some processes hide it
		cmdline, _ := proc.CmdlineWithContext(ctx)
		out = append(out, procInfo{pid: proc.Pid, name: name, cmdline: cmdline})
	}
	return out, nil
}
