// Package probe answers questions about live OS processes: existence, zombie
// state, command line, descendants, start time and resource usage.
package probe

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ErrProbeUnavailable is returned when the OS refuses to disclose process
// information, usually because the process belongs to another user.
var ErrProbeUnavailable = errors.New("process probe unavailable")

// Usage is a point-in-time resource snapshot of one process.
type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// Probe is stateless; the zero value is ready to use.
type Probe struct{}

func New() *Probe { return &Probe{} }

// Exists reports whether any process with pid is present in the process table,
// zombies included.
func (Probe) Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}

// Zombie reports whether pid has exited but not been reaped.
func (Probe) Zombie(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" {
		return isZombieLinux(pid)
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	st, err := p.Status()
	if err != nil {
		return false
	}
	for _, s := range st {
		if s == gopsproc.Zombie {
			return true
		}
	}
	return false
}

// Alive is Exists and not a zombie.
func (p Probe) Alive(pid int) bool {
	return p.Exists(pid) && !p.Zombie(pid)
}

// Cmdline returns the space-joined command line of pid. A vanished process
// yields ("", nil); a permission failure yields ErrProbeUnavailable.
func (Probe) Cmdline(pid int) (string, error) {
	if pid <= 0 {
		return "", nil
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
			return "", nil
		}
		return "", classify(pid, err)
	}
	cl, err := p.Cmdline()
	if err != nil {
		return "", classify(pid, err)
	}
	return cl, nil
}

// MatchesSignature reports whether the command line of pid contains signature.
// An empty signature never matches.
func (p Probe) MatchesSignature(pid int, signature string) (bool, error) {
	if signature == "" {
		return false, nil
	}
	cl, err := p.Cmdline(pid)
	if err != nil {
		return false, err
	}
	return strings.Contains(cl, signature), nil
}

// ChildrenOf returns the direct children of pid, empty when none or when pid is gone.
func (Probe) ChildrenOf(pid int) []int {
	if pid <= 0 {
		return nil
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	kids, err := p.Children()
	if err != nil {
		return nil
	}
	out := make([]int, 0, len(kids))
	for _, k := range kids {
		out = append(out, int(k.Pid))
	}
	return out
}

// Descendants walks the process tree below pid breadth first.
func (p Probe) Descendants(pid int) []int {
	var out []int
	seen := map[int]bool{pid: true}
	queue := []int{pid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range p.ChildrenOf(cur) {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out
}

// StartTime returns the process start time in Unix seconds, 0 when unknown.
func (Probe) StartTime(pid int) int64 { return getProcStartUnix(pid) }

// Usage samples CPU and resident memory of pid.
func (Probe) Usage(pid int) (Usage, error) {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, fmt.Errorf("usage for pid %d: %w", pid, err)
	}
	var u Usage
	if cpu, err := p.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return u, classify(pid, err)
	}
	u.RSSBytes = mem.RSS
	return u, nil
}

func classify(pid int, err error) error {
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("pid %d: %w: %v", pid, ErrProbeUnavailable, err)
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("pid %d: %w", pid, err)
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z).
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
