//go:build !windows

package probe

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v4/host"
	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

var (
	clkOnce sync.Once
	clkTck  int64 = 100
)

func clockTicks() int64 {
	clkOnce.Do(func() {
		if v, err := sysconf.Sysconf(sysconf.SC_CLK_TCK); err == nil && v > 0 {
			clkTck = v
		}
	})
	return clkTck
}

// getProcStartUnix returns the start time of pid in Unix seconds, 0 when unknown.
// On Linux it is derived from the starttime field of /proc/<pid>/stat so two
// processes sharing a recycled pid can be told apart.
func getProcStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" {
		if ts := linuxStartTicks(pid); ts > 0 {
			boot, err := host.BootTime()
			if err == nil && boot > 0 {
				return int64(boot) + ts/clockTicks()
			}
		}
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

// linuxStartTicks reads field 22 of /proc/<pid>/stat. The comm field may hold
// spaces, so parsing starts after the last ") ".
func linuxStartTicks(pid int) int64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	line := string(b)
	end := strings.LastIndex(line, ") ")
	if end < 0 {
		return 0
	}
	fields := strings.Fields(line[end+2:])
	if len(fields) < 20 {
		return 0
	}
	v, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
