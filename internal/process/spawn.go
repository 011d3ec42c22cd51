package process

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
)

// Spawned is a started child whose stdout and stderr share one pipe.
type Spawned struct {
	Cmd    *exec.Cmd
	Output *os.File // read end; closed by the caller once drained
}

func (s *Spawned) Pid() int { return s.Cmd.Process.Pid }

// Spawn starts argv in its own process group. Both output streams go to a
// single pipe so lines keep their interleaving; the parent's copy of the write
// end is closed before returning so EOF arrives when the child tree exits.
func Spawn(argv []string, dir string, env []string) (*Spawned, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	// #nosec G204 -- argv comes from the operator's launch configuration
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = env
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	configureSysProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, err
	}
	_ = pw.Close()
	return &Spawned{Cmd: cmd, Output: pr}, nil
}

// PortFree reports whether a TCP listener can be bound on port.
func PortFree(port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("port %d unavailable: %w", port, err)
	}
	return ln.Close()
}
