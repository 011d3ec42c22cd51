package process

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Placeholders substituted in launch arguments.
const (
	PlaceholderPort = "{port}"
	PlaceholderRoot = "{root}"
	PlaceholderKey  = "{key}"
)

// Launch is the template used to start one instance.
type Launch struct {
	Command   []string `mapstructure:"command"`
	Signature string   `mapstructure:"signature"`
	WorkDir   string   `mapstructure:"work_dir"`
	Scaffold  []string `mapstructure:"scaffold"`
}

func (l Launch) Validate() error {
	if len(l.Command) == 0 || strings.TrimSpace(l.Command[0]) == "" {
		return errors.New("launch command is required")
	}
	for _, d := range l.Scaffold {
		if d == "" || filepath.IsAbs(d) || strings.Contains(filepath.Clean(d), "..") {
			return fmt.Errorf("invalid scaffold directory %q", d)
		}
	}
	return nil
}

// Argv returns the command with placeholders replaced for key and root.
func (l Launch) Argv(key int, root string) []string {
	r := strings.NewReplacer(
		PlaceholderPort, strconv.Itoa(key),
		PlaceholderKey, strconv.Itoa(key),
		PlaceholderRoot, root,
	)
	out := make([]string, len(l.Command))
	for i, a := range l.Command {
		out[i] = r.Replace(a)
	}
	return out
}

// Fingerprint is the substring that must appear in a live process's command
// line for it to be recognised as an instance. Defaults to the executable's
// base name.
func (l Launch) Fingerprint() string {
	if l.Signature != "" {
		return l.Signature
	}
	if len(l.Command) == 0 {
		return ""
	}
	return filepath.Base(l.Command[0])
}
