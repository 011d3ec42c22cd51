package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/loykin/mockvisor/internal/supervisor"
	"github.com/loykin/mockvisor/pkg/client"
)

// command binds the client subcommands to the global flags.
type command struct {
	flags *GlobalFlags
}

func (c *command) client() (*client.Client, error) {
	cfg := client.Config{
		BaseURL:  c.flags.APIUrl,
		Timeout:  c.flags.APITimeout,
		Insecure: c.flags.Insecure,
	}
	if c.flags.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: c.flags.CACert}
	}
	return client.New(cfg)
}

func parsePort(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || !supervisor.ValidKey(n) {
		return 0, fmt.Errorf("Invalid port %s.", arg)
	}
	return n, nil
}

func (c *command) Start(ctx context.Context, out io.Writer, arg string) error {
	port, err := parsePort(arg)
	if err != nil {
		return err
	}
	cl, err := c.client()
	if err != nil {
		return err
	}
	res, err := cl.Start(ctx, port)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, res.Message)
	return nil
}

func (c *command) Stop(ctx context.Context, out io.Writer, arg string) error {
	port, err := parsePort(arg)
	if err != nil {
		return err
	}
	cl, err := c.client()
	if err != nil {
		return err
	}
	res, err := cl.Stop(ctx, port)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, res.Message)
	return nil
}

func (c *command) Status(ctx context.Context, out io.Writer, arg string, f StatusFlags) error {
	port, err := parsePort(arg)
	if err != nil {
		return err
	}
	cl, err := c.client()
	if err != nil {
		return err
	}
	st, err := cl.Status(ctx, port)
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(out, st)
	}
	_, _ = fmt.Fprintln(out, describe(st))
	return nil
}

func (c *command) Logs(ctx context.Context, out io.Writer, arg string, f LogsFlags) error {
	port, err := parsePort(arg)
	if err != nil {
		return err
	}
	cl, err := c.client()
	if err != nil {
		return err
	}
	if f.Tail {
		lines, err := cl.Tail(ctx, port)
		if err != nil {
			return err
		}
		for _, l := range lines {
			_, _ = fmt.Fprintln(out, l)
		}
		return nil
	}
	logs, err := cl.Logs(ctx, port)
	if err != nil {
		return err
	}
	_, _ = io.WriteString(out, logs)
	return nil
}

func (c *command) Ps(ctx context.Context, out io.Writer, f StatusFlags) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	list, err := cl.Instances(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(out, list)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PORT\tSTATE\tPID\tCPU%\tRSS")
	for _, st := range list {
		pid, cpu, rss := "-", "-", "-"
		if st.PID > 0 {
			pid = strconv.Itoa(st.PID)
		}
		if st.Usage != nil {
			cpu = strconv.FormatFloat(st.Usage.CPUPercent, 'f', 1, 64)
			rss = humanBytes(st.Usage.RSSBytes)
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", st.Port, st.State, pid, cpu, rss)
	}
	return tw.Flush()
}

func describe(st client.InstanceStatus) string {
	name := st.Name
	if name == "" {
		name = supervisor.DefaultName
	}
	if !st.Running {
		return fmt.Sprintf("%s on port %d is not running.", name, st.Port)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s on port %d is %s (pid %d", name, st.Port, st.State, st.PID)
	if st.Adopted {
		b.WriteString(", adopted")
	}
	b.WriteString(").")
	return b.String()
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
