package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRoot()
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	serveFlags := &ServeFlags{}
	statusFlags := &StatusFlags{}
	logsFlags := &LogsFlags{}
	psFlags := &StatusFlags{}

	c := &command{flags: globalFlags}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags, serveFlags),
		createStartCommand(c),
		createStopCommand(c),
		createStatusCommand(c, statusFlags),
		createLogsCommand(c, logsFlags),
		createPsCommand(c, psFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "mockvisor",
		Short: "Run mock server instances, one per port",
		Long: `Mockvisor starts, stops and inspects mock server instances keyed by port.
Instances survive a supervisor restart and are adopted by the next run.

Examples:
  mockvisor serve --config=mockvisor.toml
  mockvisor start 8080
  mockvisor status 8080
  mockvisor logs 8080 --tail
  mockvisor ps --api-url=http://remote:8080/api`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (TOML, YAML or JSON)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", envOr("MOCKVISOR_API_URL", "http://127.0.0.1:8080/api"), "server API URL")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification")
	root.PersistentFlags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate used to verify the server")
	return root
}

func createServeCommand(globalFlags *GlobalFlags, serveFlags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config]",
		Short: "Run the supervisor and its HTTP API",
		Long: `Run the supervisor and serve its HTTP API until interrupted.
Instances keep running after shutdown unless --stop-on-exit is set.

Examples:
  mockvisor serve mockvisor.toml
  mockvisor serve --config=mockvisor.toml --listen=:9090
  mockvisor serve --tls-dir=./tls        # self-signed certificate
  mockvisor serve --daemonize --pidfile=/run/mockvisor.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runServe(cmd.Context(), path, *serveFlags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "override server.listen")
	cmd.Flags().BoolVar(&serveFlags.StopOnExit, "stop-on-exit", false, "stop every instance on shutdown")
	cmd.Flags().StringVar(&serveFlags.TLSDir, "tls-dir", "", "serve HTTPS with a self-signed certificate kept in this directory")
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon pid here")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to this file")
	return cmd
}

func createStartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "start <port>",
		Short: "Start the instance on a port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <port>",
		Short: "Stop the instance on a port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func createStatusCommand(c *command, flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <port>",
		Short: "Show whether the instance on a port is running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), cmd.OutOrStdout(), args[0], *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print the full status as JSON")
	return cmd
}

func createLogsCommand(c *command, flags *LogsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <port>",
		Short: "Print the log of the instance on a port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logs(cmd.Context(), cmd.OutOrStdout(), args[0], *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Tail, "tail", false, "only lines captured since the previous --tail")
	return cmd
}

func createPsCommand(c *command, flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List known instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Ps(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON")
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
