package main

import "time"

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
	CACert     string
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Listen     string
	StopOnExit bool
	TLSDir     string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

// StatusFlags holds flags for status and ps
type StatusFlags struct {
	JSON bool
}

// LogsFlags holds flags for logs
type LogsFlags struct {
	Tail bool
}
