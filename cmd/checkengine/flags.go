package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type ServeFlags struct {
	ConfigPath string
	Listen     string
	Daemonize  bool
	PidFile    string
	LogFile    string
	// NonBlocking returns once the server is up; used by tests.
	NonBlocking bool
}

type RunFlags struct {
	ConfigPath string
	Timeout    time.Duration
}

type ExecFlags struct {
	Timeout time.Duration
}

type RemoteFlags struct {
	APIUrl      string
	APITimeout  time.Duration
	APICACert   string
	APIInsecure bool
	Timeout     time.Duration
}

type TemplateFlags struct {
	Output string
	Force  bool
}
