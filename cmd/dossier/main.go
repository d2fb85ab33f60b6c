// Copyright 2025 The Dossier Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command dossier is the document QA service.
//
// Usage:
//
//	dossier serve --config config.yaml
//	dossier index --tenant acme
//	dossier index --watch
//	dossier sweep
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/dossier-ai/dossier/pkg/config"
	"github.com/dossier-ai/dossier/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the HTTP server."`
	Index   IndexCmd   `cmd:"" help:"Index a tenant's documents."`
	Sweep   SweepCmd   `cmd:"" help:"Remove index entries for deleted files."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("dossier version %s\n", version)
	return nil
}

// loadConfig initializes logging and reads the service configuration.
func loadConfig(cli *CLI) (*config.Config, func(), error) {
	if err := config.LoadEnvFiles(); err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, nil, err
	}

	level := cli.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	format := cli.LogFormat
	if format == "" {
		format = cfg.Logging.Format
	}

	cleanup := func() {}
	output := os.Stderr
	if cli.LogFile != "" {
		f, closeFn, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return nil, nil, err
		}
		output = f
		cleanup = closeFn
	}
	logger.Init(logger.ParseLevel(level), output, format)

	return cfg, cleanup, nil
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("dossier"),
		kong.Description("Retrieval-grounded question answering over project documents."),
		kong.UsageOnError(),
	)

	if err := ctx.Run(cli); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
