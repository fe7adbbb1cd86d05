/*
 * Hotpool
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package common implements the hotpool command line tool.
package common

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/gravitational/hotpool"
	"github.com/gravitational/hotpool/lib/client"
	"github.com/gravitational/hotpool/lib/config"
	"github.com/gravitational/hotpool/lib/defaults"
	"github.com/gravitational/hotpool/lib/service"
	"github.com/gravitational/hotpool/lib/utils"
	logutils "github.com/gravitational/hotpool/lib/utils/log"
)

// GlobalCLIFlags are flags shared by every subcommand.
type GlobalCLIFlags struct {
	// Addr is the address of the hotpool API server the client commands
	// talk to.
	Addr string
	// Debug enables verbose logging.
	Debug bool
}

// Run parses the command line and executes the selected command.
func Run(args []string) error {
	var ccf GlobalCLIFlags

	app := utils.InitCLIParser("hotpool", "Warm Jupyter kernel pools with lifecycle management.")
	app.Flag("addr", "Address of the hotpool API server.").
		Default("http://" + defaults.HTTPListenAddr).
		Envar("HOTPOOL_ADDR").
		StringVar(&ccf.Addr)
	app.Flag("debug", "Enable verbose logging to stderr.").
		Short('d').
		BoolVar(&ccf.Debug)

	start := &StartCommand{}
	start.Initialize(app)
	kernelCmd := &KernelCommand{}
	kernelCmd.Initialize(app)
	ver := app.Command("version", "Print the version of this hotpool binary.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	if command == ver.FullCommand() {
		fmt.Printf("hotpool v%v go%v\n", hotpool.Version, runtime.Version())
		return nil
	}

	if match, err := start.TryRun(command, &ccf); match {
		return trace.Wrap(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	clt, err := client.New(ccf.Addr)
	if err != nil {
		return trace.Wrap(err)
	}
	match, err := kernelCmd.TryRun(ctx, command, clt)
	if !match {
		return trace.BadParameter("unknown command %q", command)
	}
	return trace.Wrap(err)
}

// StartCommand implements `hotpool start`.
type StartCommand struct {
	configPath string
	listenAddr string

	cmd *kingpin.CmdClause
}

// Initialize wires the command into the CLI parser.
func (c *StartCommand) Initialize(app *kingpin.Application) {
	c.cmd = app.Command("start", "Start the hotpool service.")
	c.cmd.Flag("config", "Path to a YAML configuration file.").
		Short('c').
		Envar("HOTPOOL_CONFIG").
		StringVar(&c.configPath)
	c.cmd.Flag("listen", "HTTP API listen address, overrides the config file.").
		StringVar(&c.listenAddr)
}

// TryRun executes the command when cmd matches it.
func (c *StartCommand) TryRun(cmd string, ccf *GlobalCLIFlags) (match bool, err error) {
	if cmd != c.cmd.FullCommand() {
		return false, nil
	}

	cfg := service.MakeDefaultConfig()
	if c.configPath != "" {
		fc, err := config.ReadFromFile(c.configPath)
		if err != nil {
			return true, trace.Wrap(err)
		}
		if err := config.ApplyFileConfig(fc, cfg); err != nil {
			return true, trace.Wrap(err)
		}
	}
	if c.listenAddr != "" {
		cfg.ListenAddr = c.listenAddr
	}

	severity := cfg.LogSeverity
	if ccf.Debug {
		severity = slog.LevelDebug.String()
	}
	logger, err := logutils.Initialize(logutils.Config{
		Severity: severity,
		Format:   cfg.LogFormat,
	})
	if err != nil {
		return true, trace.Wrap(err)
	}
	cfg.Logger = logger.With(hotpool.ComponentKey, hotpool.ComponentService)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return true, trace.Wrap(service.Run(ctx, cfg))
}
