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

package common

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"golang.org/x/term"

	"github.com/gravitational/hotpool"
	"github.com/gravitational/hotpool/lib/asciitable"
	"github.com/gravitational/hotpool/lib/client"
	"github.com/gravitational/hotpool/lib/kernel"
	"github.com/gravitational/hotpool/lib/web"
)

// KernelCommand implements the kernel management subcommands: ls, launch,
// rm, restart, interrupt and status.
type KernelCommand struct {
	// stdout receives command output, os.Stdout unless overridden.
	stdout io.Writer
	// stdin is the confirmation input, os.Stdin unless overridden.
	stdin io.Reader

	format     string
	kernelType string
	kernelID   string
	env        []string
	workingDir string
	now        bool
	force      bool
	all        bool
	wait       bool

	lsCmd        *kingpin.CmdClause
	launchCmd    *kingpin.CmdClause
	rmCmd        *kingpin.CmdClause
	restartCmd   *kingpin.CmdClause
	interruptCmd *kingpin.CmdClause
	statusCmd    *kingpin.CmdClause
}

// Initialize wires the kernel subcommands into the CLI parser.
func (c *KernelCommand) Initialize(app *kingpin.Application) {
	if c.stdout == nil {
		c.stdout = os.Stdout
	}
	if c.stdin == nil {
		c.stdin = os.Stdin
	}

	c.lsCmd = app.Command("ls", "List running kernels.")
	c.lsCmd.Flag("format", "Output format, 'text' or 'json'.").
		Default(hotpool.Text).
		StringVar(&c.format)

	c.launchCmd = app.Command("launch", "Start a new kernel.")
	c.launchCmd.Flag("type", "Kernel type to start, the server default when omitted.").
		StringVar(&c.kernelType)
	c.launchCmd.Flag("id", "Assign this kernel id instead of a generated one.").
		StringVar(&c.kernelID)
	c.launchCmd.Flag("env", "Extra environment for the kernel process, key=value. Can be repeated.").
		StringsVar(&c.env)
	c.launchCmd.Flag("cwd", "Working directory of the kernel process.").
		StringVar(&c.workingDir)

	c.rmCmd = app.Command("rm", "Shut down a kernel.").Alias("shutdown")
	c.rmCmd.Arg("id", "Id of the kernel to shut down.").StringVar(&c.kernelID)
	c.rmCmd.Flag("all", "Shut down every kernel.").BoolVar(&c.all)
	c.rmCmd.Flag("now", "Kill the kernel instead of letting it exit cleanly.").BoolVar(&c.now)
	c.rmCmd.Flag("force", "Do not ask for confirmation.").Short('f').BoolVar(&c.force)

	c.restartCmd = app.Command("restart", "Restart a kernel in place.")
	c.restartCmd.Arg("id", "Id of the kernel to restart.").Required().StringVar(&c.kernelID)
	c.restartCmd.Flag("now", "Kill the old process instead of letting it exit cleanly.").BoolVar(&c.now)

	c.interruptCmd = app.Command("interrupt", "Send an interrupt to a kernel.")
	c.interruptCmd.Arg("id", "Id of the kernel to interrupt.").Required().StringVar(&c.kernelID)

	c.statusCmd = app.Command("status", "Show warm pool and kernel status.")
	c.statusCmd.Flag("wait", "Block until the warm pools are full.").BoolVar(&c.wait)
}

// TryRun executes the subcommand that matches cmd, if any.
func (c *KernelCommand) TryRun(ctx context.Context, cmd string, clt *client.Client) (match bool, err error) {
	switch cmd {
	case c.lsCmd.FullCommand():
		err = c.List(ctx, clt)
	case c.launchCmd.FullCommand():
		err = c.Launch(ctx, clt)
	case c.rmCmd.FullCommand():
		err = c.Remove(ctx, clt)
	case c.restartCmd.FullCommand():
		err = c.Restart(ctx, clt)
	case c.interruptCmd.FullCommand():
		err = c.Interrupt(ctx, clt)
	case c.statusCmd.FullCommand():
		err = c.Status(ctx, clt)
	default:
		return false, nil
	}
	return true, trace.Wrap(err)
}

// List prints the running kernels.
func (c *KernelCommand) List(ctx context.Context, clt *client.Client) error {
	models, err := clt.ListKernels(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	switch c.format {
	case hotpool.Text:
		table := kernelTable(models)
		fmt.Fprintln(c.stdout, table.AsBuffer().String())
	case hotpool.JSON:
		out, err := json.MarshalIndent(models, "", "  ")
		if err != nil {
			return trace.Wrap(err)
		}
		fmt.Fprintln(c.stdout, string(out))
	default:
		return trace.BadParameter("unsupported format %q, must be one of %q or %q",
			c.format, hotpool.Text, hotpool.JSON)
	}
	return nil
}

// Launch starts a new kernel and prints it.
func (c *KernelCommand) Launch(ctx context.Context, clt *client.Client) error {
	opts := kernel.LaunchOptions{WorkingDir: c.workingDir}
	for _, kv := range c.env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return trace.BadParameter("invalid --env %q, expected key=value", kv)
		}
		if opts.Env == nil {
			opts.Env = make(map[string]string)
		}
		opts.Env[key] = value
	}

	model, err := clt.StartKernel(ctx, web.StartKernelRequest{
		Name:       c.kernelType,
		ID:         kernel.ID(c.kernelID),
		Env:        opts.Env,
		WorkingDir: opts.WorkingDir,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	table := kernelTable([]web.KernelModel{*model})
	fmt.Fprintln(c.stdout, table.AsBuffer().String())
	return nil
}

// Remove shuts down one kernel, or every kernel with --all. Without
// --force it asks for confirmation on a terminal and refuses elsewhere.
func (c *KernelCommand) Remove(ctx context.Context, clt *client.Client) error {
	var subject string
	switch {
	case c.all && c.kernelID != "":
		return trace.BadParameter("pass either a kernel id or --all, not both")
	case c.all:
		subject = "every kernel"
	case c.kernelID != "":
		subject = fmt.Sprintf("kernel %v", c.kernelID)
	default:
		return trace.BadParameter("missing kernel id, or pass --all to shut down every kernel")
	}

	if !c.force {
		ok, err := c.confirm(fmt.Sprintf("Shut down %v?", subject))
		if err != nil {
			return trace.Wrap(err)
		}
		if !ok {
			fmt.Fprintln(c.stdout, "Canceled.")
			return nil
		}
	}

	if c.all {
		if err := clt.ShutdownAll(ctx); err != nil {
			return trace.Wrap(err)
		}
		fmt.Fprintln(c.stdout, "All kernels have been shut down.")
		return nil
	}
	if err := clt.ShutdownKernel(ctx, kernel.ID(c.kernelID), c.now); err != nil {
		return trace.Wrap(err)
	}
	fmt.Fprintf(c.stdout, "Kernel %v has been shut down.\n", c.kernelID)
	return nil
}

// Restart restarts a kernel and prints its refreshed state.
func (c *KernelCommand) Restart(ctx context.Context, clt *client.Client) error {
	model, err := clt.RestartKernel(ctx, kernel.ID(c.kernelID), c.now)
	if err != nil {
		return trace.Wrap(err)
	}
	table := kernelTable([]web.KernelModel{*model})
	fmt.Fprintln(c.stdout, table.AsBuffer().String())
	return nil
}

// Interrupt delivers an interrupt to a kernel.
func (c *KernelCommand) Interrupt(ctx context.Context, clt *client.Client) error {
	if err := clt.InterruptKernel(ctx, kernel.ID(c.kernelID)); err != nil {
		return trace.Wrap(err)
	}
	fmt.Fprintf(c.stdout, "Kernel %v has been interrupted.\n", c.kernelID)
	return nil
}

// Status prints the warm pool table and a summary line.
func (c *KernelCommand) Status(ctx context.Context, clt *client.Client) error {
	stats, err := clt.PoolStats(ctx, c.wait)
	if err != nil {
		return trace.Wrap(err)
	}
	models, err := clt.ListKernels(ctx)
	if err != nil {
		return trace.Wrap(err)
	}

	if len(stats.Pools) > 0 {
		table := asciitable.MakeTable([]string{"Type", "Target", "Warm", "Ready"})
		for _, p := range stats.Pools {
			table.AddRow([]string{
				p.Type,
				strconv.Itoa(p.Target),
				strconv.Itoa(p.Size),
				strconv.FormatBool(p.Ready),
			})
		}
		fmt.Fprintln(c.stdout, table.AsBuffer().String())
	}
	fmt.Fprintf(c.stdout, "Kernels running: %v, pools ready: %v\n", len(models), stats.Ready)
	return nil
}

// confirm asks the user a yes/no question. It refuses to guess when stdin
// is not a terminal, so scripts must pass --force.
func (c *KernelCommand) confirm(question string) (bool, error) {
	if f, ok := c.stdin.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		return false, trace.BadParameter("refusing to proceed without confirmation, re-run with --force")
	}
	fmt.Fprintf(c.stdout, "%v (y/N): ", question)
	answer, err := bufio.NewReader(c.stdin).ReadString('\n')
	if err != nil && answer == "" {
		return false, trace.Wrap(err)
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}

func kernelTable(models []web.KernelModel) asciitable.Table {
	table := asciitable.MakeTable([]string{"ID", "Type", "State", "Connections", "Last Activity"})
	now := time.Now()
	for _, m := range models {
		table.AddRow([]string{
			string(m.ID),
			m.Name,
			m.State,
			strconv.Itoa(m.Connections),
			fmt.Sprintf("%s ago", now.Sub(m.LastActivity).Round(time.Second)),
		})
	}
	return table
}
