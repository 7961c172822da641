// Package cmd provides the CLI commands of the scribe tool.
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/otherjamesbrown/scribe-cli/config"
	"github.com/otherjamesbrown/scribe-cli/pkg/logging"
	"github.com/otherjamesbrown/scribe-cli/pkg/transcription"
)

// CommandDeps holds dependencies shared by the scribe commands.
type CommandDeps struct {
	LoadConfig func() (*config.CLIConfig, error)
	// Wire builds the application for one command run.
	Wire func(ctx context.Context, cfg *config.CLIConfig, opts transcription.WireOptions) (*transcription.App, error)

	// Out receives command output, Err progress and notices.
	Out io.Writer
	Err io.Writer
	In  io.Reader

	// ReadSecret prompts for a value without echo.
	ReadSecret func(prompt string) (string, error)

	lines *bufio.Reader
}

// DefaultDeps returns default dependencies for production use.
func DefaultDeps() *CommandDeps {
	deps := &CommandDeps{
		LoadConfig: config.LoadConfig,
		Wire:       WireApp,
		Out:        os.Stdout,
		Err:        os.Stderr,
		In:         os.Stdin,
	}
	deps.ReadSecret = deps.readSecret
	return deps
}

func (d *CommandDeps) withDefaults() *CommandDeps {
	if d == nil {
		return DefaultDeps()
	}
	def := DefaultDeps()
	if d.LoadConfig == nil {
		d.LoadConfig = def.LoadConfig
	}
	if d.Wire == nil {
		d.Wire = def.Wire
	}
	if d.Out == nil {
		d.Out = def.Out
	}
	if d.Err == nil {
		d.Err = def.Err
	}
	if d.In == nil {
		d.In = def.In
	}
	if d.ReadSecret == nil {
		d.ReadSecret = d.readSecret
	}
	return d
}

// NewLogger returns the stderr logger for cfg.
func NewLogger(cfg *config.CLIConfig) logging.Logger {
	lc := logging.DefaultConfig()
	if cfg.Debug {
		lc.Level = logging.LevelDebug
	}
	return logging.NewLogger(lc)
}

// WireApp wires the application with the stderr logger.
func WireApp(ctx context.Context, cfg *config.CLIConfig, opts transcription.WireOptions) (*transcription.App, error) {
	if opts.Logger == nil {
		opts.Logger = NewLogger(cfg)
	}
	return transcription.Wire(ctx, cfg, opts)
}

// app loads the configuration and wires the application. The caller closes
// the returned App.
func (d *CommandDeps) app(ctx context.Context, opts transcription.WireOptions) (*transcription.App, error) {
	cfg, err := d.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return d.Wire(ctx, cfg, opts)
}

// readSecret reads a line without echo from a terminal, or a plain line
// when stdin is not one.
func (d *CommandDeps) readSecret(prompt string) (string, error) {
	fmt.Fprint(d.Err, prompt)
	if f, ok := d.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(d.Err)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	return d.readLine()
}

func (d *CommandDeps) readLine() (string, error) {
	if d.lines == nil {
		d.lines = bufio.NewReader(d.In)
	}
	line, err := d.lines.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
