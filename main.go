// Package main provides the scribe CLI entry point.
// scribe is the command-line client for the meeting transcription service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/scribe-cli/cmd"
	"github.com/otherjamesbrown/scribe-cli/config"
	"github.com/otherjamesbrown/scribe-cli/pkg/buildinfo"
	scerrors "github.com/otherjamesbrown/scribe-cli/pkg/errors"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	cfgFile      string
	serverURL    string
	timeout      time.Duration
	outputFormat string
	debug        bool
	insecure     bool
}

// loadConfig reads the configuration file and applies flag overrides.
func (f *globalFlags) loadConfig() (*config.CLIConfig, error) {
	var (
		cfg *config.CLIConfig
		err error
	)
	if f.cfgFile != "" {
		cfg, err = config.LoadConfigFrom(f.cfgFile)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return nil, err
	}

	if f.serverURL != "" {
		cfg.ServerURL = f.serverURL
	}
	if f.timeout != 0 {
		cfg.Timeout = f.timeout
	}
	if f.outputFormat != "" {
		cfg.OutputFormat = config.OutputFormat(f.outputFormat)
	}
	if f.debug {
		cfg.Debug = true
	}
	if f.insecure {
		cfg.Insecure = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// newRootCommand builds the scribe command tree. deps may be nil.
func newRootCommand(deps *cmd.CommandDeps) *cobra.Command {
	flags := &globalFlags{}
	if deps == nil {
		deps = cmd.DefaultDeps()
		deps.LoadConfig = nil
	}
	if deps.LoadConfig == nil {
		deps.LoadConfig = flags.loadConfig
	}

	root := &cobra.Command{
		Use:   "scribe",
		Short: "Scribe CLI - meeting transcription client",
		Long: `scribe uploads meeting recordings to the transcription service, follows
their progress and fetches the finished transcripts.

Meetings are cached locally, so 'scribe meeting list' still answers when the
service is unreachable.

COMMON WORKFLOWS:
  Sign in:            scribe auth login
  Transcribe a file:  scribe meeting upload standup.m4a --wait
  Follow progress:    scribe meeting watch <id>
  Read the result:    scribe meeting transcript <id>
  Check the setup:    scribe health

Most commands support --output json for structured data.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.cfgFile, "config", "", "config file (default is ~/.scribe/config.yaml)")
	root.PersistentFlags().StringVar(&flags.serverURL, "server", "", "transcription service URL")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", 0, "request timeout (e.g., 30s, 1m)")
	root.PersistentFlags().StringVar(&flags.outputFormat, "output-format", "", "default output format: text, json, yaml")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&flags.insecure, "insecure", false, "disable TLS verification")

	root.AddGroup(
		&cobra.Group{ID: "meetings", Title: "Meetings:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	meetingCmd := cmd.NewMeetingCommand(deps)
	meetingCmd.GroupID = "meetings"
	root.AddCommand(meetingCmd)

	cacheCmd := cmd.NewCacheCommand(deps)
	cacheCmd.GroupID = "meetings"
	root.AddCommand(cacheCmd)

	authCmd := cmd.NewAuthCommand(deps)
	authCmd.GroupID = "setup"
	root.AddCommand(authCmd)

	healthCmd := cmd.NewHealthCommand(deps)
	healthCmd.GroupID = "setup"
	root.AddCommand(healthCmd)

	configCmd := newConfigCommand(deps)
	configCmd.GroupID = "setup"
	root.AddCommand(configCmd)

	versionCmd := newVersionCommand(deps)
	versionCmd.GroupID = "setup"
	root.AddCommand(versionCmd)

	completionCmd := newCompletionCommand(root, deps)
	completionCmd.GroupID = "setup"
	root.AddCommand(completionCmd)

	return root
}

// newVersionCommand prints build information.
func newVersionCommand(deps *cmd.CommandDeps) *cobra.Command {
	var outputJSON bool

	c := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long: `Print the version, commit hash, and build time of the scribe CLI.

Examples:
  scribe version
  scribe version --json`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			info := buildinfo.Get(buildinfo.Name)
			if outputJSON {
				enc := json.NewEncoder(deps.Out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			fmt.Fprintf(deps.Out, "%s %s\n", info.ServiceName, buildinfo.String())
			fmt.Fprintf(deps.Out, "  Go: %s\n", info.GoVersion)
			return nil
		},
	}
	c.Flags().BoolVar(&outputJSON, "json", false, "Output as JSON")
	return c
}

// newConfigCommand creates the config command group.
func newConfigCommand(deps *cmd.CommandDeps) *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration",
		Long:  `View and modify the scribe CLI configuration settings.`,
	}
	c.AddCommand(newConfigShowCommand(deps))
	c.AddCommand(newConfigInitCommand(deps))
	c.AddCommand(newConfigSetCommand(deps))
	return c
}

func newConfigShowCommand(deps *cmd.CommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Long:  `Display the configuration after the config file, SCRIBE_* variables and flags are applied.`,
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := deps.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			configPath, _ := config.ConfigPath()

			w := deps.Out
			fmt.Fprintln(w, "Current configuration:")
			fmt.Fprintf(w, "  Config file:    %s\n", configPath)
			fmt.Fprintf(w, "  Server URL:     %s\n", cfg.ServerURL)
			fmt.Fprintf(w, "  API prefix:     %s\n", cfg.APIPrefix)
			fmt.Fprintf(w, "  Timeout:        %s\n", cfg.Timeout)
			fmt.Fprintf(w, "  Output format:  %s\n", cfg.OutputFormat)
			fmt.Fprintf(w, "  Cache backend:  %s\n", cfg.Cache.Backend)
			fmt.Fprintf(w, "  Metrics addr:   %s\n", valueOrDefault(cfg.MetricsAddr, "(not set)"))
			fmt.Fprintf(w, "  Events:         %s\n", valueOrDefault(cfg.Events.RedisAddr, "(disabled)"))
			fmt.Fprintf(w, "  Debug:          %t\n", cfg.Debug)
			fmt.Fprintf(w, "  Insecure:       %t\n", cfg.Insecure)
			return nil
		},
	}
}

func newConfigInitCommand(deps *cmd.CommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration file",
		Long:  `Create a new configuration file with default values if one doesn't exist.`,
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			configPath, err := config.ConfigPath()
			if err != nil {
				return fmt.Errorf("getting config path: %w", err)
			}

			if _, err := os.Stat(configPath); err == nil {
				fmt.Fprintf(deps.Out, "Configuration file already exists: %s\n", configPath)
				fmt.Fprintln(deps.Out, "Use 'scribe config show' to view current settings.")
				return nil
			}

			defaultCfg := config.DefaultConfig()
			if err := config.SaveConfig(defaultCfg); err != nil {
				return fmt.Errorf("saving configuration: %w", err)
			}

			fmt.Fprintf(deps.Out, "Created configuration file: %s\n", configPath)
			fmt.Fprintln(deps.Out, "\nDefault settings:")
			fmt.Fprintf(deps.Out, "  Server URL:     %s\n", defaultCfg.ServerURL)
			fmt.Fprintf(deps.Out, "  Timeout:        %s\n", defaultCfg.Timeout)
			fmt.Fprintf(deps.Out, "  Output format:  %s\n", defaultCfg.OutputFormat)
			return nil
		},
	}
}

func newConfigSetCommand(deps *cmd.CommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long: `Set a configuration value in the config file.

Available keys:
  server_url      - Transcription service URL
  api_prefix      - Path prefix of the API (e.g., /api/v1)
  timeout         - Request timeout (e.g., 30s, 1m)
  output_format   - Default output format (text, json, yaml)
  debug           - Enable debug mode (true/false)
  insecure        - Disable TLS verification (true/false)
  metrics_addr    - Serve metrics while watching (e.g., :9464)
  cache.backend   - Cache backend (file, memory, redis, postgres)

Examples:
  scribe config set server_url https://scribe.example.com
  scribe config set timeout 1m
  scribe config set cache.backend redis`,
		Args: cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			key, value := args[0], args[1]

			current, err := config.LoadConfig()
			if err != nil {
				current = config.DefaultConfig()
			}
			if err := setConfigValue(current, key, value); err != nil {
				return err
			}
			if err := current.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			if err := config.SaveConfig(current); err != nil {
				return fmt.Errorf("saving configuration: %w", err)
			}
			fmt.Fprintf(deps.Out, "Set %s = %s\n", key, value)
			return nil
		},
	}
}

func setConfigValue(cfg *config.CLIConfig, key, value string) error {
	switch key {
	case "server_url":
		cfg.ServerURL = value
	case "api_prefix":
		cfg.APIPrefix = value
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid timeout value: %w", err)
		}
		cfg.Timeout = d
	case "output_format":
		format := config.OutputFormat(value)
		if !format.IsValid() {
			return fmt.Errorf("invalid output format: %s (must be text, json, or yaml)", value)
		}
		cfg.OutputFormat = format
	case "debug", "insecure":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid %s value: %s (must be true or false)", key, value)
		}
		if key == "debug" {
			cfg.Debug = b
		} else {
			cfg.Insecure = b
		}
	case "metrics_addr":
		cfg.MetricsAddr = value
	case "cache.backend":
		cfg.Cache.Backend = value
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}

func newCompletionCommand(root *cobra.Command, deps *cmd.CommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for scribe.

Bash:
  $ source <(scribe completion bash)

Zsh:
  $ scribe completion zsh > "${fpath[1]}/_scribe"

Fish:
  $ scribe completion fish | source

PowerShell:
  PS> scribe completion powershell | Out-String | Invoke-Expression
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(c *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return root.GenBashCompletion(deps.Out)
			case "zsh":
				return root.GenZshCompletion(deps.Out)
			case "fish":
				return root.GenFishCompletion(deps.Out, true)
			default:
				return root.GenPowerShellCompletionWithDesc(deps.Out)
			}
		},
	}
}

// reportError prints err and, for service errors, the suggested next step.
func reportError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
	var oe *scerrors.OperationError
	if errors.As(err, &oe) {
		if hint := scerrors.GetSuggestedAction(oe.Code); hint != "" {
			fmt.Fprintf(w, "Hint: %s\n", hint)
		}
	}
}

func valueOrDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(nil).ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Interrupted.")
			os.Exit(130)
		}
		reportError(os.Stderr, err)
		os.Exit(1)
	}
}
