package cmd

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/scribe-cli/config"
	scerrors "github.com/otherjamesbrown/scribe-cli/pkg/errors"
	"github.com/otherjamesbrown/scribe-cli/pkg/transcription"
)

// HealthResult is the output of 'scribe health'.
type HealthResult struct {
	Passed   bool          `json:"passed" yaml:"passed"`
	Message  string        `json:"message" yaml:"message"`
	Failures []string      `json:"failures,omitempty" yaml:"failures,omitempty"`
	Warnings []string      `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Checks   []HealthCheck `json:"checks" yaml:"checks"`
}

// HealthCheck is the status of a single check.
type HealthCheck struct {
	Name      string `json:"name" yaml:"name"`
	Status    string `json:"status" yaml:"status"`
	LatencyMs int64  `json:"latency_ms,omitempty" yaml:"latency_ms,omitempty"`
	Critical  bool   `json:"critical,omitempty" yaml:"critical,omitempty"`
	Detail    string `json:"detail,omitempty" yaml:"detail,omitempty"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Check statuses.
const (
	checkHealthy     = "healthy"
	checkWarning     = "warning"
	checkUnhealthy   = "unhealthy"
	checkUnreachable = "unreachable"
	checkSkipped     = "skipped"
)

// Certificates expiring within this many days produce a warning.
const certExpiryWarningDays = 30

func (r *HealthResult) add(c HealthCheck) {
	r.Checks = append(r.Checks, c)
	switch c.Status {
	case checkUnhealthy, checkUnreachable:
		msg := c.Name + ": " + c.Status
		if c.Error != "" {
			msg += " (" + c.Error + ")"
		}
		if c.Critical {
			r.Passed = false
			r.Message = "Health check failed"
			r.Failures = append(r.Failures, msg)
		} else {
			r.Warnings = append(r.Warnings, msg)
		}
	case checkWarning:
		r.Warnings = append(r.Warnings, c.Name+": "+c.Detail)
	}
}

// NewHealthCommand creates the health command.
func NewHealthCommand(deps *CommandDeps) *cobra.Command {
	deps = deps.withDefaults()

	var (
		output       string
		checkTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that scribe can reach the transcription service",
		Long: `Run checks on the local setup and the transcription service.

Checks performed:
  1. Session: credentials present and not expired [critical]
  2. Service: the meeting list can be fetched [critical]
  3. Cache: the local cache backend and how many meetings it holds
  4. TLS: configured certificates load and are not expired

The command fails when a critical check fails.

Examples:
  scribe health
  scribe health -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := deps.app(cmd.Context(), transcription.WireOptions{})
			if err != nil {
				return err
			}
			defer app.Close()

			format, err := outputFormat(app.Config, output)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), checkTimeout)
			defer cancel()
			result := runHealthChecks(ctx, app)

			if ok, err := writeStructured(deps.Out, format, result); ok {
				if err != nil {
					return err
				}
			} else {
				writeHealth(deps.Out, result)
			}
			if !result.Passed {
				return fmt.Errorf("health check failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	cmd.Flags().DurationVar(&checkTimeout, "check-timeout", 10*time.Second, "Time allowed for all checks")
	return cmd
}

func runHealthChecks(ctx context.Context, app *transcription.App) HealthResult {
	result := HealthResult{Passed: true, Message: "All checks passed"}

	session := HealthCheck{Name: "Session", Critical: true, Status: checkHealthy}
	signedIn := app.Session.VerifyTokenValidity()
	switch {
	case !app.Session.IsAuthenticated():
		session.Status = checkUnhealthy
		session.Error = "not signed in"
	case !signedIn:
		session.Status = checkUnhealthy
		session.Error = "token expired"
	default:
		if creds, err := app.Session.Credentials(); err == nil && creds.Subject != "" {
			session.Detail = creds.Subject
		}
	}
	result.add(session)

	service := HealthCheck{Name: "Service", Critical: true, Detail: app.Config.ServerURL}
	if !signedIn {
		service.Status = checkSkipped
		service.Critical = false
	} else {
		start := time.Now()
		list, err := app.Service.GetAllMeetings(ctx)
		service.LatencyMs = time.Since(start).Milliseconds()
		switch {
		case err != nil:
			service.Status = checkUnhealthy
			if scerrors.IsTransient(err) {
				service.Status = checkUnreachable
			}
			service.Error = err.Error()
		case list.FromCache:
			service.Status = checkUnreachable
			service.Error = list.Notice
		default:
			service.Status = checkHealthy
			service.Detail = fmt.Sprintf("%s, %d meetings", app.Config.ServerURL, len(list.Meetings))
		}
	}
	result.add(service)

	result.add(HealthCheck{
		Name:   "Cache",
		Status: checkHealthy,
		Detail: fmt.Sprintf("%s backend, %d meetings", app.Config.Cache.Backend, len(app.Service.CachedMeetings())),
	})

	for _, c := range tlsChecks(app.Config.TLS, time.Now()) {
		result.add(c)
	}
	return result
}

// tlsChecks inspects the configured certificates. It returns nothing when
// TLS is not configured.
func tlsChecks(tlsCfg config.TLSConfig, now time.Time) []HealthCheck {
	if !tlsCfg.Configured() {
		return nil
	}
	tlsCfg.ResolvePaths()

	var checks []HealthCheck
	for _, f := range []struct{ name, path string }{
		{"CA certificate", tlsCfg.CACert},
		{"Client certificate", tlsCfg.ClientCert},
	} {
		if f.path == "" {
			continue
		}
		check := HealthCheck{Name: f.name, Critical: true}
		cert, err := loadCertificate(f.path)
		if err != nil {
			check.Status = checkUnhealthy
			check.Error = err.Error()
			checks = append(checks, check)
			continue
		}

		days := int(cert.NotAfter.Sub(now).Hours() / 24)
		switch {
		case now.After(cert.NotAfter):
			check.Status = checkUnhealthy
			check.Error = "expired " + cert.NotAfter.Format("2006-01-02")
		case days <= certExpiryWarningDays:
			check.Status = checkWarning
			check.Detail = fmt.Sprintf("expires in %d days", days)
		default:
			check.Status = checkHealthy
			check.Detail = fmt.Sprintf("%s, expires %s", cert.Subject.CommonName, cert.NotAfter.Format("2006-01-02"))
		}
		checks = append(checks, check)
	}
	return checks
}

// loadCertificate loads and parses a PEM-encoded certificate file.
func loadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("expected CERTIFICATE block, got %s", block.Type)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

func writeHealth(w io.Writer, result HealthResult) {
	status := "PASS"
	if !result.Passed {
		status = "FAIL"
	}
	fmt.Fprintf(w, "Health Check: %s\n", status)

	for _, c := range result.Checks {
		line := c.Status
		if c.LatencyMs > 0 {
			line += fmt.Sprintf(" (%dms)", c.LatencyMs)
		}
		if c.Detail != "" {
			line += " - " + c.Detail
		}
		if c.Critical {
			line += " [critical]"
		}
		fmt.Fprintf(w, "  %-20s %s\n", c.Name+":", line)
	}

	if len(result.Warnings) > 0 {
		fmt.Fprintln(w)
		for _, warning := range result.Warnings {
			fmt.Fprintf(w, "Warning: %s\n", warning)
		}
	}
	if len(result.Failures) > 0 {
		fmt.Fprintln(w)
		for _, failure := range result.Failures {
			fmt.Fprintf(w, "Failed: %s\n", failure)
		}
	}
}
