// Package app wires configuration, chain providers, analytics and the
// transaction layer into the euroyield command tree.
package app

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tekr9d3r/euroyield/internal/analytics"
	"github.com/tekr9d3r/euroyield/internal/cache"
	"github.com/tekr9d3r/euroyield/internal/config"
	clierr "github.com/tekr9d3r/euroyield/internal/errors"
	"github.com/tekr9d3r/euroyield/internal/httpx"
	"github.com/tekr9d3r/euroyield/internal/journal"
	"github.com/tekr9d3r/euroyield/internal/out"
	"github.com/tekr9d3r/euroyield/internal/version"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner      *Runner
	flags       config.GlobalFlags
	settings    config.Settings
	log         *zap.Logger
	cache       *cache.Store
	journal     *journal.Store
	analytics   *analytics.Client
	root        *cobra.Command
	lastCommand string
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	state.teardown()
	if err == nil {
		return 0
	}
	state.renderError("", err)
	return clierr.ExitCode(err)
}

func (s *runtimeState) teardown() {
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.journal != nil {
		_ = s.journal.Close()
	}
	if s.log != nil {
		_ = s.log.Sync()
	}
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "EUR stablecoin yield dashboard and transaction runner",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			s.lastCommand = trimRootPath(cmd.CommandPath())
			s.log = newLogger(s.runner.stderr, settings.Verbose)
			if settings.Verbose {
				cmd.Flags().Visit(func(f *pflag.Flag) {
					s.log.Debug("flag set", zap.String("name", f.Name), zap.String("value", f.Value.String()))
				})
			}

			if settings.CacheEnabled && shouldOpenCache(s.lastCommand) && s.cache == nil {
				store, err := cache.Open(settings.CachePath, settings.CacheLockPath)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "open cache", err)
				}
				s.cache = store
			}
			if s.analytics == nil && needsAnalytics(s.lastCommand) {
				httpClient := httpx.New(settings.Timeout, settings.Retries)
				s.analytics = analytics.New(httpClient, analytics.Options{
					BaseURL: settings.AnalyticsBaseURL,
					Cache:   s.cache,
					TTL:     settings.RatesTTL,
					Logger:  s.log,
				})
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Network request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per analytics request")
	cmd.PersistentFlags().BoolVar(&s.flags.NoCache, "no-cache", false, "Disable cache reads and writes")
	cmd.PersistentFlags().StringVar(&s.flags.Chain, "chain", "", "Chain the --rpc-url override applies to")
	cmd.PersistentFlags().StringVar(&s.flags.RPCURL, "rpc-url", "", "RPC node URL override")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	cmd.PersistentFlags().BoolVar(&s.flags.Verbose, "verbose", false, "Verbose logging")

	cmd.AddCommand(s.newProtocolsCommand())
	cmd.AddCommand(s.newRatesCommand())
	cmd.AddCommand(s.newPortfolioCommand())
	cmd.AddCommand(s.newDepositCommand())
	cmd.AddCommand(s.newWithdrawCommand())
	cmd.AddCommand(s.newRefreshCommand())
	cmd.AddCommand(s.newHistoryCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = cmd.OutOrStdout().Write([]byte(version.Version + "\n"))
		},
	}
}

func newLogger(w io.Writer, verbose bool) *zap.Logger {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(writerSyncer{w}),
		level,
	)
	return zap.New(core)
}

type writerSyncer struct{ io.Writer }

func (writerSyncer) Sync() error { return nil }

func (s *runtimeState) emitSuccess(commandPath string, data any) error {
	env := out.Envelope{
		Version: out.EnvelopeVersion,
		Success: true,
		Data:    data,
		Meta: out.Meta{
			RequestID: uuid.NewString(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
		},
	}
	return out.Render(s.runner.stdout, env, s.renderSettings())
}

func (s *runtimeState) renderSettings() out.Settings {
	return out.Settings{
		OutputMode:   s.settings.OutputMode,
		SelectFields: s.settings.SelectFields,
		ResultsOnly:  s.settings.ResultsOnly,
	}
}

func (s *runtimeState) renderError(commandPath string, err error) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	typ := "internal_error"
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		if cErr.Cause != nil {
			message = message + ": " + cErr.Cause.Error()
		}
		typ = errorType(cErr.Code)
	}

	settings := s.renderSettings()
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := out.Envelope{
		Version: out.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &out.ErrorBody{
			Code:    code,
			Type:    typ,
			Message: message,
		},
		Meta: out.Meta{
			RequestID: uuid.NewString(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func errorType(code clierr.Code) string {
	switch code {
	case clierr.CodeUsage:
		return "usage_error"
	case clierr.CodeAuth:
		return "auth_error"
	case clierr.CodeRateLimited:
		return "rate_limited"
	case clierr.CodeUnavailable:
		return "unavailable"
	case clierr.CodeUnsupported:
		return "unsupported"
	case clierr.CodeStale:
		return "stale_data"
	case clierr.CodePrecondition:
		return "precondition_failed"
	case clierr.CodeWrongChain:
		return "wrong_chain"
	case clierr.CodeRejected:
		return "rejected"
	case clierr.CodeNoGas:
		return "insufficient_gas_funds"
	case clierr.CodeTimeout:
		return "timeout"
	case clierr.CodeInProgress:
		return "in_progress"
	default:
		return "internal_error"
	}
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func shouldOpenCache(commandPath string) bool {
	switch strings.TrimSpace(strings.ToLower(commandPath)) {
	case "", "version", "protocols", "history":
		return false
	default:
		return true
	}
}

func needsAnalytics(commandPath string) bool {
	switch strings.TrimSpace(strings.ToLower(commandPath)) {
	case "rates", "portfolio", "refresh":
		return true
	default:
		return false
	}
}
