package app

import (
	"context"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tekr9d3r/euroyield/internal/aggregate"
	"github.com/tekr9d3r/euroyield/internal/analytics"
	"github.com/tekr9d3r/euroyield/internal/chain/signer"
	"github.com/tekr9d3r/euroyield/internal/engine"
	clierr "github.com/tekr9d3r/euroyield/internal/errors"
	"github.com/tekr9d3r/euroyield/internal/id"
	"github.com/tekr9d3r/euroyield/internal/journal"
	"github.com/tekr9d3r/euroyield/internal/protocol"
	"github.com/tekr9d3r/euroyield/internal/reader"
	"github.com/tekr9d3r/euroyield/internal/session"
)

func (s *runtimeState) newProtocolsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "protocols",
		Short: "List supported protocols and their contract bindings",
		RunE: func(cmd *cobra.Command, args []string) error {
			type row struct {
				ID          string  `json:"id"`
				Name        string  `json:"name"`
				Brand       string  `json:"brand"`
				Chain       string  `json:"chain"`
				Token       string  `json:"token"`
				Family      string  `json:"family"`
				SafetyScore float64 `json:"safety_score,omitempty"`
				AuditURL    string  `json:"audit_url,omitempty"`
			}
			descs := protocol.All()
			rows := make([]row, 0, len(descs))
			for _, d := range descs {
				rows = append(rows, row{
					ID:          d.ID,
					Name:        d.Name,
					Brand:       d.Brand,
					Chain:       d.ChainName(),
					Token:       d.Token.Symbol,
					Family:      string(d.Family),
					SafetyScore: d.SafetyScore,
					AuditURL:    d.AuditURL,
				})
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), rows)
		},
	}
}

// snapshots reads every protocol's current state. Node failures degrade to
// analytics or static values per adapter; nothing here aborts the command.
func (s *runtimeState) snapshots(ctx context.Context, account common.Address, hasAccount bool) map[string]reader.Snapshot {
	var pools []analytics.Pool
	if s.analytics != nil {
		fetched, err := s.analytics.Pools(ctx)
		if err != nil {
			s.log.Warn("analytics api unavailable", zap.Error(err))
		} else {
			pools = fetched
		}
	}
	snaps := make(map[string]reader.Snapshot)
	for _, desc := range protocol.All() {
		provider := s.readProvider(ctx, desc.ChainID, account, hasAccount)
		adapter := reader.New(desc, provider, s.log)
		snaps[desc.ID] = adapter.Snapshot(ctx, pools)
	}
	return snaps
}

func (s *runtimeState) newRatesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rates",
		Short: "Show current yields and TVL across protocols",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()
			snaps := s.snapshots(ctx, common.Address{}, false)
			entries := aggregate.Build(protocol.All(), snaps)
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), entries)
		},
	}
}

func (s *runtimeState) newPortfolioCommand() *cobra.Command {
	var accountArg string
	cmd := &cobra.Command{
		Use:   "portfolio",
		Short: "Show deposits and weighted yield for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := s.resolveAccount(accountArg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()
			snaps := s.snapshots(ctx, account, true)
			entries := aggregate.Build(protocol.All(), snaps)
			totals := aggregate.ComputeTotals(entries)
			data := map[string]any{
				"account": account.Hex(),
				"entries": entries,
				"totals":  totals,
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data)
		},
	}
	cmd.Flags().StringVar(&accountArg, "account", "", "Account address (defaults to the configured signing key)")
	return cmd
}

func (s *runtimeState) resolveAccount(accountArg string) (common.Address, error) {
	if accountArg != "" {
		addr, ok := id.NormalizeAddress(accountArg)
		if !ok {
			return common.Address{}, clierr.New(clierr.CodeUsage, "invalid account address")
		}
		return addr, nil
	}
	txSigner, err := signer.NewLocalSignerFromEnv(s.settings.PrivateKey)
	if err != nil {
		return common.Address{}, clierr.Wrap(clierr.CodeAuth, "no --account given and no signing key configured", err)
	}
	return txSigner.Address(), nil
}

func (s *runtimeState) sessionOptions() session.Options {
	return session.Options{
		SuccessDisplayDelay: s.settings.SuccessDisplayDelay,
		Engine: engine.Options{
			AllowancePollInterval: s.settings.AllowancePollInterval,
			ApprovalWaitBudget:    s.settings.ApprovalTimeout,
			SettleDelay:           s.settings.SettleDelay,
			Logger:                s.log,
		},
		Logger: s.log,
	}
}

func (s *runtimeState) ensureJournal() error {
	if s.journal != nil {
		return nil
	}
	store, err := journal.Open(s.settings.JournalPath, s.settings.JournalLockPath)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "open run journal", err)
	}
	s.journal = store
	return nil
}

// txContext budgets a transaction run: approval polling plus receipt waits
// plus slack. The global --timeout only bounds network reads.
func (s *runtimeState) txContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.settings.ApprovalTimeout+3*time.Minute)
}

type runResult struct {
	RunID      string `json:"run_id"`
	Protocol   string `json:"protocol"`
	Chain      string `json:"chain"`
	Token      string `json:"token"`
	Amount     string `json:"amount"`
	ApprovalTx string `json:"approval_tx,omitempty"`
	ActionTx   string `json:"action_tx,omitempty"`
	Status     string `json:"status"`
}

func (s *runtimeState) runSession(cmd *cobra.Command, sess *session.Session, desc protocol.Descriptor, amount string) error {
	if err := s.ensureJournal(); err != nil {
		return err
	}
	entry := journal.NewEntry(string(sess.Kind), desc.ID, desc.ChainID, desc.Token.Symbol, amount)
	if err := s.journal.Save(entry); err != nil {
		return err
	}

	ctx, cancel := s.txContext()
	defer cancel()
	runErr := sess.Run(ctx)

	record := sess.Result()
	entry.ApprovalTx = string(record.ApprovalTx)
	entry.ActionTx = string(record.ActionTx)
	if runErr != nil {
		entry.Status = journal.StatusFailed
		entry.Error = runErr.Error()
	} else {
		entry.Status = journal.StatusConfirmed
	}
	if err := s.journal.Save(entry); err != nil {
		s.log.Warn("journal update failed", zap.String("run", entry.RunID), zap.Error(err))
	}
	if runErr != nil {
		return runErr
	}

	return s.emitSuccess(trimRootPath(cmd.CommandPath()), runResult{
		RunID:      entry.RunID,
		Protocol:   desc.ID,
		Chain:      desc.ChainName(),
		Token:      desc.Token.Symbol,
		Amount:     amount,
		ApprovalTx: entry.ApprovalTx,
		ActionTx:   entry.ActionTx,
		Status:     string(entry.Status),
	})
}

func (s *runtimeState) newDepositCommand() *cobra.Command {
	var protocolArg, amountArg string
	cmd := &cobra.Command{
		Use:   "deposit",
		Short: "Deposit EUR stablecoins into a protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, ok := protocol.ByID(protocolArg)
			if !ok {
				return clierr.New(clierr.CodeUsage, "unknown protocol: "+protocolArg)
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			provider, err := s.signingProvider(ctx, desc.ChainID)
			cancel()
			if err != nil {
				return err
			}
			sess := session.New(session.KindDeposit, desc, provider, s.sessionOptions())
			if err := sess.SetAmount(amountArg); err != nil {
				return err
			}
			return s.runSession(cmd, sess, desc, amountArg)
		},
	}
	cmd.Flags().StringVar(&protocolArg, "protocol", "", "Protocol id (see protocols command)")
	cmd.Flags().StringVar(&amountArg, "amount", "", "Amount in token units (e.g. 100.00)")
	_ = cmd.MarkFlagRequired("protocol")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func (s *runtimeState) newWithdrawCommand() *cobra.Command {
	var protocolArg, amountArg string
	var all bool
	cmd := &cobra.Command{
		Use:   "withdraw",
		Short: "Withdraw EUR stablecoins from a protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, ok := protocol.ByID(protocolArg)
			if !ok {
				return clierr.New(clierr.CodeUsage, "unknown protocol: "+protocolArg)
			}
			if !all && amountArg == "" {
				return clierr.New(clierr.CodeUsage, "--amount or --all is required")
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			provider, err := s.signingProvider(ctx, desc.ChainID)
			if err != nil {
				cancel()
				return err
			}

			// The live position decides both the withdraw-all amount and the
			// near-total threshold.
			snap := reader.New(desc, provider, s.log).Snapshot(ctx, nil)
			cancel()
			tracked := strconv.FormatFloat(snap.UserDeposit, 'f', desc.Token.Decimals, 64)

			sess := session.New(session.KindWithdraw, desc, provider, s.sessionOptions())
			amount := amountArg
			if all {
				if snap.UserDeposit <= 0 {
					return clierr.New(clierr.CodePrecondition, "no deposit to withdraw")
				}
				if err := sess.SetWithdrawAll(tracked); err != nil {
					return err
				}
				amount = tracked
			} else {
				if snap.UserDeposit > 0 {
					if err := sess.SetAvailable(tracked); err != nil {
						return err
					}
				}
				if err := sess.SetAmount(amount); err != nil {
					return err
				}
				sess.SetTrackedDeposit(tracked)
			}
			return s.runSession(cmd, sess, desc, amount)
		},
	}
	cmd.Flags().StringVar(&protocolArg, "protocol", "", "Protocol id (see protocols command)")
	cmd.Flags().StringVar(&amountArg, "amount", "", "Amount in token units")
	cmd.Flags().BoolVar(&all, "all", false, "Withdraw the full position")
	_ = cmd.MarkFlagRequired("protocol")
	return cmd
}

func (s *runtimeState) newRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Drop cached market data so the next read refetches",
		RunE: func(cmd *cobra.Command, args []string) error {
			if s.analytics == nil {
				return s.emitSuccess(trimRootPath(cmd.CommandPath()), map[string]any{"refreshed": false})
			}
			if err := s.analytics.Refresh(); err != nil {
				return clierr.Wrap(clierr.CodeInternal, "invalidate cached market data", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), map[string]any{"refreshed": true})
		},
	}
}

func (s *runtimeState) newHistoryCommand() *cobra.Command {
	var statusArg string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past deposit and withdraw runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.ensureJournal(); err != nil {
				return err
			}
			entries, err := s.journal.List(journal.Status(statusArg), limit)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list runs", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), entries)
		},
	}
	cmd.Flags().StringVar(&statusArg, "status", "", "Filter by status (pending|confirmed|failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to return")
	return cmd
}
