package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ppiankov/chaingate/internal/alert"
	"github.com/ppiankov/chaingate/internal/approval"
	"github.com/ppiankov/chaingate/internal/audit"
	"github.com/ppiankov/chaingate/internal/executor"
	"github.com/ppiankov/chaingate/internal/fslock"
	"github.com/ppiankov/chaingate/internal/gateway"
	"github.com/ppiankov/chaingate/internal/policy"
	"github.com/ppiankov/chaingate/internal/trust"
)

// errRuntimeBusy reports that another process already runs a gateway over
// the same approval directory.
var errRuntimeBusy = errors.New("another chaingate process owns this data directory")

// runtime is a fully wired in-process gateway.
type runtime struct {
	lock       *fslock.Lock
	policyPath string
	cfg        *policy.Config
	hash       string
	logger     *slog.Logger
	alerts     *alert.Dispatcher

	auditLog  *audit.Log
	sink      *audit.Sink
	ledgerLog *trust.SQLiteLog
	ledger    *trust.Ledger
	engine    *approval.Engine
	store     *approval.FileStore
	sweeper   *approval.Sweeper
	gateway   *gateway.Gateway
}

// openRuntime loads policy and opens every store it names. Approved
// records left undispatched by a previous run are resumed. Only one
// runtime may own an approval directory at a time; a second one fails
// with errRuntimeBusy.
func openRuntime(ctx context.Context, policyPath string, logger *slog.Logger) (*runtime, error) {
	cfg, hash, err := policy.LoadConfigWithHash(policyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy config: %w", err)
	}
	if policyPath == "" {
		policyPath = policy.DefaultPath()
	}

	approvalDir := dataPath(cfg.Approval.Dir, "approvals")
	lock, err := fslock.New(filepath.Join(approvalDir, ".runtime.lock"))
	if err != nil {
		return nil, err
	}
	if err := lock.TryLock(); err != nil {
		lock.Close()
		if errors.Is(err, fslock.ErrLocked) {
			return nil, fmt.Errorf("%w: %s", errRuntimeBusy, approvalDir)
		}
		return nil, err
	}

	rt := &runtime{lock: lock, policyPath: policyPath, cfg: cfg, hash: hash, logger: logger}
	alerts := alert.NewDispatcher(cfg.Alerts)
	alerts.SetLogger(logger)
	rt.alerts = alerts

	auditPath := dataPath(cfg.Audit.Path, "audit.jsonl")
	if err := os.MkdirAll(filepath.Dir(auditPath), 0o700); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("cannot create audit directory: %w", err)
	}
	rt.auditLog, err = audit.Open(auditPath)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	rt.sink = audit.NewSink(rt.auditLog, audit.SinkConfig{
		Retries:      cfg.Audit.Retries,
		RetryBackoff: cfg.Audit.RetryBackoff,
		Buffer:       cfg.Audit.Buffer,
	}, audit.WithAlerts(alerts), audit.WithLogger(logger))

	ledgerPath := dataPath(cfg.Trust.LedgerPath, "ledger.db")
	if err := os.MkdirAll(filepath.Dir(ledgerPath), 0o700); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("cannot create ledger directory: %w", err)
	}
	rt.ledgerLog, err = trust.OpenSQLite(ledgerPath)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to open trust ledger: %w", err)
	}
	rt.ledger = trust.NewLedger(rt.ledgerLog, cfg.Trust, rt.sink, trust.WithLogger(logger))

	rt.store, err = approval.NewFileStore(approvalDir)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	rt.engine = approval.NewEngine(rt.store, cfg.Approval, rt.sink,
		approval.WithLogger(logger), approval.WithAlerts(alerts))
	rt.sweeper = approval.NewSweeper(rt.engine, cfg.Approval.SweepInterval, logger)

	claims, err := gateway.NewFileClaims(dataPath(cfg.Gateway.ClaimsDir, "claims"))
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	var exec gateway.Executor
	if cfg.Gateway.ExecutorURL != "" {
		exec = executor.NewWebhook(cfg.Gateway.ExecutorURL, cfg.Gateway.ExecutorHeaders, cfg.Gateway.ExecuteTimeout)
	} else {
		logger.Warn("no executor_url configured, running in dry-run mode")
		exec = executor.NewDryRun(logger)
	}

	rt.gateway = gateway.New(cfg, rt.engine, exec, rt.sink,
		gateway.WithClaims(claims),
		gateway.WithLedger(rt.ledger),
		gateway.WithAlerts(alerts),
		gateway.WithLogger(logger),
	)

	n, err := rt.gateway.ResumeDecided(ctx)
	if err != nil {
		logger.Error("resume of decided approvals failed", "error", err)
	} else if n > 0 {
		logger.Info("resumed decided approvals", "dispatched", n)
	}
	return rt, nil
}

// Close drains the audit sink and pending alerts, then closes every store
// and releases the directory lock.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.sink != nil {
		errs = append(errs, rt.sink.Close(ctx))
	}
	rt.alerts.Wait()
	if rt.auditLog != nil {
		errs = append(errs, rt.auditLog.Close())
	}
	if rt.ledgerLog != nil {
		errs = append(errs, rt.ledgerLog.Close())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	errs = append(errs, rt.lock.Close())
	return errors.Join(errs...)
}
