// Package execution implements the Execution Manager: a single-writer
// mutex serializing every mutating RPC path, plus the auto-bundler and
// reputation-decay timers that drive bundling without an explicit caller.
// The shape is narrowed from a multi-service supervisor down to one mutex
// guarding one bundling pipeline.
package execution

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/erc4337/bundler/internal/bundle"
	"github.com/erc4337/bundler/internal/bundlererr"
	"github.com/erc4337/bundler/internal/bundlermetrics"
	"github.com/erc4337/bundler/internal/entrypoint"
	"github.com/erc4337/bundler/internal/events"
	"github.com/erc4337/bundler/internal/mempool"
	"github.com/erc4337/bundler/internal/receipts"
	"github.com/erc4337/bundler/internal/reputation"
	"github.com/erc4337/bundler/internal/validation"
)

// Config parameterizes the Execution Manager's stake-eligibility checks.
type Config struct {
	EntryPoint      common.Address
	ChainID         *big.Int
	MinStake        *big.Int
	MinUnstakeDelay uint32
}

// Manager is the Execution Manager.
type Manager struct {
	cfg Config

	mu sync.Mutex

	validator  *validation.Manager
	pool       *mempool.Pool
	bundler    *bundle.Manager
	events     *events.Manager
	reputation *reputation.Manager
	receipts   *receipts.Index

	maxMempoolSize int

	submitted map[common.Hash]*entrypoint.UserOperation

	bundleTimerStop chan struct{}
	cronTimerStop   chan struct{}

	metrics *bundlermetrics.Series
}

// SetMetrics wires a metrics series into the manager; nil disables
// reporting. Safe to call before Start.
func (m *Manager) SetMetrics(series *bundlermetrics.Series) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = series
}

// recordAdmissionFailure classifies err and bumps the matching counter, a
// no-op when no metrics series is wired.
func (m *Manager) recordAdmissionFailure(err error) {
	if m.metrics == nil || err == nil {
		return
	}
	var berr *bundlererr.Error
	if errors.As(err, &berr) && berr.Code == bundlererr.CodeReputation {
		m.metrics.ReputationBannedTotal.Inc(1)
		return
	}
	m.metrics.ValidationFailuresTotal.Inc(1)
}

// NewManager wires the Execution Manager to its collaborators. recv backs
// eth_getUserOperationReceipt and may be shared with the Events Manager
// that populates it.
func NewManager(cfg Config, validator *validation.Manager, pool *mempool.Pool, bundler *bundle.Manager, ev *events.Manager, rep *reputation.Manager, recv *receipts.Index) *Manager {
	return &Manager{cfg: cfg, validator: validator, pool: pool, bundler: bundler, events: ev, reputation: rep, receipts: recv, submitted: make(map[common.Hash]*entrypoint.UserOperation)}
}

// SendUserOperation runs the full admission path under the single-writer
// lock: input checks, simulation, post-checks, mempool insertion, and a
// best-effort bundle attempt.
func (m *Manager) SendUserOperation(ctx context.Context, op *entrypoint.UserOperation, entryPoint common.Address) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.validator.CheckInput(op, entryPoint); err != nil {
		m.recordAdmissionFailure(err)
		return common.Hash{}, err
	}
	result, err := m.validator.Simulate(ctx, op)
	if err != nil {
		m.recordAdmissionFailure(err)
		return common.Hash{}, err
	}
	if err := m.validator.PostCheck(op, result, time.Now()); err != nil {
		m.recordAdmissionFailure(err)
		return common.Hash{}, err
	}

	hash := op.Hash(entryPoint, m.cfg.ChainID)
	if err := m.validator.CheckFingerprint(hash, result.ReferencedCode); err != nil {
		m.recordAdmissionFailure(err)
		return common.Hash{}, err
	}

	entry := mempool.NewEntry(op, hash, common.Address{})
	if err := m.pool.Add(entry, m.maxAllowedUnstaked(ctx), m.isStaked(ctx)); err != nil {
		m.validator.ForgetFingerprint(hash)
		m.recordAdmissionFailure(err)
		return common.Hash{}, err
	}
	m.submitted[hash] = op
	if m.metrics != nil {
		m.metrics.MempoolSize.Update(int64(m.pool.Len()))
	}

	if err := m.attemptBundleLocked(ctx, false); err != nil {
		log.Warn("attemptBundle after sendUserOperation failed", "err", err)
	}

	return hash, nil
}

// PendingOperation returns the UserOperation submitted under hash, if this
// process has seen it since its last restart, regardless of whether it has
// since been included or dropped from the mempool.
func (m *Manager) PendingOperation(hash common.Hash) (*entrypoint.UserOperation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.submitted[hash]
	return op, ok
}

// Receipt returns the completed inclusion record for hash, if any.
func (m *Manager) Receipt(hash common.Hash) (*receipts.Record, bool) {
	if m.receipts == nil {
		return nil, false
	}
	return m.receipts.Get(hash)
}

// EntryPoint returns the configured EntryPoint address.
func (m *Manager) EntryPoint() common.Address { return m.cfg.EntryPoint }

// StakeStatus reports addr's current stake classification against the
// configured EntryPoint and thresholds.
func (m *Manager) StakeStatus(ctx context.Context, addr common.Address) (reputation.StakeStatus, error) {
	return m.reputation.GetStakeStatus(ctx, addr, m.cfg.EntryPoint, m.cfg.MinStake, m.cfg.MinUnstakeDelay)
}

// GasEstimate is the result of a dry-run simulateValidation, used to answer
// eth_estimateUserOperationGas without admitting the operation to the
// mempool.
type GasEstimate struct {
	PreVerificationGas   *big.Int
	VerificationGasLimit *big.Int
	CallGasLimit         *big.Int
}

// EstimateUserOperationGas runs input checks and simulation without
// touching the mempool or the fingerprint cache, since an estimate is not a
// commitment to admit the operation.
func (m *Manager) EstimateUserOperationGas(ctx context.Context, op *entrypoint.UserOperation, entryPoint common.Address, gasConfig entrypoint.GasConfig) (*GasEstimate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.validator.CheckInput(op, entryPoint); err != nil {
		return nil, err
	}
	result, err := m.validator.Simulate(ctx, op)
	if err != nil {
		return nil, err
	}

	preVerificationGas := new(big.Int).SetUint64(entrypoint.CalcPreVerificationGas(op, gasConfig))
	verificationGasLimit := new(big.Int).Add(result.Validation.ReturnInfo.PreOpGas, big.NewInt(minVerificationGasSlackEstimate))

	return &GasEstimate{
		PreVerificationGas:   preVerificationGas,
		VerificationGasLimit: verificationGasLimit,
		CallGasLimit:         op.CallGasLimit,
	}, nil
}

// minVerificationGasSlackEstimate mirrors the Validation Manager's own
// minVerificationGasSlack so an estimate that's admitted later doesn't come
// back rejected for insufficient slack.
const minVerificationGasSlackEstimate = 2000

// ClearState resets everything debug_bundler_clearState promises: the
// mempool, cached validation fingerprints, submitted-op tracking,
// reputation counters, and the mined-event receipt cache.
// debug_bundler_clearMempool and debug_bundler_clearReputation exist
// separately for finer-grained resets.
func (m *Manager) ClearState() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pool.ClearState()
	m.validator.ClearState()
	m.reputation.ClearState()
	if m.receipts != nil {
		m.receipts.ClearState()
	}
	m.submitted = make(map[common.Hash]*entrypoint.UserOperation)
}

// Pool exposes the mempool for read-only debug RPCs (dumpMempool).
func (m *Manager) Pool() *mempool.Pool { return m.pool }

// Reputation exposes the Reputation Manager for debug RPCs
// (dumpReputation, setReputation, clearReputation, getStakeStatus).
func (m *Manager) Reputation() *reputation.Manager { return m.reputation }

func (m *Manager) maxAllowedUnstaked(ctx context.Context) func(common.Address) int {
	return func(addr common.Address) int {
		return m.reputation.CalculateMaxAllowedMempoolOpsUnstaked(addr)
	}
}

func (m *Manager) isStaked(ctx context.Context) func(common.Address) bool {
	return func(addr common.Address) bool {
		status, err := m.reputation.GetStakeStatus(ctx, addr, m.cfg.EntryPoint, m.cfg.MinStake, m.cfg.MinUnstakeDelay)
		if err != nil {
			return false
		}
		return status.IsStaked
	}
}

// AttemptBundle acquires the lock and delegates to attemptBundleLocked; the
// public entry point used by explicit RPC triggers (e.g. sendBundleNow).
func (m *Manager) AttemptBundle(ctx context.Context, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attemptBundleLocked(ctx, force)
}

func (m *Manager) attemptBundleLocked(ctx context.Context, force bool) error {
	if !force && m.pool.Len() < m.maxMempoolSize {
		return nil
	}

	_, err := m.bundler.SendNextBundle(ctx, m.cfg.ChainID)
	if err == bundle.ErrEmptyBundle {
		return nil
	}
	if err != nil {
		if m.metrics != nil {
			m.metrics.BundlesFailedTotal.Inc(1)
		}
		return err
	}
	if m.metrics != nil {
		m.metrics.BundlesSentTotal.Inc(1)
		m.metrics.MempoolSize.Update(int64(m.pool.Len()))
	}

	if m.maxMempoolSize == 0 {
		if err := m.events.HandlePastEvents(ctx); err != nil {
			log.Warn("handlePastEvents after auto-mine bundle failed", "err", err)
		}
	}
	return nil
}

// SetAutoBundler reschedules the periodic force-bundle timer. intervalSec=0
// disables the timer, leaving bundling purely size-triggered.
func (m *Manager) SetAutoBundler(ctx context.Context, intervalSec int, maxPoolSize int) {
	m.mu.Lock()
	m.maxMempoolSize = maxPoolSize
	if m.bundleTimerStop != nil {
		close(m.bundleTimerStop)
		m.bundleTimerStop = nil
	}
	m.mu.Unlock()

	if intervalSec <= 0 {
		return
	}

	stop := make(chan struct{})
	m.mu.Lock()
	m.bundleTimerStop = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Duration(intervalSec) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := m.AttemptBundle(ctx, true); err != nil {
					log.Warn("auto-bundler tick failed", "err", err)
				}
			}
		}
	}()
}

// SetReputationCron reschedules the periodic reputation-decay timer.
// ms=0 disables it.
func (m *Manager) SetReputationCron(ms int) {
	m.mu.Lock()
	if m.cronTimerStop != nil {
		close(m.cronTimerStop)
		m.cronTimerStop = nil
	}
	m.mu.Unlock()

	if ms <= 0 {
		return
	}

	stop := make(chan struct{})
	m.mu.Lock()
	m.cronTimerStop = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Duration(ms) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.reputation.HourlyCron()
				if m.metrics != nil {
					m.metrics.ReputationThrottledGauge.Update(int64(m.reputation.CountThrottled()))
				}
			}
		}
	}()
}

// Bundling mode presets exposed to the RPC layer.
const (
	ModeAuto   = "auto"
	ModeManual = "manual"
)

// BundlingModeParams resolves a named or numeric bundling mode into
// (intervalSec, maxPoolSize).
func BundlingModeParams(mode string, numberIntervalSec int) (int, int) {
	switch mode {
	case ModeAuto:
		return 0, 0
	case ModeManual:
		return 0, 1000
	default:
		return numberIntervalSec, 100
	}
}

// Stop cancels any running timers.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bundleTimerStop != nil {
		close(m.bundleTimerStop)
		m.bundleTimerStop = nil
	}
	if m.cronTimerStop != nil {
		close(m.cronTimerStop)
		m.cronTimerStop = nil
	}
}
