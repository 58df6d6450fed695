package core

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mwa-ops/shadower/internal/askap"
	"github.com/mwa-ops/shadower/internal/clock"
	"github.com/mwa-ops/shadower/internal/telemetry"
	"github.com/mwa-ops/shadower/pkg/api"
)

// Calibration does not track a sky target, so an unresolved pointing falls
// back to zenith.
const (
	zenithAlt = 89.0
	zenithAz  = 0.0
)

// StatusOracle reports the primary observation's lifecycle state.
type StatusOracle interface {
	Status(ctx context.Context, sbid int) (askap.ObsState, error)
}

// TargetResolver returns the current pointing of the primary observation.
type TargetResolver interface {
	Resolve(ctx context.Context, sbid int) askap.Target
}

// Readiness reports whether the secondary instrument can accept an
// interruption right now.
type Readiness interface {
	Ready(ctx context.Context) bool
}

// Triggerer issues one trigger command; nil means no trigger landed.
type Triggerer interface {
	Trigger(ctx context.Context, kind api.TriggerKind, over api.TriggerOverrides) *api.TriggerResult
}

// EngineConfig holds the engine's timing parameters.
type EngineConfig struct {
	Poll       time.Duration // status poll while waiting for execution
	ReadyPoll  time.Duration // readiness poll in the pre-calibration gate
	Retry      time.Duration // backoff after a failed trigger or readiness miss
	Buffer     time.Duration // safety margin subtracted from the exposure wait
	Settle     time.Duration // margin after a calibrator exposure
	ExpTime    time.Duration // science exposure length, also the trigger cadence
	CalExpTime time.Duration // calibrator exposure length
	CalWindow  time.Duration // span within which a second calibration is redundant
}

// Engine drives the follow-up of one primary observation: a calibrator
// first, science exposures on the exposure cadence while the observation
// executes, and a closing calibrator. One engine instance owns one sbid; it
// is a single sequential state machine and every suspension is a bounded
// sleep honoring ctx at the poll boundary. All bookkeeping goes through the
// store immediately after the action it records, so a kill at any boundary
// restarts cleanly without double-triggering.
type Engine struct {
	sbid    int
	status  StatusOracle
	resolve TargetResolver
	ready   Readiness
	trigger Triggerer
	store   *Store
	clock   *clock.Clock
	cfg     EngineConfig
	tel     *telemetry.Collector
	log     zerolog.Logger

	groupID int64
}

// EngineParams collects the engine's collaborators.
type EngineParams struct {
	SBID      int
	Status    StatusOracle
	Resolver  TargetResolver
	Readiness Readiness
	Trigger   Triggerer
	Store     *Store
	Clock     *clock.Clock
	Config    EngineConfig
	Telemetry *telemetry.Collector
	Log       zerolog.Logger
}

func NewEngine(p EngineParams) *Engine {
	tel := p.Telemetry
	if tel == nil {
		tel = telemetry.NewCollector(false, 0, p.Log)
	}
	return &Engine{
		sbid:    p.SBID,
		status:  p.Status,
		resolve: p.Resolver,
		ready:   p.Readiness,
		trigger: p.Trigger,
		store:   p.Store,
		clock:   p.Clock,
		cfg:     p.Config,
		tel:     tel,
		log:     p.Log.With().Int("sbid", p.SBID).Logger(),
	}
}

// Run executes the full trigger sequence for the observation and returns
// when the observation has finished (or was already finished, or the context
// was cancelled).
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.store.GetOrCreate(ctx, e.sbid, e.clock.MJDNow()); err != nil {
		// Proceed on best-effort in-memory state; every decision that depends
		// on the record re-reads it first.
		e.log.Warn().Err(err).Msg("cannot initialise observation record")
		e.tel.Counter("store_errors", 1, nil)
	}
	if rec := e.record(ctx); rec != nil {
		e.groupID = rec.GroupID
	}

	if st, ok := e.pollStatus(ctx); ok && st.Finished() {
		e.log.Info().Stringer("status", st).Msg("observation has already finished, aborting")
		return nil
	}

	target := e.resolve.Resolve(ctx, e.sbid)

	// Pre-calibration gate.
	if rec := e.record(ctx); rec != nil && rec.CalDone {
		e.log.Info().Msg("calibration already recorded, skipping pre-execution calibrator")
	} else if e.waitForReadiness(ctx) {
		if e.attemptCalibration(ctx, target) {
			if !e.sleep(ctx, e.cfg.CalExpTime+e.cfg.Settle) {
				return ctx.Err()
			}
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := e.waitForExecution(ctx); err != nil {
		return err
	}
	if err := e.executionLoop(ctx); err != nil {
		return err
	}

	// Closing calibration: always attempted; the calibration window still
	// suppresses the remote call when a recent calibrator already covers us.
	e.log.Info().Msg("observation finished, scheduling closing calibrator")
	target = e.resolve.Resolve(ctx, e.sbid)
	if e.attemptCalibration(ctx, target) {
		if !e.sleep(ctx, e.cfg.CalExpTime) {
			return ctx.Err()
		}
	}
	e.log.Info().Msg("triggered follow-up complete")
	return nil
}

// waitForReadiness blocks until the instrument reports ready. It gives up
// without triggering when the primary observation finishes first.
func (e *Engine) waitForReadiness(ctx context.Context) bool {
	for {
		if e.ready.Ready(ctx) {
			return true
		}
		if st, ok := e.pollStatus(ctx); ok && st.Finished() {
			e.log.Info().Msg("observation finished before the instrument became ready")
			return false
		}
		if !e.sleep(ctx, e.cfg.ReadyPoll) {
			return false
		}
	}
}

// waitForExecution polls until the observation is executing and the
// instrument is ready, or the observation is already past execution.
func (e *Engine) waitForExecution(ctx context.Context) error {
	for {
		st, ok := e.pollStatus(ctx)
		if ok {
			if st.Finished() {
				return nil
			}
			if st == askap.StateExecuting && e.ready.Ready(ctx) {
				return nil
			}
			e.log.Info().Stringer("status", st).Msg("waiting for execution")
		}
		if !e.sleep(ctx, e.cfg.Poll) {
			return ctx.Err()
		}
	}
}

// executionLoop issues science triggers on the exposure cadence while the
// observation stays in the executing state.
func (e *Engine) executionLoop(ctx context.Context) error {
	for {
		st, ok := e.pollStatus(ctx)
		if !ok {
			if !e.sleep(ctx, e.cfg.Retry) {
				return ctx.Err()
			}
			continue
		}
		if st != askap.StateExecuting {
			return nil
		}
		if !e.ready.Ready(ctx) {
			if !e.sleep(ctx, e.cfg.Retry) {
				return ctx.Err()
			}
			continue
		}

		// The bound target can change between scans.
		target := e.resolve.Resolve(ctx, e.sbid)
		e.attemptCalibration(ctx, target)

		if res := e.triggerScience(ctx, target); res != nil {
			// Align the next poll with the expected end of this exposure.
			wait := e.cfg.ExpTime - e.cfg.Buffer
			if wait <= 0 {
				wait = e.cfg.Retry
			}
			if !e.sleep(ctx, wait) {
				return ctx.Err()
			}
		} else if !e.sleep(ctx, e.cfg.Retry) {
			return ctx.Err()
		}
	}
}

// attemptCalibration applies the dedup rule and issues a calibrator trigger
// when none landed within the window. It reports whether a trigger (real or
// dry-run) was issued, so callers know to wait out the exposure.
func (e *Engine) attemptCalibration(ctx context.Context, t askap.Target) bool {
	now := float64(e.clock.GPSNow())
	recent, err := e.store.HasRecentCalibration(ctx, now, e.cfg.CalWindow.Seconds())
	if err != nil {
		e.log.Warn().Err(err).Msg("cannot query calibration history")
		e.tel.Counter("store_errors", 1, nil)
	} else if recent {
		// A calibrator from a back-to-back observation still covers this one.
		e.log.Info().Msg("recent calibration found, skipping calibrator trigger")
		e.markCalDone(ctx)
		return false
	}

	over := api.TriggerOverrides{GroupID: e.groupID}
	if t.Resolved {
		over.RA, over.Dec = &t.RA, &t.Dec
	} else {
		alt, az := zenithAlt, zenithAz
		over.Alt, over.Az = &alt, &az
		e.log.Info().Msg("no coordinates, pointing calibrator at zenith")
	}
	if t.Alias != "" {
		over.ObsName = t.Alias + "_cal"
	}

	res := e.trigger.Trigger(ctx, api.KindCalibration, over)
	if res == nil {
		e.tel.Counter("trigger_failures", 1, map[string]string{"kind": "calibration"})
		return false
	}
	e.tel.Counter("triggers_issued", 1, map[string]string{"kind": "calibration"})

	calID := e.clock.GPSNow()
	if err := e.store.RecordCalibration(ctx, calID, float64(calID)); err != nil {
		e.log.Warn().Err(err).Msg("cannot record calibration event")
		e.tel.Counter("store_errors", 1, nil)
	}
	e.markCalDone(ctx)
	e.ensureGroupID(ctx, res)
	e.log.Info().Stringer("result", res).Msg("calibrator triggered")
	return true
}

// triggerScience issues one science trigger, or skips when the target is
// unresolved (calibration alone cannot justify pointing the science
// exposure anywhere).
func (e *Engine) triggerScience(ctx context.Context, t askap.Target) *api.TriggerResult {
	if !t.Resolved {
		e.log.Info().Str("template", t.Template).Msg("no target coordinates, skipping science trigger")
		return nil
	}
	over := api.TriggerOverrides{
		RA:      &t.RA,
		Dec:     &t.Dec,
		GroupID: e.groupID,
		ObsName: t.Alias,
	}
	res := e.trigger.Trigger(ctx, api.KindScience, over)
	if res == nil {
		e.tel.Counter("trigger_failures", 1, map[string]string{"kind": "science"})
		return nil
	}
	e.tel.Counter("triggers_issued", 1, map[string]string{"kind": "science"})
	e.ensureGroupID(ctx, res)
	e.log.Info().Stringer("result", res).Msg("science exposure triggered")
	return res
}

// ensureGroupID assigns the write-once correlation id after the first
// trigger that lands. The store is re-read before and after the write: a
// value that already landed (this process or a previous one) always wins, so
// every later trigger correlates to the same group.
func (e *Engine) ensureGroupID(ctx context.Context, res *api.TriggerResult) {
	if e.groupID != 0 {
		return
	}
	if rec := e.record(ctx); rec != nil && rec.GroupID != 0 {
		e.groupID = rec.GroupID
		return
	}
	gid := res.GroupID(e.clock.GPSNow())
	if gid == 0 {
		return
	}
	if err := e.store.SetGroupID(ctx, e.sbid, gid); err != nil {
		e.log.Warn().Err(err).Msg("cannot persist group id")
		e.tel.Counter("store_errors", 1, nil)
	}
	if rec := e.record(ctx); rec != nil && rec.GroupID != 0 {
		e.groupID = rec.GroupID
	} else {
		e.groupID = gid
	}
	e.log.Info().Int64("groupid", e.groupID).Msg("group id assigned")
}

func (e *Engine) markCalDone(ctx context.Context) {
	if err := e.store.MarkCalibrationDone(ctx, e.sbid); err != nil {
		e.log.Warn().Err(err).Msg("cannot mark calibration done")
		e.tel.Counter("store_errors", 1, nil)
	}
}

func (e *Engine) record(ctx context.Context) *ObservationRecord {
	rec, err := e.store.Get(ctx, e.sbid)
	if err != nil {
		e.log.Warn().Err(err).Msg("cannot read observation record")
		e.tel.Counter("store_errors", 1, nil)
		return nil
	}
	return rec
}

func (e *Engine) pollStatus(ctx context.Context) (askap.ObsState, bool) {
	st, err := e.status.Status(ctx, e.sbid)
	if err != nil {
		e.log.Warn().Err(err).Msg("status poll failed")
		return 0, false
	}
	return st, true
}

// sleep waits for d or until the context is cancelled, reporting whether the
// full wait elapsed.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
