package core

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mwa-ops/shadower/internal/askap"
	"github.com/mwa-ops/shadower/internal/clock"
	"github.com/mwa-ops/shadower/pkg/api"
)

func testLogger() zerolog.Logger { return zerolog.New(io.Discard) }

// scriptedStatus serves a fixed sequence of lifecycle states and repeats the
// last one once the script is exhausted.
type scriptedStatus struct {
	mu     sync.Mutex
	states []askap.ObsState
}

func (s *scriptedStatus) Status(ctx context.Context, sbid int) (askap.ObsState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[0]
	if len(s.states) > 1 {
		s.states = s.states[1:]
	}
	return st, nil
}

type stubResolver struct{ target askap.Target }

func (r *stubResolver) Resolve(ctx context.Context, sbid int) askap.Target { return r.target }

type stubReady struct{ ready bool }

func (r *stubReady) Ready(ctx context.Context) bool { return r.ready }

type triggerCall struct {
	kind api.TriggerKind
	over api.TriggerOverrides
}

// recordingTrigger captures every call and answers like a dry-run client.
type recordingTrigger struct {
	mu    sync.Mutex
	calls []triggerCall
}

func (r *recordingTrigger) Trigger(ctx context.Context, kind api.TriggerKind, over api.TriggerOverrides) *api.TriggerResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, triggerCall{kind, over})
	return &api.TriggerResult{Success: true, DryRun: true, TriggerID: int64(1385000000 + len(r.calls))}
}

func (r *recordingTrigger) byKind(kind api.TriggerKind) []triggerCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []triggerCall
	for _, c := range r.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func fastConfig() EngineConfig {
	return EngineConfig{
		Poll:       time.Millisecond,
		ReadyPoll:  time.Millisecond,
		Retry:      time.Millisecond,
		Buffer:     time.Millisecond,
		Settle:     time.Millisecond,
		ExpTime:    2 * time.Millisecond,
		CalExpTime: time.Millisecond,
		CalWindow:  time.Hour,
	}
}

func newTestEngine(t *testing.T, status *scriptedStatus, res *stubResolver, ready *stubReady, trig *recordingTrigger) (*Engine, *Store) {
	t.Helper()
	store, _ := newTestStore(t)
	eng := NewEngine(EngineParams{
		SBID:      12345,
		Status:    status,
		Resolver:  res,
		Readiness: ready,
		Trigger:   trig,
		Store:     store,
		Clock:     clock.New("", testLogger()),
		Config:    fastConfig(),
		Log:       testLogger(),
	})
	return eng, store
}

func TestRunFullSequence(t *testing.T) {
	status := &scriptedStatus{states: []askap.ObsState{
		askap.StateExecuting, // entry check
		askap.StateExecuting, // wait-for-execution
		askap.StateExecuting, // first loop iteration
		askap.StateCompleted, // loop exit
	}}
	resolver := &stubResolver{target: askap.Target{RA: 180, Dec: -45, Resolved: true, Alias: "VAST_1200-45"}}
	trig := &recordingTrigger{}
	eng, store := newTestEngine(t, status, resolver, &stubReady{ready: true}, trig)

	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cals := trig.byKind(api.KindCalibration)
	if len(cals) != 1 {
		t.Fatalf("expected exactly one calibrator trigger, got %d", len(cals))
	}
	if cals[0].over.RA == nil || *cals[0].over.RA != 180 {
		t.Fatalf("calibrator should track the science pointing: %+v", cals[0].over)
	}
	if cals[0].over.ObsName != "VAST_1200-45_cal" {
		t.Fatalf("unexpected calibrator obsname %q", cals[0].over.ObsName)
	}

	sci := trig.byKind(api.KindScience)
	if len(sci) != 1 {
		t.Fatalf("expected exactly one science trigger, got %d", len(sci))
	}
	if sci[0].over.GroupID == 0 {
		t.Fatalf("science trigger should carry the group id from the calibrator")
	}

	rec, err := store.Get(context.Background(), 12345)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || !rec.CalDone || rec.GroupID == 0 {
		t.Fatalf("state not persisted: %+v", rec)
	}
	if rec.GroupID != sci[0].over.GroupID {
		t.Fatalf("persisted group id %d does not match the one sent %d", rec.GroupID, sci[0].over.GroupID)
	}
}

func TestRunAfterRestartDoesNotRecalibrate(t *testing.T) {
	status := &scriptedStatus{states: []askap.ObsState{
		askap.StateExecuting,
		askap.StateExecuting,
		askap.StateExecuting,
		askap.StateProcessing,
	}}
	resolver := &stubResolver{target: askap.Target{RA: 20, Dec: -20, Resolved: true, Alias: "SRC"}}
	trig := &recordingTrigger{}
	eng, store := newTestEngine(t, status, resolver, &stubReady{ready: true}, trig)

	// State left behind by a previous run that died mid-observation.
	ctx := context.Background()
	if _, err := store.GetOrCreate(ctx, 12345, 60000.0); err != nil {
		t.Fatal(err)
	}
	if err := store.SetGroupID(ctx, 12345, 1384990000); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkCalibrationDone(ctx, 12345); err != nil {
		t.Fatal(err)
	}
	now := float64(clock.GPS(time.Now()))
	if err := store.RecordCalibration(ctx, int64(now), now-60); err != nil {
		t.Fatal(err)
	}

	if err := eng.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if cals := trig.byKind(api.KindCalibration); len(cals) != 0 {
		t.Fatalf("recent calibration must suppress all calibrator triggers, got %d", len(cals))
	}
	sci := trig.byKind(api.KindScience)
	if len(sci) != 1 {
		t.Fatalf("expected one science trigger, got %d", len(sci))
	}
	if sci[0].over.GroupID != 1384990000 {
		t.Fatalf("science trigger must reuse the persisted group id, got %d", sci[0].over.GroupID)
	}
}

func TestRunWithoutCoordinatesCalibratesAtZenith(t *testing.T) {
	status := &scriptedStatus{states: []askap.ObsState{
		askap.StateExecuting,
		askap.StateExecuting,
		askap.StateExecuting,
		askap.StateCompleted,
	}}
	resolver := &stubResolver{target: askap.Target{Template: "Beamform"}}
	trig := &recordingTrigger{}
	eng, _ := newTestEngine(t, status, resolver, &stubReady{ready: true}, trig)

	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if sci := trig.byKind(api.KindScience); len(sci) != 0 {
		t.Fatalf("unresolved target must never produce a science trigger, got %d", len(sci))
	}
	cals := trig.byKind(api.KindCalibration)
	if len(cals) != 1 {
		t.Fatalf("expected one zenith calibrator, got %d", len(cals))
	}
	over := cals[0].over
	if over.RA != nil || over.Dec != nil {
		t.Fatalf("zenith calibrator must not carry ra/dec: %+v", over)
	}
	if over.Alt == nil || *over.Alt != 89 || over.Az == nil || *over.Az != 0 {
		t.Fatalf("expected alt=89 az=0, got %+v", over)
	}
}

func TestRunAbortsWhenAlreadyFinished(t *testing.T) {
	status := &scriptedStatus{states: []askap.ObsState{askap.StateCompleted}}
	trig := &recordingTrigger{}
	eng, _ := newTestEngine(t, status, &stubResolver{}, &stubReady{ready: true}, trig)

	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(trig.byKind(api.KindScience))+len(trig.byKind(api.KindCalibration)) != 0 {
		t.Fatalf("finished observation must not be triggered on")
	}
}

func TestRunNeverReadyFallsThroughToClosingCalibrator(t *testing.T) {
	status := &scriptedStatus{states: []askap.ObsState{
		askap.StateExecuting, // entry check
		askap.StateCompleted, // readiness gate sees the observation end
	}}
	resolver := &stubResolver{target: askap.Target{RA: 10, Dec: 10, Resolved: true, Alias: "GRB"}}
	trig := &recordingTrigger{}
	eng, _ := newTestEngine(t, status, resolver, &stubReady{ready: false}, trig)

	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if sci := trig.byKind(api.KindScience); len(sci) != 0 {
		t.Fatalf("science must not trigger when the instrument never became ready")
	}
	// The closing calibrator is not readiness gated.
	if cals := trig.byKind(api.KindCalibration); len(cals) != 1 {
		t.Fatalf("expected the closing calibrator alone, got %d", len(cals))
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	status := &scriptedStatus{states: []askap.ObsState{askap.StateScheduled}}
	trig := &recordingTrigger{}
	eng, _ := newTestEngine(t, status, &stubResolver{}, &stubReady{ready: false}, trig)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancellation")
	}
}
