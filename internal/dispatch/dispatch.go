// Package dispatch launches one trigger worker per executing observation.
// The worker is a separate process so the listener survives worker crashes
// and so one slow observation never blocks the feed.
package dispatch

import (
	"context"
	"os"
	"os/exec"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/mwa-ops/shadower/internal/askap"
)

// MetadataSource supplies scheduling-block metadata for filtering.
type MetadataSource interface {
	SchedBlock(ctx context.Context, sbid int) (*askap.SchedBlock, error)
}

// Dispatcher filters executing-state events and spawns workers. Ownership
// and template filters run against fresh metadata at dispatch time, not at
// event time, because the block can be edited between the two.
type Dispatcher struct {
	client       MetadataSource
	bin          string
	mwaProject   string
	allowedIDs   []string
	dryRun       bool
	log          zerolog.Logger
	launch       func(cmd *exec.Cmd) error // replaced in tests
	activeBySBID map[int]bool
}

func New(client MetadataSource, bin, mwaProject string, allowedIDs []string, dryRun bool, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		client:       client,
		bin:          bin,
		mwaProject:   mwaProject,
		allowedIDs:   allowedIDs,
		dryRun:       dryRun,
		log:          log,
		launch:       func(cmd *exec.Cmd) error { return cmd.Start() },
		activeBySBID: map[int]bool{},
	}
}

// Handle inspects one state-change event and spawns a worker when the
// observation just entered execution and passes the filters. A duplicate
// event for an sbid already dispatched this process lifetime is dropped;
// across restarts the worker's own store bookkeeping keeps things
// idempotent.
func (d *Dispatcher) Handle(ctx context.Context, ev askap.StateEvent) {
	if ev.State != askap.StateExecuting {
		return
	}
	log := d.log.With().Int("sbid", ev.SBID).Logger()
	if d.activeBySBID[ev.SBID] {
		log.Info().Msg("worker already dispatched for this observation")
		return
	}

	sb, err := d.client.SchedBlock(ctx, ev.SBID)
	if err != nil {
		log.Warn().Err(err).Msg("cannot fetch schedblock, not dispatching")
		return
	}
	if sb.Template == "Beamform" || sb.Template == "OdcWeights" {
		log.Info().Str("template", sb.Template).Msg("utility scan, not dispatching")
		return
	}
	if !d.ownerAllowed(sb.Owner) {
		log.Info().Str("owner", sb.Owner).Msg("owner not in allowed project list, not dispatching")
		return
	}

	args := []string{"run", "-s", strconv.Itoa(ev.SBID), "-p", d.mwaProject}
	if d.dryRun {
		args = append(args, "--dryrun")
	}
	cmd := exec.Command(d.bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := d.launch(cmd); err != nil {
		log.Error().Err(err).Msg("cannot start trigger worker")
		return
	}
	d.activeBySBID[ev.SBID] = true
	log.Info().Str("mwa_project", d.mwaProject).Msg("trigger worker dispatched")

	// Reap in the background so the child never zombifies.
	if cmd.Process != nil {
		go func() {
			if err := cmd.Wait(); err != nil {
				log.Warn().Err(err).Msg("trigger worker exited with failure")
			}
		}()
	}
}

func (d *Dispatcher) ownerAllowed(owner string) bool {
	// Empty list means trigger on everything.
	if len(d.allowedIDs) == 0 {
		return true
	}
	for _, id := range d.allowedIDs {
		if id == owner {
			return true
		}
	}
	return false
}
