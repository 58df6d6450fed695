package askap

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Non-science templates carry no usable pointing and are never triggered on.
var nonScienceTemplates = map[string]bool{
	"Beamform":   true,
	"OdcWeights": true,
}

const maxScans = 100

// Target is the resolved pointing of an observation. Resolved is false when
// metadata was absent, malformed, or the block is not a science template; the
// engine then skips science triggers and falls back to zenith calibration.
type Target struct {
	RA, Dec  float64
	Resolved bool
	Alias    string
	Template string
}

// Resolver extracts the current target coordinate from scheduling-block
// metadata. Metadata is refreshed on every call: the bound target can change
// as the observation advances through scans.
type Resolver struct {
	client *Client
	log    zerolog.Logger
}

func NewResolver(client *Client, log zerolog.Logger) *Resolver {
	return &Resolver{client: client, log: log}
}

// Resolve never fails to the caller; every problem degrades to an unresolved
// target with a logged reason.
func (r *Resolver) Resolve(ctx context.Context, sbid int) Target {
	sb, err := r.client.SchedBlock(ctx, sbid)
	if err != nil {
		r.log.Warn().Err(err).Int("sbid", sbid).Msg("cannot refresh schedblock metadata")
		return Target{}
	}
	t := Target{Alias: sb.Alias, Template: sb.Template}

	if nonScienceTemplates[sb.Template] {
		r.log.Info().Int("sbid", sbid).Str("template", sb.Template).Msg("not a science template, no target")
		return t
	}

	scans, err := sb.ScanSources()
	if err != nil {
		r.log.Warn().Err(err).Int("sbid", sbid).Msg("cannot map scans to sources")
		return t
	}
	if len(scans) == 0 {
		r.log.Warn().Int("sbid", sbid).Msg("no scan targets in schedblock variables")
		return t
	}

	src, multiple := currentSource(scans)
	if multiple {
		r.log.Warn().Int("sbid", sbid).Int("sources", countSources(scans)).Str("source", src).
			Msg("multiple sources found, proceeding with the latest scan")
	}

	ra, dec, err := sb.FieldDirection(src)
	if err != nil {
		r.log.Warn().Err(err).Int("sbid", sbid).Str("source", src).Msg("cannot parse field direction")
		return t
	}
	t.RA, t.Dec, t.Resolved = ra, dec, true
	r.log.Info().Int("sbid", sbid).Str("source", src).Float64("ra", ra).Float64("dec", dec).Msg("target resolved")
	return t
}

// currentSource picks the source bound to the highest-numbered scan, treated
// as the most current. The second return reports whether more than one
// distinct source was present.
func currentSource(scans map[int]string) (string, bool) {
	maxScan := -1
	for scan := range scans {
		if scan > maxScan {
			maxScan = scan
		}
	}
	return scans[maxScan], countSources(scans) > 1
}

func countSources(scans map[int]string) int {
	seen := map[string]bool{}
	for _, src := range scans {
		seen[src] = true
	}
	return len(seen)
}

// Antennas parses the "[ant1, ant2, ...]" list from the variables map.
func (sb *SchedBlock) Antennas() ([]string, error) {
	raw, ok := sb.Variables["schedblock.antennas"]
	if !ok {
		return nil, fmt.Errorf("schedblock.antennas not in variables")
	}
	raw = strings.ReplaceAll(raw, "'", "")
	raw = strings.ReplaceAll(raw, " ", "")
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")
	if raw == "" {
		return nil, fmt.Errorf("empty antenna list")
	}
	return strings.Split(raw, ","), nil
}

// ScanSources maps scan number to source name. Scans are numbered from zero
// with zero-padded keys; the mapping stops at the first gap. A scan whose
// antennas point at different sources (fly's-eye mode) is rejected.
func (sb *SchedBlock) ScanSources() (map[int]string, error) {
	ants, err := sb.Antennas()
	if err != nil {
		return nil, err
	}
	refant := ants[0]
	scans := map[int]string{}
	for scan := 0; scan < maxScans; scan++ {
		if _, ok := sb.Variables[scanTargetKey(scan, refant)]; !ok {
			break
		}
		src, err := sb.scanSource(scan, ants)
		if err != nil {
			return nil, err
		}
		scans[scan] = src
	}
	return scans, nil
}

func (sb *SchedBlock) scanSource(scan int, ants []string) (string, error) {
	var src string
	for _, ant := range ants {
		s := strings.TrimSpace(sb.Variables[scanTargetKey(scan, ant)])
		if src == "" {
			src = s
			continue
		}
		if s != src {
			return "", fmt.Errorf("scan %d mixes sources %q and %q (fly's-eye not supported)", scan, src, s)
		}
	}
	return src, nil
}

func scanTargetKey(scan int, ant string) string {
	return fmt.Sprintf("schedblock.scan%03d.target.%s", scan, ant)
}

// FieldDirection returns the pointing of a named source in degrees, checking
// common.target first in parameters and then the schedblock variables.
func (sb *SchedBlock) FieldDirection(src string) (ra, dec float64, err error) {
	if s, ok := sb.Parameters[fmt.Sprintf("common.target.%s.field_direction", src)]; ok {
		return ParseFieldDirection(s)
	}
	if s, ok := sb.Variables[fmt.Sprintf("schedblock.%s.field_direction", src)]; ok {
		return ParseFieldDirection(s)
	}
	return 0, 0, fmt.Errorf("no field_direction for source %q", src)
}
