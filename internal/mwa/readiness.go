package mwa

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Oracle answers one question: can the array accept an interruption right
// now. It combines the array-busy check with the correlator sampling-mode
// check; either query failing to complete counts as not ready (fail-closed)
// and is retried by the caller on its own poll cadence. The oracle itself
// never retries and never returns an error.
type Oracle struct {
	base    string
	project string
	hold    time.Duration
	http    *http.Client
	log     zerolog.Logger
}

func NewOracle(baseURL, projectID string, hold, timeout time.Duration, log zerolog.Logger) *Oracle {
	return &Oracle{
		base:    baseURL,
		project: projectID,
		hold:    hold,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// Ready reports whether both readiness conditions hold. The conditions are
// independent and both can flip between any two polls, so results are never
// cached.
func (o *Oracle) Ready(ctx context.Context) bool {
	busy, err := o.busy(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("array busy check failed, treating as not ready")
		return false
	}
	if busy {
		o.log.Info().Msg("array is busy, not ready to trigger")
		return false
	}
	oversampled, err := o.oversampling(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("sampling mode check failed, treating as not ready")
		return false
	}
	if oversampled {
		o.log.Info().Msg("correlator in oversampling mode, not ready to trigger")
		return false
	}
	return true
}

// busy asks whether the array can be held for the requested duration by this
// project.
func (o *Oracle) busy(ctx context.Context) (bool, error) {
	q := url.Values{}
	q.Set("project_id", o.project)
	q.Set("obstime", strconv.Itoa(int(o.hold.Seconds())))
	return o.boolQuery(ctx, o.base+"/busy?"+q.Encode())
}

func (o *Oracle) oversampling(ctx context.Context) (bool, error) {
	return o.boolQuery(ctx, o.base+"/oversampling")
}

func (o *Oracle) boolQuery(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}
	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	v, err := strconv.ParseBool(strings.TrimSpace(string(body)))
	if err != nil {
		return false, fmt.Errorf("malformed response %q", string(body))
	}
	return v, nil
}
