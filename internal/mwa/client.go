package mwa

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/mwa-ops/shadower/internal/clock"
	"github.com/mwa-ops/shadower/pkg/api"
)

// Calibrator triggers are scheduled as one short fake observation; the
// pointing does not need to track a science target.
const (
	calIntTime = 8
	calNobs    = 1
)

// ClientConfig wires a trigger client for one target project.
type ClientConfig struct {
	BaseURL   string
	TrigType  string // trigger endpoint flavour: triggerobs, triggervcs, triggerbuffer
	ProjectID string
	SecureKey string
	Timeout   time.Duration
	AuditDir  string
	DryRun    bool
	Defaults  api.TriggerRequest
}

// Client issues trigger commands against the MWA triggering web service.
// Each call is a single best-effort attempt: a failed trigger returns nil and
// the engine retries the same intent on its next poll cycle. The remote side
// deduplicates by group id, so at-least-once is acceptable.
type Client struct {
	cfg   ClientConfig
	http  *http.Client
	clock *clock.Clock
	log   zerolog.Logger
}

func NewClient(cfg ClientConfig, clk *clock.Clock, log zerolog.Logger) (*Client, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("mwa project id is required")
	}
	if !cfg.DryRun && cfg.SecureKey == "" {
		return nil, fmt.Errorf("no secure key for project %s", cfg.ProjectID)
	}
	if cfg.TrigType == "" {
		cfg.TrigType = "triggerobs"
	}
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		clock: clk,
		log:   log.With().Str("project", cfg.ProjectID).Logger(),
	}, nil
}

// DryRun reports whether the client suppresses remote calls.
func (c *Client) DryRun() bool { return c.cfg.DryRun }

// Trigger merges overrides into the per-project defaults and issues one
// trigger request. It returns nil when no trigger landed (transport failure
// or a non-success response); errors never propagate beyond a log entry.
func (c *Client) Trigger(ctx context.Context, kind api.TriggerKind, over api.TriggerOverrides) *api.TriggerResult {
	req := c.buildRequest(kind, over)
	c.log.Info().Str("kind", string(kind)).Str("params", req.Redacted()).Msg("trigger request")

	if c.cfg.DryRun {
		c.log.Info().Msg("dryrun, not issuing a trigger")
		return &api.TriggerResult{Success: true, DryRun: true, TriggerID: c.clock.GPSNow()}
	}

	body, err := c.post(ctx, req)
	if err != nil {
		c.log.Warn().Err(err).Msg("trigger call failed")
		return nil
	}
	c.audit(body)

	var resp api.TriggerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.log.Warn().Err(err).Msg("cannot parse trigger response")
		return nil
	}
	if !resp.Success {
		c.log.Warn().Strs("errors", resp.Errors).Msg("trigger was not successful")
		return nil
	}
	return &api.TriggerResult{Success: true, ObsIDs: resp.ObsIDList, TriggerID: resp.TriggerID}
}

func (c *Client) buildRequest(kind api.TriggerKind, over api.TriggerOverrides) api.TriggerRequest {
	req := c.cfg.Defaults
	req.ProjectID = c.cfg.ProjectID
	req.SecureKey = c.cfg.SecureKey

	if kind == api.KindCalibration {
		req.Calibrator = true
		req.IntTime = calIntTime
		req.Nobs = calNobs
		if req.CalExpTime == 0 {
			req.CalExpTime = 120
		}
	}

	if over.RA != nil && over.Dec != nil {
		req.RA, req.Dec = over.RA, over.Dec
		req.Alt, req.Az = nil, nil
	} else if over.Alt != nil && over.Az != nil {
		req.Alt, req.Az = over.Alt, over.Az
		req.RA, req.Dec = nil, nil
	}
	if over.ObsName != "" {
		req.ObsName = over.ObsName
	}
	if over.GroupID != 0 {
		req.GroupID = over.GroupID
	}
	return req
}

func (c *Client) post(ctx context.Context, req api.TriggerRequest) ([]byte, error) {
	url := fmt.Sprintf("%s/%s?%s", c.cfg.BaseURL, c.cfg.TrigType, req.Values().Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("trigger api status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// audit keeps the raw response body on disk so operators can reconcile what
// the telescope actually scheduled.
func (c *Client) audit(body []byte) {
	if c.cfg.AuditDir == "" {
		return
	}
	if err := os.MkdirAll(c.cfg.AuditDir, 0o755); err != nil {
		c.log.Warn().Err(err).Msg("cannot create audit dir")
		return
	}
	name := fmt.Sprintf("%s_%d.json", c.cfg.ProjectID, c.clock.GPSNow())
	if err := os.WriteFile(filepath.Join(c.cfg.AuditDir, name), body, 0o644); err != nil {
		c.log.Warn().Err(err).Msg("cannot write trigger response audit file")
	}
}
