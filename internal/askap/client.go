package askap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ObsState is the scheduling-block lifecycle ordinal. Values below
// StateExecuting mean the block has not started; values above mean it has
// finished or been torn down.
type ObsState int

const (
	StateDraft ObsState = iota
	StateSubmitted
	StateScheduled
	StateExecuting
	StateProcessing
	StatePendingArchive
	StateCompleted
	StateErrored
	StateRetired
)

func (s ObsState) String() string {
	switch s {
	case StateDraft:
		return "DRAFT"
	case StateSubmitted:
		return "SUBMITTED"
	case StateScheduled:
		return "SCHEDULED"
	case StateExecuting:
		return "EXECUTING"
	case StateProcessing:
		return "PROCESSING"
	case StatePendingArchive:
		return "PENDINGARCHIVE"
	case StateCompleted:
		return "COMPLETED"
	case StateErrored:
		return "ERRORED"
	case StateRetired:
		return "RETIRED"
	}
	return fmt.Sprintf("ObsState(%d)", int(s))
}

// Finished reports whether the block is past execution.
func (s ObsState) Finished() bool { return s > StateExecuting }

// SchedBlock is the metadata snapshot for one scheduling block. Parameters
// and Variables are free-form key/value text maps as served by the
// observation manager.
type SchedBlock struct {
	SBID       int               `json:"sbid"`
	Alias      string            `json:"alias"`
	Template   string            `json:"template"`
	Owner      string            `json:"owner"`
	Parameters map[string]string `json:"parameters"`
	Variables  map[string]string `json:"variables"`
}

// StateEvent is one entry from the state-change feed.
type StateEvent struct {
	SBID     int      `json:"sbid"`
	State    ObsState `json:"state"`
	OldState ObsState `json:"old_state"`
	Updated  string   `json:"updated"`
}

// Client talks to the schedblock status/metadata service.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		base: baseURL,
		http: &http.Client{Timeout: timeout},
	}
}

type statusResp struct {
	Value int    `json:"value"`
	Name  string `json:"name"`
}

// Status returns the current lifecycle state of a scheduling block.
func (c *Client) Status(ctx context.Context, sbid int) (ObsState, error) {
	var out statusResp
	if err := c.getJSON(ctx, fmt.Sprintf("%s/schedblock/%d/status", c.base, sbid), &out); err != nil {
		return 0, fmt.Errorf("schedblock %d status: %w", sbid, err)
	}
	return ObsState(out.Value), nil
}

// SchedBlock fetches the full metadata snapshot for a scheduling block.
func (c *Client) SchedBlock(ctx context.Context, sbid int) (*SchedBlock, error) {
	var out SchedBlock
	if err := c.getJSON(ctx, fmt.Sprintf("%s/schedblock/%d", c.base, sbid), &out); err != nil {
		return nil, fmt.Errorf("schedblock %d metadata: %w", sbid, err)
	}
	out.SBID = sbid
	return &out, nil
}

type changesResp struct {
	Events []StateEvent `json:"events"`
	Cursor string       `json:"cursor"`
}

// Changes returns state-change events recorded after the cursor, plus the
// cursor to resume from. An empty cursor starts from the current tail.
func (c *Client) Changes(ctx context.Context, cursor string) ([]StateEvent, string, error) {
	u := c.base + "/schedblock/changes"
	if cursor != "" {
		u += "?since=" + url.QueryEscape(cursor)
	}
	var out changesResp
	if err := c.getJSON(ctx, u, &out); err != nil {
		return nil, cursor, fmt.Errorf("schedblock changes: %w", err)
	}
	next := out.Cursor
	if next == "" {
		next = cursor
	}
	return out.Events, next, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
