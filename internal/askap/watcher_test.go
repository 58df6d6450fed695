package askap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/schedblock/7000/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(statusResp{Value: 3, Name: "EXECUTING"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	st, err := c.Status(context.Background(), 7000)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if st != StateExecuting {
		t.Fatalf("got %v, want EXECUTING", st)
	}
	if st.Finished() {
		t.Fatalf("EXECUTING must not count as finished")
	}
	if !StateCompleted.Finished() || StateScheduled.Finished() {
		t.Fatalf("Finished threshold wrong")
	}
}

func TestWatcherDeliversEventsAndAdvancesCursor(t *testing.T) {
	var polls int
	mux := http.NewServeMux()
	mux.HandleFunc("/schedblock/changes", func(w http.ResponseWriter, r *http.Request) {
		polls++
		resp := changesResp{Cursor: "c1"}
		if r.URL.Query().Get("since") == "" {
			resp.Events = []StateEvent{
				{SBID: 7001, State: StateExecuting, OldState: StateScheduled},
				{SBID: 7002, State: StateCompleted, OldState: StateExecuting},
			}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	w := NewWatcher(NewClient(srv.URL, time.Second), 5*time.Millisecond, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var got []StateEvent
	_ = w.Run(ctx, func(ev StateEvent) { got = append(got, ev) })

	if len(got) != 2 {
		t.Fatalf("expected 2 events exactly once, got %d", len(got))
	}
	if got[0].SBID != 7001 || got[1].SBID != 7002 {
		t.Fatalf("unexpected events: %+v", got)
	}
	if polls < 2 {
		t.Fatalf("expected the watcher to keep polling with the cursor")
	}
}
