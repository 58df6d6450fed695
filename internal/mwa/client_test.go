package mwa

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mwa-ops/shadower/internal/clock"
	"github.com/mwa-ops/shadower/pkg/api"
)

func testLogger() zerolog.Logger { return zerolog.New(io.Discard) }

func testClock() *clock.Clock { return clock.New("", testLogger()) }

func newTestClient(t *testing.T, base string, dryrun bool, auditDir string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		BaseURL:   base,
		ProjectID: "T001",
		SecureKey: "sekrit",
		Timeout:   time.Second,
		AuditDir:  auditDir,
		DryRun:    dryrun,
		Defaults:  api.TriggerRequest{ExpTime: 300, CalExpTime: 120, FreqSpecs: "121,24"},
	}, testClock(), testLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestTriggerScienceSuccess(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if !strings.HasSuffix(r.URL.Path, "/triggerobs") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"success": true, "obsid_list": [1385000000], "trigger_id": 42}`))
	}))
	defer srv.Close()

	auditDir := t.TempDir()
	c := newTestClient(t, srv.URL, false, auditDir)

	ra, dec := 180.0, -45.0
	res := c.Trigger(context.Background(), api.KindScience, api.TriggerOverrides{
		RA: &ra, Dec: &dec, ObsName: "VAST_1200-45", GroupID: 1384999000,
	})
	if res == nil || !res.Success {
		t.Fatalf("expected success, got %v", res)
	}
	if len(res.ObsIDs) != 1 || res.ObsIDs[0] != 1385000000 || res.TriggerID != 42 {
		t.Fatalf("unexpected result: %v", res)
	}

	q := "&" + gotQuery + "&"
	for _, want := range []string{"project_id=T001", "secure_key=sekrit", "ra=180", "dec=-45",
		"groupid=1384999000", "exptime=300", "freqspecs=121%2C24"} {
		if !strings.Contains(q, "&"+want+"&") {
			t.Errorf("query missing %s: %s", want, gotQuery)
		}
	}
	if strings.Contains(q, "calibrator") {
		t.Errorf("science trigger must not carry the calibrator flag: %s", gotQuery)
	}

	files, err := os.ReadDir(auditDir)
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one audit file, got %v (%v)", files, err)
	}
	body, _ := os.ReadFile(filepath.Join(auditDir, files[0].Name()))
	if !strings.Contains(string(body), "obsid_list") {
		t.Fatalf("audit file does not hold the raw response: %s", body)
	}
}

func TestTriggerCalibrationShape(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"success": true, "obsid_list": []}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false, "")
	alt, az := 89.0, 0.0
	res := c.Trigger(context.Background(), api.KindCalibration, api.TriggerOverrides{
		Alt: &alt, Az: &az, ObsName: "VAST_1200-45_cal",
	})
	if res == nil {
		t.Fatalf("expected success")
	}
	for _, want := range []string{"calibrator=true", "calexptime=120", "inttime=8", "nobs=1", "alt=89", "az=0"} {
		if !strings.Contains("&"+gotQuery+"&", "&"+want+"&") {
			t.Errorf("query missing %s: %s", want, gotQuery)
		}
	}
	if strings.Contains(gotQuery, "ra=") {
		t.Errorf("zenith calibration must not carry ra/dec: %s", gotQuery)
	}
}

func TestTriggerNotSuccessfulReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success": false, "errors": ["project over quota"]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false, "")
	if res := c.Trigger(context.Background(), api.KindScience, api.TriggerOverrides{}); res != nil {
		t.Fatalf("non-success response must yield nil, got %v", res)
	}
}

func TestTriggerTransportFailureReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	c := newTestClient(t, srv.URL, false, "")
	if res := c.Trigger(context.Background(), api.KindScience, api.TriggerOverrides{}); res != nil {
		t.Fatalf("transport failure must yield nil, got %v", res)
	}
}

func TestDryRunIssuesNoNetworkCalls(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer srv.Close()

	c := newTestClient(t, srv.URL, true, "")
	res := c.Trigger(context.Background(), api.KindScience, api.TriggerOverrides{})
	if res == nil || !res.DryRun || !res.Success {
		t.Fatalf("dry run must report synthetic success, got %v", res)
	}
	if res.TriggerID == 0 {
		t.Fatalf("dry run must mint an instrument-time identifier")
	}
	if hits != 0 {
		t.Fatalf("dry run issued %d network calls", hits)
	}
}

func TestNewClientRequiresKeyUnlessDryRun(t *testing.T) {
	cfg := ClientConfig{BaseURL: "http://example", ProjectID: "T001"}
	if _, err := NewClient(cfg, testClock(), testLogger()); err == nil {
		t.Fatalf("live client without a secure key must fail construction")
	}
	cfg.DryRun = true
	if _, err := NewClient(cfg, testClock(), testLogger()); err != nil {
		t.Fatalf("dry-run client should not need a key: %v", err)
	}
}
