package api

import (
	"fmt"
	"net/url"
	"strconv"
)

// v0 contains public types for the MWA triggering web service.

// TriggerKind selects the intent of a trigger request.
type TriggerKind string

const (
	KindScience     TriggerKind = "science"
	KindCalibration TriggerKind = "calibration"
)

// TriggerRequest is the flat parameter set accepted by the trigger endpoint.
// The service expects query-string encoding; a JSON body is rejected.
type TriggerRequest struct {
	ProjectID string `yaml:"project_id"`
	SecureKey string `yaml:"-"`

	// Pointing. Either ra/dec or the alt/az fallback.
	RA  *float64 `yaml:"ra"`
	Dec *float64 `yaml:"dec"`
	Alt *float64 `yaml:"alt"`
	Az  *float64 `yaml:"az"`

	ObsName string `yaml:"obsname"`
	GroupID int64  `yaml:"groupid"`

	ExpTime    int     `yaml:"exptime"`    // seconds, science exposure
	CalExpTime int     `yaml:"calexptime"` // seconds, calibrator exposure
	IntTime    float64 `yaml:"inttime"`    // seconds, correlator integration
	Nobs       int     `yaml:"nobs"`
	FreqSpecs  string  `yaml:"freqspecs"`
	AvoidSun   bool    `yaml:"avoidsun"`
	Calibrator bool    `yaml:"calibrator"`
}

// Values encodes the request as query parameters, omitting unset optionals.
func (r TriggerRequest) Values() url.Values {
	v := url.Values{}
	v.Set("project_id", r.ProjectID)
	if r.SecureKey != "" {
		v.Set("secure_key", r.SecureKey)
	}
	if r.RA != nil {
		v.Set("ra", trimFloat(*r.RA))
	}
	if r.Dec != nil {
		v.Set("dec", trimFloat(*r.Dec))
	}
	if r.Alt != nil {
		v.Set("alt", trimFloat(*r.Alt))
	}
	if r.Az != nil {
		v.Set("az", trimFloat(*r.Az))
	}
	if r.ObsName != "" {
		v.Set("obsname", r.ObsName)
	}
	if r.GroupID != 0 {
		v.Set("groupid", strconv.FormatInt(r.GroupID, 10))
	}
	if r.ExpTime != 0 {
		v.Set("exptime", strconv.Itoa(r.ExpTime))
	}
	if r.CalExpTime != 0 {
		v.Set("calexptime", strconv.Itoa(r.CalExpTime))
	}
	if r.IntTime != 0 {
		v.Set("inttime", trimFloat(r.IntTime))
	}
	if r.Nobs != 0 {
		v.Set("nobs", strconv.Itoa(r.Nobs))
	}
	if r.FreqSpecs != "" {
		v.Set("freqspecs", r.FreqSpecs)
	}
	if r.AvoidSun {
		v.Set("avoidsun", "1")
	}
	if r.Calibrator {
		v.Set("calibrator", "true")
	}
	return v
}

// Redacted renders the request for logging with the secure key removed.
func (r TriggerRequest) Redacted() string {
	c := r
	c.SecureKey = ""
	return c.Values().Encode()
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// TriggerOverrides are call-site parameters merged over per-project defaults.
type TriggerOverrides struct {
	RA, Dec *float64
	Alt, Az *float64
	ObsName string
	GroupID int64
}

// TriggerResponse is the wire shape returned by the trigger endpoint.
type TriggerResponse struct {
	Success   bool     `json:"success"`
	ObsIDList []int64  `json:"obsid_list"`
	TriggerID int64    `json:"trigger_id"`
	Errors    []string `json:"errors,omitempty"`
}

// TriggerResult is the outcome handed back to the orchestration engine.
// A nil result means no trigger was issued this cycle.
type TriggerResult struct {
	Success   bool
	DryRun    bool
	ObsIDs    []int64
	TriggerID int64
}

// GroupID derives the correlation identifier from the result, falling back
// to the supplied instrument time when the service assigned no observation
// ids (dry runs always fall back).
func (r *TriggerResult) GroupID(gpsNow int64) int64 {
	if r == nil {
		return 0
	}
	if r.DryRun || len(r.ObsIDs) == 0 {
		return gpsNow
	}
	return r.ObsIDs[0]
}

func (r *TriggerResult) String() string {
	if r == nil {
		return "<no trigger>"
	}
	return fmt.Sprintf("success=%t dryrun=%t obsids=%v trigger_id=%d", r.Success, r.DryRun, r.ObsIDs, r.TriggerID)
}
