package toybox

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// PrintRequestState is the raw state of a print request as published
// by the platform. Casing is inconsistent on the wire and preserved
// here verbatim.
type PrintRequestState string

const (
	RequestStateRequested       PrintRequestState = "requested"
	RequestStatePreparing       PrintRequestState = "preparing"
	RequestStateHeatingUp       PrintRequestState = "HeatingUp"
	RequestStatePrinting        PrintRequestState = "Printing"
	RequestStatePaused          PrintRequestState = "paused"
	RequestStateRequestedPause  PrintRequestState = "requested_pause"
	RequestStateRequestedResume PrintRequestState = "requested_resume"
	RequestStateRequestedCancel PrintRequestState = "requested_cancel"
	RequestStateCancelled       PrintRequestState = "cancelled"
	RequestStateDone            PrintRequestState = "done"
)

// PrintState is the simplified state derived for display.
type PrintState string

const (
	PrintStateIdle       PrintState = "idle"
	PrintStatePrinting   PrintState = "printing"
	PrintStateHeating    PrintState = "heating"
	PrintStatePaused     PrintState = "paused"
	PrintStateCancelling PrintState = "cancelling"
	PrintStateCompleted  PrintState = "completed"
	PrintStateCancelled  PrintState = "cancelled"
	PrintStateUnknown    PrintState = "unknown"
)

// endReasonCompleted marks a done request that actually finished rather
// than being stopped.
const endReasonCompleted = "completed"

// Timestamp decodes the date shapes Meteor puts on the wire: the EJSON
// {"$date": epochMillis} object, a bare epoch number (milliseconds when
// larger than 1e12, else seconds), or an ISO 8601 string. Null and
// unparseable values decode to the zero time.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}

	switch data[0] {
	case '{':
		if ms := gjson.GetBytes(data, "$date"); ms.Exists() {
			t.Time = timeFromEpoch(ms.Num)
		} else {
			t.Time = time.Time{}
		}

	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			t.Time = time.Time{}
			return nil //nolint:nilerr // tolerate malformed dates, zero time is the sentinel
		}

		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			t.Time = time.Time{}
			return nil //nolint:nilerr // tolerate malformed dates, zero time is the sentinel
		}

		t.Time = parsed.UTC()

	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			t.Time = time.Time{}
			return nil //nolint:nilerr // tolerate malformed dates, zero time is the sentinel
		}

		t.Time = timeFromEpoch(n)
	}

	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}

	return json.Marshal(t.Time.UnixMilli())
}

// timeFromEpoch converts an epoch number, treating values above 1e12 as
// milliseconds.
func timeFromEpoch(n float64) time.Time {
	if n > 1e12 {
		n /= 1000
	}

	sec, frac := math.Modf(n)

	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// ActivePrintModel is the toy being printed, attached to a request.
type ActivePrintModel struct {
	ID             string `json:"_id"`
	Name           string `json:"name"`
	Image          string `json:"image"`
	PrintingTimeMS int64  `json:"printing_time"`
	IsUserUpload   bool   `json:"isUserUpload"`
	CollectionType string `json:"collectionType"`
}

func (m *ActivePrintModel) UnmarshalJSON(data []byte) error {
	type alias ActivePrintModel

	var a struct {
		alias
		ModelID string `json:"model_id"`
	}

	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	*m = ActivePrintModel(a.alias)
	// Older documents carry model_id instead of _id.
	if m.ID == "" {
		m.ID = a.ModelID
	}

	return nil
}

// PrintRequest is a document from the print request collection.
type PrintRequest struct {
	ID                  string            `json:"_id"`
	PrintOwner          string            `json:"print_owner"`
	State               PrintRequestState `json:"state"`
	IsActive            bool              `json:"is_active"`
	PrinterID           string            `json:"printer_id"`
	ActivePrintModel    *ActivePrintModel `json:"active_print_model"`
	PrintStartTime      Timestamp         `json:"print_start_time"`
	PrintCompletionTime Timestamp         `json:"print_completion_time"`
	PrintDurationMS     int64             `json:"print_duration"`
	PauseStartTime      Timestamp         `json:"pause_start_time"`
	EndReason           string            `json:"end_reason"`
	ErrorCode           int               `json:"error_code"`
	PauseCount          int               `json:"pauseCount"`
	CleanName           string            `json:"clean_name"`
	ParentToyID         string            `json:"parent_toy_id"`
	IsHidden            bool              `json:"is_hidden"`
	CreatedAt           Timestamp         `json:"createdAt"`
}

// SimplifiedState maps the raw request state to a display state.
// Requested and preparing count as printing: the job is committed and
// the printer is about to start.
func (r *PrintRequest) SimplifiedState() PrintState {
	switch r.State {
	case RequestStatePrinting, RequestStateRequested, RequestStatePreparing:
		return PrintStatePrinting
	case RequestStateHeatingUp:
		return PrintStateHeating
	case RequestStatePaused, RequestStateRequestedPause, RequestStateRequestedResume:
		return PrintStatePaused
	case RequestStateRequestedCancel:
		return PrintStateCancelling
	case RequestStateCancelled:
		return PrintStateCancelled
	case RequestStateDone:
		if r.EndReason == endReasonCompleted {
			return PrintStateCompleted
		}

		return PrintStateCancelled
	default:
		return PrintStateUnknown
	}
}

// IsCompleted reports whether the request finished successfully.
func (r *PrintRequest) IsCompleted() bool {
	return r.State == RequestStateDone && r.EndReason == endReasonCompleted
}

// IsCancelled reports whether the request was stopped before finishing.
// A done request whose end reason is not "completed" counts as
// cancelled.
func (r *PrintRequest) IsCancelled() bool {
	return r.State == RequestStateCancelled ||
		(r.State == RequestStateDone && r.EndReason != endReasonCompleted)
}

// IsPaused reports whether the countdown is frozen.
func (r *PrintRequest) IsPaused() bool {
	return r.State == RequestStatePaused || r.State == RequestStateRequestedPause
}

// RemainingSeconds is the time left on the print. While paused the
// countdown freezes at completion minus pause start. Returns false when
// no completion time is known.
func (r *PrintRequest) RemainingSeconds(now time.Time) (int, bool) {
	if r.PrintCompletionTime.IsZero() {
		return 0, false
	}

	var delta time.Duration
	if r.IsPaused() && !r.PauseStartTime.IsZero() {
		delta = r.PrintCompletionTime.Sub(r.PauseStartTime.Time)
	} else {
		delta = r.PrintCompletionTime.Sub(now)
	}

	seconds := int(delta.Seconds())
	if seconds < 0 {
		seconds = 0
	}

	return seconds, true
}

// ElapsedSeconds is the time spent printing so far, frozen at the pause
// start while paused. Returns false when no start time is known.
func (r *PrintRequest) ElapsedSeconds(now time.Time) (int, bool) {
	if r.PrintStartTime.IsZero() {
		return 0, false
	}

	var delta time.Duration
	if r.IsPaused() && !r.PauseStartTime.IsZero() {
		delta = r.PauseStartTime.Sub(r.PrintStartTime.Time)
	} else {
		delta = now.Sub(r.PrintStartTime.Time)
	}

	seconds := int(delta.Seconds())
	if seconds < 0 {
		seconds = 0
	}

	return seconds, true
}

// TotalSeconds is the estimated total print time.
func (r *PrintRequest) TotalSeconds() (int, bool) {
	if r.PrintStartTime.IsZero() || r.PrintCompletionTime.IsZero() {
		return 0, false
	}

	seconds := int(r.PrintCompletionTime.Sub(r.PrintStartTime.Time).Seconds())
	if seconds < 0 {
		seconds = 0
	}

	return seconds, true
}

// ProgressPercent is the print progress rounded to one decimal, capped
// at 100.
func (r *PrintRequest) ProgressPercent(now time.Time) (float64, bool) {
	total, ok := r.TotalSeconds()
	if !ok || total == 0 {
		return 0, false
	}

	elapsed, ok := r.ElapsedSeconds(now)
	if !ok {
		return 0, false
	}

	percent := math.Round(float64(elapsed)/float64(total)*1000) / 10
	if percent > 100 {
		percent = 100
	}

	return percent, true
}

// PrintName is the display name of the print: the model name when
// present, otherwise the cleaned file name.
func (r *PrintRequest) PrintName() string {
	if r.ActivePrintModel != nil && r.ActivePrintModel.Name != "" {
		return r.ActivePrintModel.Name
	}

	return r.CleanName
}

// PrinterStatus is a document from the printer state collection.
type PrinterStatus struct {
	ID                 string    `json:"_id"`
	Name               string    `json:"name"`
	Model              string    `json:"model"`
	Online             bool      `json:"online"`
	UIState            string    `json:"ui_state"`
	HardwareID         string    `json:"hardware_id"`
	Extruder           string    `json:"extruder"`
	ZBeam              string    `json:"zBeam"`
	LastPing           Timestamp `json:"last_ping"`
	LastCompletedPrint string    `json:"last_completed_print"`
	CalibrationValue   int       `json:"calibrationValue"`
	Owners             []string  `json:"owners"`

	// FirmwareVersion is reported under different keys depending on the
	// hardware generation; populated by printerStatusFromDoc.
	FirmwareVersion string `json:"-"`
}

// firmwareVersionKeys are probed in order on the raw printer document.
var firmwareVersionKeys = []string{"version", "spversion"}

// DisplayName is the friendly name the platform shows: the model line
// name plus the tail of the hardware id once one is assigned.
func (p *PrinterStatus) DisplayName() string {
	prefix := "ToyBox"
	if p.Model == "bravo" {
		prefix = "Comet"
	}

	hw := p.HardwareID
	if hw == "" || strings.EqualFold(hw, "pending") {
		return prefix
	}

	if len(hw) > 6 {
		hw = hw[len(hw)-6:]
	}

	return prefix + " (" + hw + ")"
}

// Snapshot is the assembled view of one printer.
type Snapshot struct {
	Printer              *PrinterStatus
	CurrentRequest       *PrintRequest
	LastCompletedRequest *PrintRequest
}

// IsPrinting reports whether a print is actively running (including
// heat-up and the committed pre-print states).
func (s *Snapshot) IsPrinting() bool {
	if s.CurrentRequest == nil || !s.CurrentRequest.IsActive {
		return false
	}

	switch s.CurrentRequest.State {
	case RequestStatePrinting, RequestStateHeatingUp, RequestStateRequested, RequestStatePreparing:
		return true
	default:
		return false
	}
}

// IsBusy reports whether the printer is doing anything at all,
// including pausing and cancelling.
func (s *Snapshot) IsBusy() bool {
	return s.CurrentRequest != nil && s.CurrentRequest.IsActive
}

// PrintState is the simplified state of the snapshot: the active
// request's state, or idle without one.
func (s *Snapshot) PrintState() PrintState {
	if s.CurrentRequest != nil && s.CurrentRequest.IsActive {
		return s.CurrentRequest.SimplifiedState()
	}

	return PrintStateIdle
}

// printerStatusFromDoc decodes a raw collection document. Returns nil
// when the document does not decode.
func printerStatusFromDoc(doc map[string]any) *PrinterStatus {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil
	}

	var p PrinterStatus
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}

	if p.Name == "" {
		p.Name = "ToyBox"
	}

	if p.Model == "" {
		p.Model = "esp32"
	}

	if p.UIState == "" {
		p.UIState = "none"
	}

	for _, key := range firmwareVersionKeys {
		if v := gjson.GetBytes(raw, key); v.Exists() && v.String() != "" {
			p.FirmwareVersion = v.String()
			break
		}
	}

	return &p
}

// printRequestFromDoc decodes a raw collection document. Returns nil
// when the document does not decode.
func printRequestFromDoc(doc map[string]any) *PrintRequest {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil
	}

	var r PrintRequest
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil
	}

	return &r
}
