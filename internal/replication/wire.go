package replication

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/CTFer/EarthOnline-sub001/internal/roadmap"
)

// Envelope codes. The HTTP status of a response mirrors its code, with CodeOK served as 200.
const (
	CodeOK           = 0
	CodeBadRequest   = 400
	CodeUnauthorized = 401
	CodeForbidden    = 403
	CodeNotFound     = 404
	CodeInternal     = 500
)

const (
	// HeaderAPIKey carries the shared secret on every sync request.
	HeaderAPIKey = "X-API-Key"
	// HeaderSyncTime carries the pull cursor in seconds.
	HeaderSyncTime = "X-Sync-Time"

	PathPull = "/sync"
	PathPush = "/batch_sync"
)

// Envelope is the response body of every sync endpoint.
type Envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"msg"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// PushRequest is the body of POST /batch_sync.
type PushRequest struct {
	Updates []WireRecord `json:"updates"`
}

// PushResult is the data payload of a successful push.
type PushResult struct {
	Updated int `json:"updated"`
}

// WireRecord is the JSON shape of a replicated row. ID and EditTime are
// required; everything else falls back to the documented defaults.
type WireRecord struct {
	ID               *int64   `json:"id"`
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	Status           string   `json:"status"`
	Color            string   `json:"color"`
	Order            int64    `json:"order"`
	AddTime          int64    `json:"addtime"`
	EditTime         *int64   `json:"edittime"`
	OwnerID          int64    `json:"user_id"`
	IsDeleted        flagBool `json:"is_deleted"`
	IsCycleTask      flagBool `json:"is_cycle_task"`
	NextReminderTime *int64   `json:"next_reminder_time"`
	CycleDuration    *int64   `json:"cycle_duration"`
}

// flagBool reads 0, 1, true, false or null and always writes 0 or 1.
type flagBool bool

func (b flagBool) MarshalJSON() ([]byte, error) {
	if b {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

func (b *flagBool) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "1", "true", `"1"`, `"true"`:
		*b = true
	case "0", "false", "null", `"0"`, `"false"`, `""`:
		*b = false
	default:
		return fmt.Errorf("invalid flag value %s", data)
	}
	return nil
}

// EncodeRecord converts a stored row into its wire form.
func EncodeRecord(record roadmap.Record) WireRecord {
	id := record.ID
	editTime := record.EditTime
	return WireRecord{
		ID:               &id,
		Name:             record.Name,
		Description:      record.Description,
		Status:           record.Status.String(),
		Color:            record.Color,
		Order:            record.OrderKey,
		AddTime:          record.AddTime,
		EditTime:         &editTime,
		OwnerID:          record.OwnerID,
		IsDeleted:        flagBool(record.IsDeleted),
		IsCycleTask:      flagBool(record.IsCycleTask),
		NextReminderTime: record.NextReminderTime,
		CycleDuration:    record.CycleDuration,
	}
}

// EncodeRecords converts rows into their wire form, preserving order.
func EncodeRecords(records []roadmap.Record) []WireRecord {
	encoded := make([]WireRecord, 0, len(records))
	for _, record := range records {
		encoded = append(encoded, EncodeRecord(record))
	}
	return encoded
}

// Decode converts a wire row into a Record, rejecting rows without id or edittime.
func (w WireRecord) Decode() (roadmap.Record, error) {
	if w.ID == nil {
		return roadmap.Record{}, fmt.Errorf("record is missing id")
	}
	if w.EditTime == nil {
		return roadmap.Record{}, fmt.Errorf("record %d is missing edittime", *w.ID)
	}
	status, err := roadmap.ParseStatus(w.Status)
	if err != nil {
		return roadmap.Record{}, err
	}
	addTime := w.AddTime
	if addTime == 0 {
		addTime = *w.EditTime
	}
	return roadmap.Record{
		ID:               *w.ID,
		OwnerID:          w.OwnerID,
		Name:             w.Name,
		Description:      w.Description,
		Status:           status,
		Color:            w.Color,
		OrderKey:         w.Order,
		AddTime:          addTime,
		EditTime:         *w.EditTime,
		IsDeleted:        bool(w.IsDeleted),
		IsCycleTask:      bool(w.IsCycleTask),
		NextReminderTime: w.NextReminderTime,
		CycleDuration:    w.CycleDuration,
	}, nil
}

// DecodeRecords converts a batch. The first invalid row fails the whole batch
// with a ProtocolError naming operation.
func DecodeRecords(operation string, wire []WireRecord) ([]roadmap.Record, error) {
	records := make([]roadmap.Record, 0, len(wire))
	for index, item := range wire {
		record, err := item.Decode()
		if err != nil {
			return nil, &ProtocolError{Operation: operation, Reason: fmt.Sprintf("invalid record at index %d", index), Err: err}
		}
		records = append(records, record)
	}
	return records, nil
}
