// Separate package is workaround to import cycles.
// Types shared by storage, validate, backend and sync.
package model

import "time"

// Data type keys for sync state records.
const (
	DataDownload       = "download"
	DataUpload         = "upload"
	DataOperators      = "operators"
	DataGeofences      = "geofences"
	DataRoutes         = "routes"
	DataTelemetry      = "telemetry"
	DataGeofenceEvents = "geofence_events"
)

// QueuedMessage is one pending outbound MQTT publish.
// MessageID is assigned once at enqueue and never changes; the backend
// deduplicates redelivered messages by it.
type QueuedMessage struct {
	ID         int64
	MessageID  string
	Topic      string
	Payload    []byte
	CreatedAt  time.Time
	RetryCount int
	QOS        byte
}

// GeofenceEvent is a locally captured enter/exit crossing, delivered via the
// upload phase like telemetry but retained for a window after send.
type GeofenceEvent struct {
	ID         int64
	MessageID  string
	GeofenceID int64
	Kind       EventKind
	RecordedAt time.Time
	Payload    []byte
	RetryCount int
	SentAt     time.Time // zero until confirmed published
}

type EventKind string

const (
	EventEnter EventKind = "enter"
	EventExit  EventKind = "exit"
)

// SyncStatus is the outcome class of one sync phase attempt for one data type.
type SyncStatus string

const (
	SyncSuccess SyncStatus = "success"
	SyncFailed  SyncStatus = "failed"
	SyncSkipped SyncStatus = "skipped"
)

// SyncStateRecord is upserted after every phase attempt, keyed by data type.
// Records are never deleted except by explicit reset.
type SyncStateRecord struct {
	DataType            string
	LastSyncAt          time.Time
	LastStatus          SyncStatus
	ConsecutiveFailures int
	ItemCount           int
}

type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Operator struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Code string `json:"code"`
	Role string `json:"role"`
}

type Geofence struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Polygon  []Point `json:"polygon"`
}

type Route struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	GeofenceIDs []int64 `json:"geofence_ids"`
}

// RefSnapshot is the result of one complete download fetch, validated as a
// whole and committed to local storage in one transaction.
type RefSnapshot struct {
	Operators []Operator
	Geofences []Geofence
	Routes    []Route
}

// Known geofence categories. Unknown labels are accepted with a warning,
// newer backends may add categories before devices update.
var KnownGeofenceCategories = map[string]bool{
	"depot":      true,
	"customer":   true,
	"restricted": true,
	"service":    true,
}

// Known operator roles.
var KnownOperatorRoles = map[string]bool{
	"driver":     true,
	"dispatcher": true,
	"mechanic":   true,
}
