package dispatch

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// DISPATCH EVENTS - Closed set of typed payloads
// =============================================================================

type EventType string

const (
	EventRouteCreated       EventType = "route_created"
	EventRouteStatusChanged EventType = "route_status_changed"
	EventRouteCancelled     EventType = "route_cancelled"
	EventScheduleChanged    EventType = "schedule_changed"
	EventPickupReminder     EventType = "pickup_reminder"
)

// EventPayload is implemented only by the payload structs in this file.
type EventPayload interface {
	EventType() EventType
	sealed()
}

// RouteCreated is published after a single assignment commits.
type RouteCreated struct {
	Date          Date   `json:"date"`
	Period        Period `json:"period"`
	Status        Status `json:"status"`
	ScheduledTime string `json:"scheduled_time,omitempty"`
}

// RouteStatusChanged is published after updateStatus.
type RouteStatusChanged struct {
	Date      Date   `json:"date"`
	Period    Period `json:"period"`
	OldStatus Status `json:"old_status"`
	NewStatus Status `json:"new_status"`
}

// RouteCancelled is published when an assignment is removed.
type RouteCancelled struct {
	Date   Date   `json:"date"`
	Period Period `json:"period"`
}

// ScheduleChanged is published once per bulk copy.
type ScheduleChanged struct {
	Operation string         `json:"operation"` // copy_previous_day, copy_from_date, copy_last_valid_day
	FromDate  Date           `json:"from_date"`
	ToDate    Date           `json:"to_date"`
	Period    Period         `json:"period,omitempty"`
	Copied    int            `json:"copied"`
	Skipped   int            `json:"skipped"`
	RouteIDs  []AssignmentID `json:"route_ids,omitempty"`
}

// PickupReminder is published when a reminder task fires for a route that
// is still scheduled.
type PickupReminder struct {
	Date          Date      `json:"date"`
	Period        Period    `json:"period"`
	ScheduledTime string    `json:"scheduled_time"`
	MinutesBefore int       `json:"minutes_before"`
	PickupAt      time.Time `json:"pickup_at"`
}

func (RouteCreated) EventType() EventType       { return EventRouteCreated }
func (RouteStatusChanged) EventType() EventType { return EventRouteStatusChanged }
func (RouteCancelled) EventType() EventType     { return EventRouteCancelled }
func (ScheduleChanged) EventType() EventType    { return EventScheduleChanged }
func (PickupReminder) EventType() EventType     { return EventPickupReminder }

func (RouteCreated) sealed()       {}
func (RouteStatusChanged) sealed() {}
func (RouteCancelled) sealed()     {}
func (ScheduleChanged) sealed()    {}
func (PickupReminder) sealed()     {}

// DispatchEvent is the envelope handed to EventPublisher.
type DispatchEvent struct {
	ID         string
	RouteID    AssignmentID // empty for bulk schedule events
	ChildID    ChildID
	DriverID   DriverID
	Notify     bool // deliver as a push notification to the driver app
	OccurredAt time.Time
	Payload    EventPayload
}

func (e DispatchEvent) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// DecodePayload rebuilds a typed payload from its stored JSON form.
func DecodePayload(t EventType, data []byte) (EventPayload, error) {
	switch t {
	case EventRouteCreated:
		var v RouteCreated
		err := json.Unmarshal(data, &v)
		return v, err
	case EventRouteStatusChanged:
		var v RouteStatusChanged
		err := json.Unmarshal(data, &v)
		return v, err
	case EventRouteCancelled:
		var v RouteCancelled
		err := json.Unmarshal(data, &v)
		return v, err
	case EventScheduleChanged:
		var v ScheduleChanged
		err := json.Unmarshal(data, &v)
		return v, err
	case EventPickupReminder:
		var v PickupReminder
		err := json.Unmarshal(data, &v)
		return v, err
	}
	return nil, fmt.Errorf("unknown event type %q", t)
}

// =============================================================================
// AUDIT LOG - Who did what when
// =============================================================================

type AuditAction string

const (
	AuditRouteCreated       AuditAction = "route_created"
	AuditRouteStatusUpdated AuditAction = "route_status_updated"
	AuditRouteDeleted       AuditAction = "route_deleted"
	AuditScheduleCopied     AuditAction = "schedule_copied"
)

// ResourceRoute is the audit resource type for assignments.
const ResourceRoute = "route"

// AuditEntry is denormalized: the audit store is append-only and
// long-retained, so names are captured at write time.
type AuditEntry struct {
	ID           string
	At           time.Time
	ActorID      string
	Action       AuditAction
	ResourceType string
	ResourceID   string // assignment id, or target date for bulk copies
	Details      AuditDetails
}

type AuditDetails struct {
	Date       Date     `json:"date"`
	Period     Period   `json:"period,omitempty"`
	ChildID    ChildID  `json:"child_id,omitempty"`
	ChildName  string   `json:"child_name,omitempty"`
	DriverID   DriverID `json:"driver_id,omitempty"`
	DriverName string   `json:"driver_name,omitempty"`

	OldStatus Status `json:"old_status,omitempty"`
	NewStatus Status `json:"new_status,omitempty"`

	FromDate *Date `json:"from_date,omitempty"`
	Copied   int   `json:"copied,omitempty"`
	Skipped  int   `json:"skipped,omitempty"`
}
