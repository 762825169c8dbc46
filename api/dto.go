/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the dispatch model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Request types carry `validate` tags checked by validate.go before any
  engine call. Semantic checks (clock-time syntax, conflicts) stay in the
  engine.

SEE ALSO:
  - handlers.go: Uses these types
  - validate.go: Validator setup
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/dispatch-engine/dispatch"
	"github.com/warp/dispatch-engine/store/sqlite"
)

// =============================================================================
// ROUTES
// =============================================================================

// CreateRouteRequest creates one assignment.
type CreateRouteRequest struct {
	Date          string `json:"date" validate:"required,datetime=2006-01-02"`
	Period        string `json:"period" validate:"required,oneof=AM PM"`
	ChildID       string `json:"child_id" validate:"required,max=64"`
	DriverID      string `json:"driver_id" validate:"required,max=64"`
	Status        string `json:"status,omitempty" validate:"omitempty,oneof=draft scheduled assigned in_progress completed cancelled emergency_stop"`
	ScheduledTime string `json:"scheduled_time,omitempty" validate:"omitempty,max=16"`

	// ReminderMinutes defaults to the configured lead time when
	// scheduled_time is set.
	ReminderMinutes *int `json:"reminder_minutes,omitempty" validate:"omitempty,min=0,max=1440"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=draft scheduled assigned in_progress completed cancelled emergency_stop"`
}

type ScheduleReminderRequest struct {
	MinutesBefore int `json:"minutes_before" validate:"min=0,max=1440"`
}

// RouteDTO represents an assignment in API responses.
type RouteDTO struct {
	ID            string  `json:"id"`
	Date          string  `json:"date"`
	Period        string  `json:"period"`
	ChildID       string  `json:"child_id"`
	DriverID      string  `json:"driver_id"`
	Status        string  `json:"status"`
	ScheduledTime string  `json:"scheduled_time,omitempty"`
	ReminderID    *string `json:"reminder_id"`
	CreatedBy     string  `json:"created_by,omitempty"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

type RouteIDResponse struct {
	ID string `json:"id"`
}

type ReminderResponse struct {
	RouteID    string  `json:"route_id"`
	ReminderID *string `json:"reminder_id"`
}

type AuditEntryDTO struct {
	ID      string                `json:"id"`
	At      string                `json:"at"`
	ActorID string                `json:"actor_id,omitempty"`
	Action  string                `json:"action"`
	Details dispatch.AuditDetails `json:"details"`
}

// =============================================================================
// SCHEDULE
// =============================================================================

type CopyPreviousDayRequest struct {
	TargetDate string `json:"target_date" validate:"required,datetime=2006-01-02"`
}

type CopyFromDateRequest struct {
	FromDate string `json:"from_date" validate:"required,datetime=2006-01-02"`
	ToDate   string `json:"to_date" validate:"required,datetime=2006-01-02"`
	Period   string `json:"period,omitempty" validate:"omitempty,oneof=AM PM"`
}

type SmartCopyRequest struct {
	TargetDate string `json:"target_date" validate:"required,datetime=2006-01-02"`
	SourceDate string `json:"source_date" validate:"required,datetime=2006-01-02"`
}

type CopyResultDTO struct {
	Copied   int      `json:"copied"`
	FromDate string   `json:"from_date"`
	RouteIDs []string `json:"route_ids"`
	Message  string   `json:"message"`
}

type CopyFromDateResponse struct {
	Copied   int      `json:"copied"`
	RouteIDs []string `json:"route_ids"`
}

type SmartCopyResultDTO struct {
	Copied          int      `json:"copied"`
	Skipped         int      `json:"skipped"`
	AlreadyAssigned int      `json:"already_assigned"`
	RouteIDs        []string `json:"route_ids"`
	Message         string   `json:"message"`
}

// LastValidScheduleDTO is null in the response when nothing was found.
type LastValidScheduleDTO struct {
	Date        string `json:"date"`
	DaysAgo     int    `json:"days_ago"`
	RouteCount  int    `json:"route_count"`
	DriverCount int    `json:"driver_count"`
	Label       string `json:"label"`
}

type SnapshotDTO struct {
	Date               string         `json:"date"`
	Period             string         `json:"period"`
	Capacity           int            `json:"capacity"`
	Routes             []RouteDTO     `json:"routes"`
	UnassignedChildren []ChildDTO     `json:"unassigned_children"`
	UnassignedDrivers  []DriverDTO    `json:"unassigned_drivers"`
	DriverLoad         map[string]int `json:"driver_load"`
}

type DaySummaryDTO struct {
	Date        string          `json:"date"`
	RouteCount  int             `json:"route_count"`
	AMCount     int             `json:"am_count"`
	PMCount     int             `json:"pm_count"`
	DriverCount int             `json:"driver_count"`
	Utilization decimal.Decimal `json:"utilization"`
}

// =============================================================================
// ROSTER & CALENDAR
// =============================================================================

type ChildDTO struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	SchoolID string `json:"school_id"`
	Active   bool   `json:"active"`
}

type DriverDTO struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type SaveChildRequest struct {
	ID       string `json:"id" validate:"required,max=64"`
	Name     string `json:"name" validate:"required,max=200"`
	SchoolID string `json:"school_id" validate:"required,max=64"`
	Active   *bool  `json:"active,omitempty"`
}

type SaveDriverRequest struct {
	ID     string `json:"id" validate:"required,max=64"`
	Name   string `json:"name" validate:"required,max=200"`
	Active *bool  `json:"active,omitempty"`
}

type NonSchoolDayDTO struct {
	ID       string `json:"id"`
	SchoolID string `json:"school_id"`
	Date     string `json:"date"`
	Reason   string `json:"reason,omitempty"`
}

type SaveNonSchoolDayRequest struct {
	SchoolID string `json:"school_id" validate:"required,max=64"`
	Date     string `json:"date" validate:"required,datetime=2006-01-02"`
	Reason   string `json:"reason,omitempty" validate:"max=200"`
}

// =============================================================================
// EVENTS
// =============================================================================

type EventDTO struct {
	Seq        int64                 `json:"seq"`
	ID         string                `json:"id"`
	Type       string                `json:"type"`
	RouteID    string                `json:"route_id,omitempty"`
	ChildID    string                `json:"child_id,omitempty"`
	DriverID   string                `json:"driver_id,omitempty"`
	Notify     bool                  `json:"notify"`
	OccurredAt string                `json:"occurred_at"`
	Payload    dispatch.EventPayload `json:"payload"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toRouteDTO(a dispatch.Assignment) RouteDTO {
	dto := RouteDTO{
		ID:            string(a.ID),
		Date:          a.Date.String(),
		Period:        string(a.Period),
		ChildID:       string(a.ChildID),
		DriverID:      string(a.DriverID),
		Status:        string(a.Status),
		ScheduledTime: a.ScheduledTime,
		CreatedBy:     a.CreatedBy,
		CreatedAt:     a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     a.UpdatedAt.Format(time.RFC3339),
	}
	if a.HasReminder() {
		dto.ReminderID = handlePtr(a.ReminderID)
	}
	return dto
}

func toRouteDTOs(as []dispatch.Assignment) []RouteDTO {
	out := make([]RouteDTO, 0, len(as))
	for _, a := range as {
		out = append(out, toRouteDTO(a))
	}
	return out
}

func toChildDTO(c dispatch.Child) ChildDTO {
	return ChildDTO{ID: string(c.ID), Name: c.Name, SchoolID: string(c.SchoolID), Active: c.Active}
}

func toDriverDTO(d dispatch.Driver) DriverDTO {
	return DriverDTO{ID: string(d.ID), Name: d.Name, Active: d.Active}
}

func toSnapshotDTO(s dispatch.ScheduleSnapshot) SnapshotDTO {
	dto := SnapshotDTO{
		Date:               s.Date.String(),
		Period:             string(s.Period),
		Capacity:           s.Capacity,
		Routes:             toRouteDTOs(s.Assignments),
		UnassignedChildren: make([]ChildDTO, 0, len(s.UnassignedChildren)),
		UnassignedDrivers:  make([]DriverDTO, 0, len(s.UnassignedDrivers)),
		DriverLoad:         make(map[string]int, len(s.DriverLoad)),
	}
	for _, c := range s.UnassignedChildren {
		dto.UnassignedChildren = append(dto.UnassignedChildren, toChildDTO(c))
	}
	for _, d := range s.UnassignedDrivers {
		dto.UnassignedDrivers = append(dto.UnassignedDrivers, toDriverDTO(d))
	}
	for id, n := range s.DriverLoad {
		dto.DriverLoad[string(id)] = n
	}
	return dto
}

func toEventDTO(ev sqlite.StoredEvent) EventDTO {
	return EventDTO{
		Seq:        ev.Seq,
		ID:         ev.ID,
		Type:       string(ev.Type()),
		RouteID:    string(ev.RouteID),
		ChildID:    string(ev.ChildID),
		DriverID:   string(ev.DriverID),
		Notify:     ev.Notify,
		OccurredAt: ev.OccurredAt.Format(time.RFC3339),
		Payload:    ev.Payload,
	}
}

func idStrings(ids []dispatch.AssignmentID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(id))
	}
	return out
}

func handlePtr(h dispatch.TaskHandle) *string {
	s := string(h)
	return &s
}
