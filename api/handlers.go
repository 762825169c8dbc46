/*
handlers.go - HTTP API handlers for route dispatch

PURPOSE:
  Exposes the dispatch engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine.

ENDPOINTS:
  Routes:
    POST   /api/routes                     Create route
    GET    /api/routes/{id}                Get route
    PATCH  /api/routes/{id}/status         Update status
    DELETE /api/routes/{id}                Remove route
    POST   /api/routes/{id}/reminder       Schedule pickup reminder
    DELETE /api/routes/{id}/reminder       Cancel pickup reminder
    GET    /api/routes/{id}/audit          Audit trail

  Schedule:
    GET    /api/schedule/{date}/{period}   Slot snapshot
    GET    /api/schedule/calendar          Per-day summary (?from=&to=)
    GET    /api/schedule/last-valid        Most recent day with routes (?target=)
    POST   /api/schedule/copy-previous     Strict copy of the previous day
    POST   /api/schedule/copy              Tolerant copy between dates
    POST   /api/schedule/smart-copy        Closure-aware copy

  Roster (roster.go):
    GET/POST /api/children, /api/drivers, /api/non-school-days

  Events:
    GET    /api/events                     Outbox page (?after=&limit=)

REQUEST FLOW:
  1. Parse and validate (validate.go)
  2. Call the engine
  3. Serialize response
  4. Map errors

ERROR HANDLING:
  Errors are returned as ErrorResponse with the engine's error code:
  - 400: InvalidInput
  - 404: AssignmentNotFound
  - 409: DuplicateChildAssignment, DriverCapacityExceeded, DateAlreadyScheduled
  - 422: NoPriorSchedule
  - 500: Internal

ACTOR:
  The caller's identity is taken from the X-Actor-ID header and recorded in
  audit entries. Authentication happens upstream.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/dispatch-engine/dispatch"
	"github.com/warp/dispatch-engine/store/sqlite"
)

// ActorHeader carries the acting user's id.
const ActorHeader = "X-Actor-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *dispatch.Engine
	Store  *sqlite.Store
	Logger *zap.Logger

	// DefaultReminderMinutes applies to new routes with a scheduled time
	// when the request does not say otherwise.
	DefaultReminderMinutes int

	validator *requestValidator
}

// NewHandler creates a handler over an engine and the store backing it.
func NewHandler(engine *dispatch.Engine, store *sqlite.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Engine:    engine,
		Store:     store,
		Logger:    logger.Named("api"),
		validator: newRequestValidator(),
	}
}

// =============================================================================
// ROUTE ENDPOINTS
// =============================================================================

// CreateRoute creates a single assignment.
// POST /api/routes
func (h *Handler) CreateRoute(w http.ResponseWriter, r *http.Request) {
	var req CreateRouteRequest
	if !h.decode(w, r, &req) {
		return
	}

	date, err := dispatch.ParseDate(req.Date)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	reminder := req.ReminderMinutes
	if reminder == nil && req.ScheduledTime != "" && h.DefaultReminderMinutes > 0 {
		m := h.DefaultReminderMinutes
		reminder = &m
	}

	id, err := h.Engine.CreateAssignment(r.Context(), dispatch.CreateRequest{
		Date:            date,
		Period:          dispatch.Period(req.Period),
		ChildID:         dispatch.ChildID(req.ChildID),
		DriverID:        dispatch.DriverID(req.DriverID),
		Status:          dispatch.Status(req.Status),
		ScheduledTime:   req.ScheduledTime,
		ReminderMinutes: reminder,
		ActorID:         actor(r),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	a, err := h.Engine.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRouteDTO(a))
}

// GetRoute returns one assignment.
// GET /api/routes/{id}
func (h *Handler) GetRoute(w http.ResponseWriter, r *http.Request) {
	a, err := h.Engine.Get(r.Context(), routeID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRouteDTO(a))
}

// UpdateRouteStatus sets a route's status.
// PATCH /api/routes/{id}/status
func (h *Handler) UpdateRouteStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	id, err := h.Engine.UpdateStatus(r.Context(), routeID(r), dispatch.Status(req.Status), actor(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	a, err := h.Engine.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRouteDTO(a))
}

// DeleteRoute removes a route and its pending reminder.
// DELETE /api/routes/{id}
func (h *Handler) DeleteRoute(w http.ResponseWriter, r *http.Request) {
	id, err := h.Engine.RemoveAssignment(r.Context(), routeID(r), actor(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RouteIDResponse{ID: string(id)})
}

// ScheduleReminder arms a pickup reminder. reminder_id is null when there
// was nothing to schedule.
// POST /api/routes/{id}/reminder
func (h *Handler) ScheduleReminder(w http.ResponseWriter, r *http.Request) {
	var req ScheduleReminderRequest
	if !h.decode(w, r, &req) {
		return
	}

	id := routeID(r)
	handle, err := h.Engine.ScheduleReminder(r.Context(), id, req.MinutesBefore)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	resp := ReminderResponse{RouteID: string(id)}
	if handle != "" {
		resp.ReminderID = handlePtr(handle)
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelReminder cancels a pending reminder.
// DELETE /api/routes/{id}/reminder
func (h *Handler) CancelReminder(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.CancelReminder(r.Context(), routeID(r)); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetRouteAudit returns the audit trail of a route. Deleted routes keep
// their trail.
// GET /api/routes/{id}/audit
func (h *Handler) GetRouteAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Store.AuditTrail(r.Context(), dispatch.ResourceRoute, string(routeID(r)))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	out := make([]AuditEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditEntryDTO{
			ID:      e.ID,
			At:      e.At.Format(time.RFC3339),
			ActorID: e.ActorID,
			Action:  string(e.Action),
			Details: e.Details,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// SCHEDULE ENDPOINTS
// =============================================================================

// GetSnapshot returns a slot with its unassigned complement.
// GET /api/schedule/{date}/{period}
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	date, err := dispatch.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	period, err := dispatch.ParsePeriod(chi.URLParam(r, "period"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	snap, err := h.Engine.Snapshot(r.Context(), date, period)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTO(snap))
}

// GetCalendar summarizes each day in [from, to].
// GET /api/schedule/calendar?from=YYYY-MM-DD&to=YYYY-MM-DD
func (h *Handler) GetCalendar(w http.ResponseWriter, r *http.Request) {
	from, err := dispatch.ParseDate(r.URL.Query().Get("from"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	to, err := dispatch.ParseDate(r.URL.Query().Get("to"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	days, err := h.Engine.CalendarSummary(r.Context(), from, to)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	out := make([]DaySummaryDTO, 0, len(days))
	for _, d := range days {
		out = append(out, DaySummaryDTO{
			Date:        d.Date.String(),
			RouteCount:  d.RouteCount,
			AMCount:     d.AMCount,
			PMCount:     d.PMCount,
			DriverCount: d.DriverCount,
			Utilization: d.Utilization,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetLastValidSchedule finds the most recent day with routes before target.
// The body is null when the lookback window is empty.
// GET /api/schedule/last-valid?target=YYYY-MM-DD
func (h *Handler) GetLastValidSchedule(w http.ResponseWriter, r *http.Request) {
	target, err := dispatch.ParseDate(r.URL.Query().Get("target"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	found, err := h.Engine.LastValidScheduleDate(r.Context(), target)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if found == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, LastValidScheduleDTO{
		Date:        found.Date.String(),
		DaysAgo:     found.DaysAgo,
		RouteCount:  found.RouteCount,
		DriverCount: found.DriverCount,
		Label:       found.Label,
	})
}

// CopyPreviousDay copies yesterday's schedule onto an empty target day.
// POST /api/schedule/copy-previous
func (h *Handler) CopyPreviousDay(w http.ResponseWriter, r *http.Request) {
	var req CopyPreviousDayRequest
	if !h.decode(w, r, &req) {
		return
	}
	target, err := dispatch.ParseDate(req.TargetDate)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	res, err := h.Engine.CopyFromPreviousDay(r.Context(), target, actor(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CopyResultDTO{
		Copied:   res.Copied,
		FromDate: res.FromDate.String(),
		RouteIDs: idStrings(res.RouteIDs),
		Message:  res.Message,
	})
}

// CopyFromDate copies one date onto another, skipping conflicts.
// POST /api/schedule/copy
func (h *Handler) CopyFromDate(w http.ResponseWriter, r *http.Request) {
	var req CopyFromDateRequest
	if !h.decode(w, r, &req) {
		return
	}
	from, err := dispatch.ParseDate(req.FromDate)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	to, err := dispatch.ParseDate(req.ToDate)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	var period *dispatch.Period
	if req.Period != "" {
		p := dispatch.Period(req.Period)
		period = &p
	}

	ids, err := h.Engine.CopyFromDate(r.Context(), from, to, period, actor(r))
	if err != nil {
		h.Logger.Warn("partial copy", zap.Int("copied", len(ids)), zap.Error(err))
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CopyFromDateResponse{Copied: len(ids), RouteIDs: idStrings(ids)})
}

// SmartCopy copies a source day onto target, skipping closed schools.
// POST /api/schedule/smart-copy
func (h *Handler) SmartCopy(w http.ResponseWriter, r *http.Request) {
	var req SmartCopyRequest
	if !h.decode(w, r, &req) {
		return
	}
	target, err := dispatch.ParseDate(req.TargetDate)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	source, err := dispatch.ParseDate(req.SourceDate)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	res, err := h.Engine.CopyFromLastValidDay(r.Context(), target, source, actor(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SmartCopyResultDTO{
		Copied:          res.Copied,
		Skipped:         res.Skipped,
		AlreadyAssigned: res.AlreadyAssigned,
		RouteIDs:        idStrings(res.RouteIDs),
		Message:         res.Message,
	})
}

// =============================================================================
// EVENT OUTBOX
// =============================================================================

// ListEvents pages the event outbox by sequence number.
// GET /api/events?after=0&limit=100
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after", 0)
	if err != nil || after < 0 {
		writeError(w, http.StatusBadRequest, "Invalid after", dispatch.CodeInvalidInput, r.URL.Query().Get("after"))
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil || limit < 1 || limit > 1000 {
		writeError(w, http.StatusBadRequest, "Invalid limit", dispatch.CodeInvalidInput, r.URL.Query().Get("limit"))
		return
	}

	events, err := h.Store.EventsAfter(r.Context(), int64(after), limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]EventDTO, 0, len(events))
	for _, ev := range events {
		out = append(out, toEventDTO(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

// Health reports database reachability.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", dispatch.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func routeID(r *http.Request) dispatch.AssignmentID {
	return dispatch.AssignmentID(chi.URLParam(r, "id"))
}

func actor(r *http.Request) string {
	return r.Header.Get(ActorHeader)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrNoPriorSchedule):
		return http.StatusUnprocessableEntity
	case dispatch.IsNotFound(err):
		return http.StatusNotFound
	case dispatch.IsConflict(err):
		return http.StatusConflict
	case dispatch.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := dispatch.ErrorCode(err)
	if status == http.StatusNotFound && code == dispatch.CodeInternal {
		code = "NotFound"
	}

	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, status, "Internal error", code, nil)
		return
	}

	var details any
	var conflict *dispatch.ConflictError
	if errors.As(err, &conflict) {
		details = map[string]any{
			"date":      conflict.Slot.Date.String(),
			"period":    conflict.Slot.Period,
			"child_id":  conflict.ChildID,
			"driver_id": conflict.DriverID,
		}
	}
	writeError(w, status, err.Error(), code, details)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}
