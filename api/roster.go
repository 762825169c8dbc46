package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/warp/dispatch-engine/dispatch"
)

// =============================================================================
// ROSTER ENDPOINTS - Mirror of externally owned child/driver records
// =============================================================================

// ListChildren returns every child.
// GET /api/children
func (h *Handler) ListChildren(w http.ResponseWriter, r *http.Request) {
	children, err := h.Store.ListChildren(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]ChildDTO, 0, len(children))
	for _, c := range children {
		out = append(out, toChildDTO(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// SaveChild creates or replaces a child. Children are active unless the
// request says otherwise.
// POST /api/children
func (h *Handler) SaveChild(w http.ResponseWriter, r *http.Request) {
	var req SaveChildRequest
	if !h.decode(w, r, &req) {
		return
	}
	c := dispatch.Child{
		ID:       dispatch.ChildID(req.ID),
		Name:     req.Name,
		SchoolID: dispatch.SchoolID(req.SchoolID),
		Active:   req.Active == nil || *req.Active,
	}
	if err := h.Store.SaveChild(r.Context(), c); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toChildDTO(c))
}

// ListDrivers returns every driver.
// GET /api/drivers
func (h *Handler) ListDrivers(w http.ResponseWriter, r *http.Request) {
	drivers, err := h.Store.ListDrivers(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]DriverDTO, 0, len(drivers))
	for _, d := range drivers {
		out = append(out, toDriverDTO(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// SaveDriver creates or replaces a driver.
// POST /api/drivers
func (h *Handler) SaveDriver(w http.ResponseWriter, r *http.Request) {
	var req SaveDriverRequest
	if !h.decode(w, r, &req) {
		return
	}
	d := dispatch.Driver{
		ID:     dispatch.DriverID(req.ID),
		Name:   req.Name,
		Active: req.Active == nil || *req.Active,
	}
	if err := h.Store.SaveDriver(r.Context(), d); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDriverDTO(d))
}

// =============================================================================
// NON-SCHOOL DAYS
// =============================================================================

// ListNonSchoolDays returns closures in [from, to].
// GET /api/non-school-days?from=YYYY-MM-DD&to=YYYY-MM-DD
func (h *Handler) ListNonSchoolDays(w http.ResponseWriter, r *http.Request) {
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

	days, err := h.Store.ListNonSchoolDays(r.Context(), from, to)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]NonSchoolDayDTO, 0, len(days))
	for _, d := range days {
		out = append(out, NonSchoolDayDTO{
			ID:       d.ID,
			SchoolID: string(d.SchoolID),
			Date:     d.Date.String(),
			Reason:   d.Reason,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateNonSchoolDay records a school closure.
// POST /api/non-school-days
func (h *Handler) CreateNonSchoolDay(w http.ResponseWriter, r *http.Request) {
	var req SaveNonSchoolDayRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, err := dispatch.ParseDate(req.Date)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	d := dispatch.NonSchoolDay{
		ID:       uuid.NewString(),
		SchoolID: dispatch.SchoolID(req.SchoolID),
		Date:     date,
		Reason:   req.Reason,
	}
	if err := h.Store.SaveNonSchoolDay(r.Context(), d); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, NonSchoolDayDTO{
		ID:       d.ID,
		SchoolID: string(d.SchoolID),
		Date:     d.Date.String(),
		Reason:   d.Reason,
	})
}

// DeleteNonSchoolDay removes a closure.
// DELETE /api/non-school-days/{id}
func (h *Handler) DeleteNonSchoolDay(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteNonSchoolDay(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
