package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"schedflow/internal/domain"
)

// scheduleBody is the wire form of a schedule. Durations use Go duration
// syntax, e.g. "168h".
type scheduleBody struct {
	ID              string         `json:"id,omitempty"`
	OwnerID         string         `json:"owner_id,omitempty"`
	Name            string         `json:"name,omitempty"`
	Interval        string         `json:"interval"`
	Hour            int            `json:"hour"`
	Minute          *int           `json:"minute"`
	Day             int            `json:"day"`
	Subject         string         `json:"subject,omitempty"`
	Body            string         `json:"body,omitempty"`
	Events          []domain.Event `json:"events,omitempty"`
	TotalIterations int            `json:"total_iterations,omitempty"`
	RepeatInterval  string         `json:"repeat_interval,omitempty"`
	StartOffset     string         `json:"start_offset,omitempty"`
	ResetProperty   string         `json:"reset_property,omitempty"`
	CreatedAt       *time.Time     `json:"created_at,omitempty"`
	UpdatedAt       *time.Time     `json:"updated_at,omitempty"`
}

func toScheduleBody(sc domain.Schedule) scheduleBody {
	b := scheduleBody{
		ID:              sc.ID,
		OwnerID:         sc.OwnerID,
		Name:            sc.Name,
		Interval:        string(sc.Interval),
		Hour:            sc.Hour,
		Minute:          sc.Minute,
		Day:             sc.Day,
		Subject:         sc.Subject,
		Body:            sc.Body,
		Events:          sc.Events,
		TotalIterations: sc.TotalIterations,
		ResetProperty:   sc.ResetProperty,
		CreatedAt:       &sc.CreatedAt,
		UpdatedAt:       &sc.UpdatedAt,
	}
	if sc.RepeatInterval > 0 {
		b.RepeatInterval = sc.RepeatInterval.String()
	}
	if sc.StartOffset > 0 {
		b.StartOffset = sc.StartOffset.String()
	}
	return b
}

func (b scheduleBody) schedule() (domain.Schedule, error) {
	sc := domain.Schedule{
		ID:              b.ID,
		OwnerID:         b.OwnerID,
		Name:            b.Name,
		Interval:        domain.Interval(b.Interval),
		Hour:            b.Hour,
		Minute:          b.Minute,
		Day:             b.Day,
		Subject:         b.Subject,
		Body:            b.Body,
		Events:          b.Events,
		TotalIterations: b.TotalIterations,
		ResetProperty:   b.ResetProperty,
	}
	var err error
	if b.RepeatInterval != "" {
		if sc.RepeatInterval, err = time.ParseDuration(b.RepeatInterval); err != nil {
			return sc, errors.New("repeat_interval: " + err.Error())
		}
	}
	if b.StartOffset != "" {
		if sc.StartOffset, err = time.ParseDuration(b.StartOffset); err != nil {
			return sc, errors.New("start_offset: " + err.Error())
		}
	}
	return sc, sc.ValidateNew()
}

func decodeSchedule(r *http.Request) (domain.Schedule, error) {
	var b scheduleBody
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		return domain.Schedule{}, err
	}
	return b.schedule()
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := decodeSchedule(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.Store.CreateSchedule(r.Context(), sc)
	if err != nil {
		writeError(w, err)
		return
	}
	created, err := s.Store.GetSchedule(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toScheduleBody(created))
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := s.Store.ListSchedules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]scheduleBody, 0, len(list))
	for _, sc := range list {
		out = append(out, toScheduleBody(sc))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.Schedules.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleBody(sc))
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sc, err := decodeSchedule(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sc.ID = id
	if err := s.Store.UpdateSchedule(r.Context(), sc); err != nil {
		writeError(w, err)
		return
	}
	s.Schedules.Invalidate(id)
	updated, err := s.Store.GetSchedule(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleBody(updated))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Store.DeleteSchedule(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.Schedules.Invalidate(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listRecipients(w http.ResponseWriter, r *http.Request) {
	list, err := s.Store.ResolveRecipients(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []domain.Recipient{}
	}
	writeJSON(w, http.StatusOK, list)
}

type recipientReq struct {
	Address string `json:"address"`
}

func (s *Server) putRecipient(w http.ResponseWriter, r *http.Request) {
	var req recipientReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		http.Error(w, "address is required", http.StatusBadRequest)
		return
	}
	sc, err := s.Schedules.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	rec := domain.Recipient{ScheduleID: sc.ID, ID: chi.URLParam(r, "rid"), Address: req.Address}
	if err := s.Store.PutRecipient(r.Context(), rec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) deleteRecipient(w http.ResponseWriter, r *http.Request) {
	id, rid := chi.URLParam(r, "id"), chi.URLParam(r, "rid")
	if err := s.Store.RemoveRecipient(r.Context(), id, rid); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.Machine.Detach(r.Context(), id, rid); err != nil && !errors.Is(err, domain.ErrNotFound) {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type instanceResp struct {
	ID           string    `json:"id"`
	ScheduleID   string    `json:"schedule_id"`
	RecipientID  string    `json:"recipient_id"`
	CurrentEvent int       `json:"current_event"`
	Iteration    int       `json:"iteration"`
	StartDate    time.Time `json:"start_date"`
	NextEventDue time.Time `json:"next_event_due"`
	Active       bool      `json:"active"`
	Detached     bool      `json:"detached,omitempty"`
	ResetValue   *string   `json:"reset_value,omitempty"`
	Version      int64     `json:"version"`
}

func toInstanceResp(in domain.ScheduleInstance) instanceResp {
	return instanceResp{
		ID:           in.ID,
		ScheduleID:   in.ScheduleID,
		RecipientID:  in.RecipientID,
		CurrentEvent: in.CurrentEvent,
		Iteration:    in.Iteration,
		StartDate:    in.StartDate,
		NextEventDue: in.NextEventDue,
		Active:       in.Active,
		Detached:     in.Detached,
		ResetValue:   in.ResetValue,
		Version:      in.Version,
	}
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	list, err := s.Store.ListInstances(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]instanceResp, 0, len(list))
	for _, in := range list {
		out = append(out, toInstanceResp(in))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) resetInstance(w http.ResponseWriter, r *http.Request) {
	sc, err := s.Schedules.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	in, err := s.Machine.Reset(r.Context(), sc, chi.URLParam(r, "rid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceResp(in))
}

func (s *Server) deactivateInstance(w http.ResponseWriter, r *http.Request) {
	in, err := s.Machine.Deactivate(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "rid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceResp(in))
}

type propertyReq struct {
	Value string `json:"value"`
}

type propertyResp struct {
	Instance instanceResp `json:"instance"`
	Reset    bool         `json:"reset"`
}

func (s *Server) observeProperty(w http.ResponseWriter, r *http.Request) {
	var req propertyReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sc, err := s.Schedules.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sc.ResetProperty == "" {
		http.Error(w, "schedule has no reset property", http.StatusBadRequest)
		return
	}
	in, reset, err := s.Machine.ObserveProperty(r.Context(), sc, chi.URLParam(r, "rid"), req.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, propertyResp{Instance: toInstanceResp(in), Reset: reset})
}

type logResp struct {
	RecipientID string    `json:"recipient_id"`
	Occurrence  string    `json:"occurrence"`
	State       string    `json:"state"`
	Size        int       `json:"size"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func (s *Server) listLog(w http.ResponseWriter, r *http.Request) {
	logs, err := s.Store.ListDispatchLog(r.Context(), chi.URLParam(r, "id"), limitParam(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]logResp, 0, len(logs))
	for _, l := range logs {
		out = append(out, logResp{
			RecipientID: l.RecipientID,
			Occurrence:  l.Occurrence,
			State:       string(l.State),
			Size:        l.Size,
			Error:       l.Error,
			Timestamp:   l.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
