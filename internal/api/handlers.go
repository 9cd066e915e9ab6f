package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/libcal-scheduler/internal/db"
	"github.com/example/libcal-scheduler/internal/hunt"
	"github.com/example/libcal-scheduler/internal/requests"
)

type requestView struct {
	ID            int64      `json:"id"`
	Kind          string     `json:"kind"`
	SeatID        int64      `json:"seat_id,omitempty"`
	SlotDate      string     `json:"slot_date,omitempty"`
	SlotStart     *time.Time `json:"slot_start,omitempty"`
	SlotEnd       *time.Time `json:"slot_end,omitempty"`
	CheckinCode   string     `json:"checkin_code,omitempty"`
	OpenAt        time.Time  `json:"open_at"`
	DeadlineAt    time.Time  `json:"deadline_at"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	// Human rendering of the classification; raw portal errors never
	// reach this surface.
	LastErrorHuman string     `json:"last_error_human,omitempty"`
	Confirmation   string     `json:"confirmation,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func viewOf(req requests.Request) requestView {
	v := requestView{
		ID:            req.ID,
		Kind:          string(req.Kind),
		SeatID:        req.SeatID,
		CheckinCode:   req.CheckinCode,
		OpenAt:        req.OpenAt,
		DeadlineAt:    req.DeadlineAt,
		NextAttemptAt: req.NextAttemptAt,
		Status:        string(req.Status),
		Attempts:      req.Attempts,
		LastAttemptAt: req.LastAttemptAt,
		CreatedAt:     req.CreatedAt,
		UpdatedAt:     req.UpdatedAt,
	}
	if !req.SlotDate.IsZero() {
		v.SlotDate = req.SlotDate.Format("2006-01-02")
	}
	if !req.SlotStart.IsZero() {
		start, end := req.SlotStart, req.SlotEnd
		v.SlotStart, v.SlotEnd = &start, &end
	}
	if req.LastError != nil && *req.LastError != "" {
		v.LastError = *req.LastError
		v.LastErrorHuman = requests.HumanError(*req.LastError)
	}
	if req.Confirmation != nil {
		v.Confirmation = *req.Confirmation
	}
	return v
}

type createRequestReq struct {
	Kind        string `json:"kind"`
	SeatID      int64  `json:"seat_id"`
	SlotStart   string `json:"slot_start"` // RFC3339
	SlotEnd     string `json:"slot_end"`   // RFC3339
	CheckinCode string `json:"checkin_code"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestReq
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}

	req := requests.Request{Kind: requests.Kind(body.Kind)}
	switch req.Kind {
	case requests.KindBook:
		start, err := parseRFC3339(body.SlotStart)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid slot_start (RFC3339)")
			return
		}
		end, err := parseRFC3339(body.SlotEnd)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid slot_end (RFC3339)")
			return
		}
		openAt, err := requests.OpenAtFor(start, s.opts.ReleaseDaysOut, s.opts.ReleaseTime, s.opts.Location)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		local := start.In(s.opts.Location)
		req.SeatID = body.SeatID
		req.SlotDate = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.opts.Location)
		req.SlotStart, req.SlotEnd = start, end
		req.OpenAt = openAt
	case requests.KindCheckin:
		start, err := parseRFC3339(body.SlotStart)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid slot_start (RFC3339)")
			return
		}
		req.CheckinCode = strings.TrimSpace(body.CheckinCode)
		req.SlotStart = start
		// Check-in codes only work once the slot has actually started.
		req.OpenAt = start.Add(5 * time.Minute)
	default:
		writeError(w, http.StatusBadRequest, "kind must be book or checkin")
		return
	}
	req.DeadlineAt = requests.DeadlineFor(req.OpenAt, s.now(), s.opts.AttemptWindow)
	req.NextAttemptAt = req.OpenAt

	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.store.Create(r.Context(), req)
	if errors.Is(err, requests.ErrDuplicateActive) {
		writeError(w, http.StatusConflict, "an active request for this slot already exists")
		return
	}
	if err != nil {
		s.internalError(w, err, "create request")
		return
	}

	created, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.internalError(w, err, "load created request")
		return
	}
	s.log.Info().Int64("id", id).Str("kind", string(req.Kind)).Msg("request created")
	writeJSON(w, http.StatusCreated, viewOf(created))
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	f := requests.Filter{
		Status: requests.Status(r.URL.Query().Get("status")),
		Kind:   requests.Kind(r.URL.Query().Get("kind")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	list, err := s.store.List(r.Context(), f)
	if err != nil {
		s.internalError(w, err, "list requests")
		return
	}
	views := make([]requestView, 0, len(list))
	for _, req := range list {
		views = append(views, viewOf(req))
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": views})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	req, err := s.store.Get(r.Context(), id)
	if db.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	if err != nil {
		s.internalError(w, err, "get request")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(req))
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	err = s.store.Cancel(r.Context(), id)
	switch {
	case err == nil:
	case db.IsNotFound(err):
		writeError(w, http.StatusNotFound, "request not found")
		return
	case errors.Is(err, requests.ErrInvalidTransition), errors.Is(err, requests.ErrStaleStatus):
		writeError(w, http.StatusConflict, "request is no longer cancellable")
		return
	default:
		s.internalError(w, err, "cancel request")
		return
	}

	req, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.internalError(w, err, "load cancelled request")
		return
	}
	s.log.Info().Int64("id", id).Msg("request cancelled")
	writeJSON(w, http.StatusOK, viewOf(req))
}

type instanceView struct {
	ID           string    `json:"id"`
	Hostname     string    `json:"hostname"`
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"started_at"`
	HeartbeatAt  time.Time `json:"heartbeat_at"`
	HeartbeatAge string    `json:"heartbeat_age"`
	Live         bool      `json:"live"`
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	list, err := s.workers.List(r.Context())
	if err != nil {
		s.internalError(w, err, "list workers")
		return
	}
	now := s.now()
	views := make([]instanceView, 0, len(list))
	running := false
	for _, inst := range list {
		live := inst.Live(now, s.opts.InstanceTTL)
		running = running || live
		views = append(views, instanceView{
			ID:           inst.ID,
			Hostname:     inst.Hostname,
			PID:          inst.PID,
			StartedAt:    inst.StartedAt,
			HeartbeatAt:  inst.HeartbeatAt,
			HeartbeatAge: now.Sub(inst.HeartbeatAt).Round(time.Second).String(),
			Live:         live,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": running, "instances": views})
}

type huntView struct {
	Active             bool       `json:"active"`
	SlotDate           string     `json:"slot_date,omitempty"`
	WindowStart        *time.Time `json:"window_start,omitempty"`
	WindowEnd          *time.Time `json:"window_end,omitempty"`
	PowerFilter        string     `json:"power_filter,omitempty"`
	AreaPrefixes       []string   `json:"area_prefixes,omitempty"`
	LastRunAt          *time.Time `json:"last_run_at,omitempty"`
	StoppedAt          *time.Time `json:"stopped_at,omitempty"`
	StopReason         string     `json:"stop_reason,omitempty"`
	BookedSeatID       int64      `json:"booked_seat_id,omitempty"`
	BookedConfirmation string     `json:"booked_confirmation,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
	LastErrorHuman     string     `json:"last_error_human,omitempty"`
}

func huntViewOf(st hunt.State) huntView {
	v := huntView{
		Active:             st.Active,
		PowerFilter:        st.PowerFilter,
		AreaPrefixes:       st.AreaPrefixes,
		StopReason:         st.StopReason,
		BookedSeatID:       st.BookedSeatID,
		BookedConfirmation: st.BookedConfirmation,
		LastError:          st.LastError,
	}
	if !st.SlotDate.IsZero() {
		v.SlotDate = st.SlotDate.Format("2006-01-02")
	}
	v.WindowStart = timePtr(st.WindowStart)
	v.WindowEnd = timePtr(st.WindowEnd)
	v.LastRunAt = timePtr(st.LastRunAt)
	v.StoppedAt = timePtr(st.StoppedAt)
	if st.LastError != "" {
		v.LastErrorHuman = requests.HumanError(st.LastError)
	}
	return v
}

func (s *Server) handleHuntStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.hunt.Get(r.Context())
	if err != nil {
		s.internalError(w, err, "get hunt state")
		return
	}
	writeJSON(w, http.StatusOK, huntViewOf(st))
}

type huntStartReq struct {
	SlotDate     string   `json:"slot_date"`    // 2006-01-02
	WindowStart  string   `json:"window_start"` // RFC3339
	WindowEnd    string   `json:"window_end"`   // RFC3339
	PowerFilter  string   `json:"power_filter"`
	AreaPrefixes []string `json:"area_prefixes"`
}

func (s *Server) handleHuntStart(w http.ResponseWriter, r *http.Request) {
	var body huntStartReq
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	start, err := parseRFC3339(body.WindowStart)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid window_start (RFC3339)")
		return
	}
	end, err := parseRFC3339(body.WindowEnd)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid window_end (RFC3339)")
		return
	}
	slotDate, err := time.ParseInLocation("2006-01-02", body.SlotDate, s.opts.Location)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid slot_date (YYYY-MM-DD)")
		return
	}

	params := hunt.StartParams{
		SlotDate:     slotDate,
		WindowStart:  start,
		WindowEnd:    end,
		PowerFilter:  body.PowerFilter,
		AreaPrefixes: body.AreaPrefixes,
	}
	err = s.hunt.Start(r.Context(), params)
	switch {
	case err == nil:
	case errors.Is(err, hunt.ErrAlreadyActive):
		writeError(w, http.StatusConflict, "a hunt is already active")
		return
	default:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	st, err := s.hunt.Get(r.Context())
	if err != nil {
		s.internalError(w, err, "get hunt state")
		return
	}
	s.log.Info().Str("date", body.SlotDate).Msg("hunt started")
	writeJSON(w, http.StatusCreated, huntViewOf(st))
}

func (s *Server) handleHuntStop(w http.ResponseWriter, r *http.Request) {
	err := s.hunt.Stop(r.Context(), "stopped via api")
	switch {
	case err == nil:
	case errors.Is(err, hunt.ErrNotActive):
		writeError(w, http.StatusConflict, "no active hunt")
		return
	default:
		s.internalError(w, err, "stop hunt")
		return
	}
	st, err := s.hunt.Get(r.Context())
	if err != nil {
		s.internalError(w, err, "get hunt state")
		return
	}
	s.log.Info().Msg("hunt stopped")
	writeJSON(w, http.StatusOK, huntViewOf(st))
}

func (s *Server) internalError(w http.ResponseWriter, err error, msg string) {
	s.log.Error().Err(err).Msg(msg)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func parseRFC3339(v string) (time.Time, error) {
	return time.Parse(time.RFC3339, strings.TrimSpace(v))
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
