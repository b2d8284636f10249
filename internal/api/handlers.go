package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sparkles/internal/database"
	"sparkles/internal/export"
	"sparkles/internal/models"
	"sparkles/internal/scheduler"
	"sparkles/internal/service"
)

type scheduleSendRequest struct {
	AccountID int64              `json:"account_id"`
	Draft     models.SendPayload `json:"draft"`
	SendAt    time.Time          `json:"send_at"`
}

type snoozeRequest struct {
	AccountID int64     `json:"account_id"`
	MessageID string    `json:"message_id"`
	Subject   string    `json:"subject"`
	Folder    string    `json:"folder"`
	Until     time.Time `json:"until"`
}

type rescheduleRequest struct {
	At time.Time `json:"at"`
}

func (s *HTTPServer) handleListEvents(w http.ResponseWriter, r *http.Request) {
	kind := models.Kind(strings.TrimSpace(r.URL.Query().Get("kind")))

	var (
		evs []models.PendingEvent
		err error
	)
	if r.URL.Query().Get("status") == string(models.StatusPending) {
		evs, err = s.deps.Events.Pending(r.Context(), kind)
	} else {
		evs, err = s.deps.Events.List(r.Context(), kind)
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if evs == nil {
		evs = []models.PendingEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (s *HTTPServer) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.deps.Events.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *HTTPServer) handleScheduleSend(w http.ResponseWriter, r *http.Request) {
	var body scheduleSendRequest
	if !decodeBody(w, r, &body) {
		return
	}

	ev, err := s.deps.Events.ScheduleSend(r.Context(), body.AccountID, body.Draft, body.SendAt)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *HTTPServer) handleSnooze(w http.ResponseWriter, r *http.Request) {
	var body snoozeRequest
	if !decodeBody(w, r, &body) {
		return
	}

	p := models.SnoozePayload{MessageID: body.MessageID, Subject: body.Subject, Folder: body.Folder}
	ev, err := s.deps.Events.Snooze(r.Context(), body.AccountID, p, body.Until)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Events.Cancel(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	ev, err := s.deps.Events.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *HTTPServer) handleReschedule(w http.ResponseWriter, r *http.Request) {
	var body rescheduleRequest
	if !decodeBody(w, r, &body) {
		return
	}

	ev, err := s.deps.Events.Reschedule(r.Context(), r.PathValue("id"), body.At)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *HTTPServer) handleFire(w http.ResponseWriter, r *http.Request) {
	if s.deps.Watcher == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}

	id := r.PathValue("id")
	ev, err := s.deps.Events.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if err := s.deps.Watcher.FireNow(ev.Kind, id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(models.StatusFiring)})
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	kind := models.Kind(strings.TrimSpace(r.URL.Query().Get("kind")))
	evs, err := s.deps.Events.List(r.Context(), kind)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	// буферизуем, чтобы ошибка excelize не пришла после заголовков
	var buf bytes.Buffer
	if err := export.WriteEventsXLSX(&buf, evs); err != nil {
		s.log.Error().Err(err).Msg("export events")
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.FileName(s.now())+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *HTTPServer) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountParam(w, r)
	if !ok {
		return
	}

	settings, err := s.deps.Settings.GetSettings(r.Context(), accountID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if settings == nil {
		settings = models.DefaultAccountSettings(accountID)
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *HTTPServer) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountParam(w, r)
	if !ok {
		return
	}

	var body models.AccountSettings
	if !decodeBody(w, r, &body) {
		return
	}
	body.AccountID = accountID

	if err := s.deps.Settings.SetSettings(r.Context(), &body); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *HTTPServer) handleDeleteSettings(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountParam(w, r)
	if !ok {
		return
	}
	if err := s.deps.Settings.ClearSettings(r.Context(), accountID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func accountParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("account"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// statusFor переводит доменные ошибки в HTTP-коды.
func statusFor(err error) int {
	switch {
	case errors.Is(err, database.ErrEventNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidEvent), errors.Is(err, service.ErrUnknownFeature):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrEventFiring),
		errors.Is(err, service.ErrEventDone),
		errors.Is(err, scheduler.ErrAlreadyFiring),
		errors.Is(err, scheduler.ErrNotPending),
		errors.Is(err, scheduler.ErrUnknownEvent),
		errors.Is(err, database.ErrInvalidTransition),
		errors.Is(err, database.ErrEventExists):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
