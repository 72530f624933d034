package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"notification-service/internal/adapters/sse"
	"notification-service/internal/contextkeys"
	"notification-service/internal/core/domain"
	"notification-service/internal/core/port"
	"notification-service/internal/core/port/usecases_port"
	"time"

	"github.com/go-chi/chi/v5"
)

type HandlerConfig struct {
	// StreamBuffer - сколько уведомлений может ждать записи в одно SSE-соединение
	StreamBuffer int
	KeepAlive    time.Duration
	Credential   CredentialExtractor
}

type NotificationHandler struct {
	lifecycle  usecases_port.ConnectionLifecycleUseCasePort
	getHistory usecases_port.GetHistoryUseCasePort
	publish    usecases_port.PublishNotificationUseCasePort
	cfg        HandlerConfig
}

// NewNotificationHandler - конструктор
func NewNotificationHandler(
	lifecycle usecases_port.ConnectionLifecycleUseCasePort,
	getHistory usecases_port.GetHistoryUseCasePort,
	publish usecases_port.PublishNotificationUseCasePort,
	cfg HandlerConfig,
) *NotificationHandler {
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 32
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	if cfg.Credential == nil {
		cfg.Credential = BearerCredential
	}
	return &NotificationHandler{
		lifecycle:  lifecycle,
		getHistory: getHistory,
		publish:    publish,
		cfg:        cfg,
	}
}

// Stream - обработчик для GET /api/v1/notifications/stream.
// Живет столько же, сколько соединение: одна горутина на сессию.
func (h *NotificationHandler) Stream(w http.ResponseWriter, r *http.Request) {
	logger := contextkeys.LoggerFromContext(r.Context()).WithFields(port.Fields{"handler": "Stream"})

	flusher, ok := w.(http.Flusher)
	if !ok {
		logger.Error("Response writer does not support flushing", nil, nil)
		WriteJSONError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	stream := sse.NewStream(h.cfg.StreamBuffer)
	defer stream.Close()

	session, err := h.lifecycle.Connect(r.Context(), h.cfg.Credential(r), stream)
	if err != nil {
		writeConnectError(w, logger, err)
		return
	}

	handlerLogger := logger.WithFields(port.Fields{
		"subject_id":    session.SubjectID(),
		"connection_id": session.ConnectionID(),
	})
	handlerLogger.Info("New client subscribed to notifications", nil)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := sse.WriteEvent(w, "connected", "", map[string]string{"connection_id": session.ConnectionID()}); err != nil {
		session.Close(domain.CloseTransportError)
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case msg := <-stream.Messages():
			if err := sse.WriteEvent(w, "notification", msg.NotificationID, msg); err != nil {
				handlerLogger.Warn("Error writing to client, closing SSE connection", port.Fields{"error": err.Error()})
				session.Close(domain.CloseTransportError)
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if err := sse.WriteKeepAlive(w); err != nil {
				session.Close(domain.CloseTransportError)
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			session.Close(domain.CloseClientGone)
			handlerLogger.Info("SSE client disconnected.", nil)
			return

		case <-session.Done():
			// закрыто сервером: вытеснение или остановка
			handlerLogger.Info("SSE session closed by server.", nil)
			return
		}
	}
}

func writeConnectError(w http.ResponseWriter, logger port.LoggerPort, err error) {
	var authErr *domain.AuthenticationFailedError
	switch {
	case errors.As(err, &authErr):
		WriteJSONError(w, http.StatusUnauthorized, "Authentication error: "+authErr.Reason)
	case errors.Is(err, domain.ErrAdmissionThrottled):
		w.Header().Set("Retry-After", "1")
		WriteJSONError(w, http.StatusTooManyRequests, "Too many connection attempts")
	case errors.Is(err, domain.ErrRegistryClosed):
		WriteJSONError(w, http.StatusServiceUnavailable, "Service is shutting down")
	default:
		logger.Error("Failed to open notification stream", err, nil)
		WriteJSONError(w, http.StatusInternalServerError, "Failed to open notification stream")
	}
}

// GetHistory - обработчик для GET /api/v1/notifications
func (h *NotificationHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	logger := contextkeys.LoggerFromContext(r.Context()).WithFields(port.Fields{"handler": "GetHistory"})

	subjectID, ok := contextkeys.SubjectIDFromContext(r.Context())
	if !ok {
		logger.Error("Subject ID in context is missing", nil, nil)
		WriteJSONError(w, http.StatusUnauthorized, "Subject not found in context")
		return
	}

	limit, ok := queryInt(r, "limit", 0)
	if !ok {
		WriteJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
		return
	}
	offset, ok := queryInt(r, "offset", 0)
	if !ok {
		WriteJSONError(w, http.StatusBadRequest, "Invalid 'offset' parameter")
		return
	}

	entries, total, err := h.getHistory.Execute(r.Context(), subjectID, limit, offset)
	if err != nil {
		if errors.Is(err, domain.ErrHistoryUnavailable) {
			WriteJSONError(w, http.StatusServiceUnavailable, "Notification history is not enabled")
			return
		}
		WriteJSONError(w, http.StatusInternalServerError, "Failed to load notification history")
		return
	}

	resp := PaginatedNotificationsResponse{
		Data:   make([]NotificationResponse, 0, len(entries)),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}
	for _, e := range entries {
		resp.Data = append(resp.Data, toNotificationResponse(e))
	}
	RespondWithJSON(w, http.StatusOK, resp)
}

// Publish - обработчик для POST /api/v1/notifications (внутренний)
func (h *NotificationHandler) Publish(w http.ResponseWriter, r *http.Request) {
	logger := contextkeys.LoggerFromContext(r.Context()).WithFields(port.Fields{"handler": "Publish"})

	var req PublishNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("Failed to decode publish request body", port.Fields{"error": err.Error()})
		WriteJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	messageID, err := h.publish.Execute(r.Context(), req.toInput(), req.EventID)
	if err != nil {
		var invalid *domain.InvalidEventError
		if errors.As(err, &invalid) {
			WriteJSONError(w, http.StatusBadRequest, invalid.Error())
			return
		}
		WriteJSONError(w, http.StatusBadGateway, "Failed to publish notification")
		return
	}

	RespondWithJSON(w, http.StatusAccepted, PublishNotificationResponse{MessageID: messageID})
}

// EvictSubject - обработчик для DELETE /api/v1/subjects/{subjectID}/connections (внутренний)
func (h *NotificationHandler) EvictSubject(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")
	if !domain.ValidSubjectID(subjectID) {
		WriteJSONError(w, http.StatusBadRequest, "Invalid subject ID")
		return
	}

	evicted := h.lifecycle.EvictSubject(subjectID, domain.CloseEvicted)
	contextkeys.LoggerFromContext(r.Context()).Info("Subject evicted", port.Fields{
		"handler":    "EvictSubject",
		"subject_id": subjectID,
		"evicted":    evicted,
	})
	RespondWithJSON(w, http.StatusOK, EvictResponse{SubjectID: subjectID, Evicted: evicted})
}

// Health - GET /health: счетчики реестра и проверка его инвариантов
func (h *NotificationHandler) Health(w http.ResponseWriter, r *http.Request) {
	stats := h.lifecycle.Stats()
	resp := HealthResponse{Status: "ok", Subjects: stats.Subjects, Connections: stats.Connections}

	if stats.Closed {
		resp.Status = "shutting_down"
		RespondWithJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	if err := h.lifecycle.CheckInvariants(); err != nil {
		contextkeys.LoggerFromContext(r.Context()).Error("Registry invariant violated", err, nil)
		resp.Status = "degraded"
		resp.Error = err.Error()
		RespondWithJSON(w, http.StatusInternalServerError, resp)
		return
	}
	RespondWithJSON(w, http.StatusOK, resp)
}
