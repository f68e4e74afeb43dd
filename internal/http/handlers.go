package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Cypherspark/message-scheduler/internal/core"
	"github.com/Cypherspark/message-scheduler/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
)

const (
	authHeader     = "auth_token"
	callbackHeader = "X-Gateway-Secret"
	maxBodyBytes   = 1 << 20
)

type Options struct {
	Logger log.FieldLogger
	// Ready reports whether the backing store can serve traffic.
	Ready Pinger
	// CallbackSecret enables POST /api/message/callback when set.
	CallbackSecret string
}

type Server struct {
	svc            *core.Service
	logger         log.FieldLogger
	ready          Pinger
	callbackSecret string
}

func NewServer(svc *core.Service, opt Options) *Server {
	logger := opt.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Server{
		svc:            svc,
		logger:         logger,
		ready:          opt.Ready,
		callbackSecret: opt.CallbackSecret,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(s.logger), middleware.Recoverer, instrument)

	s.mountHealth(r)
	s.mountMetrics(r)
	s.mountDocs(r)

	r.Route("/api/message", func(r chi.Router) {
		r.Get("/test", s.test)
		r.Post("/text", s.sendMessage)
		r.Get("/message/{id}", s.retrieveMessage)
		r.Get("/message/{id}/{status}", s.retrieveByStatus)
		r.Get("/allmessages/{userId}", s.retrieveAllMessages)
		if s.callbackSecret != "" {
			r.Post("/callback", s.deliveryCallback)
		}
	})
	r.Route("/api/user", func(r chi.Router) {
		r.Post("/adduser", s.addUser)
		r.Post("/{userId}/token", s.rotateToken)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func statusFor(kind core.Kind) int {
	switch kind {
	case core.KindAuthentication:
		return http.StatusUnauthorized
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindGateway:
		return http.StatusBadGateway
	case core.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	writeError(w, statusFor(core.KindOf(err)), core.PublicMessage(err))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_"+name)
		return 0, false
	}
	return id, true
}

func (s *Server) test(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Message Controller is working!"))
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var in core.SendRequest
	if !decode(w, r, &in) {
		return
	}
	if in.UserID <= 0 {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	msg, err := s.svc.SendMessage(r.Context(), r.Header.Get(authHeader), in)
	metrics.DispatchTotal.WithLabelValues(dispatchResult(err)).Inc()
	if core.KindOf(err) == core.KindGateway {
		// The failed record still exists and is returned with the error.
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   core.PublicMessage(err),
			"message": msg,
		})
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func dispatchResult(err error) string {
	if err == nil {
		return "sent"
	}
	switch core.KindOf(err) {
	case core.KindGateway:
		return "failed"
	case core.KindAuthentication, core.KindValidation:
		return "rejected"
	default:
		return "error"
	}
}

// retrieveMessage serves /message/{id}?messageId=; {id} is the caller's user id.
func (s *Server) retrieveMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	messageID, err := strconv.ParseInt(r.URL.Query().Get("messageId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_messageId")
		return
	}
	msg, err := s.svc.RetrieveMessage(r.Context(), r.Header.Get(authHeader), userID, messageID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) retrieveAllMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	msgs, err := s.svc.RetrieveAllMessages(r.Context(), r.Header.Get(authHeader), userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) retrieveByStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	msgs, err := s.svc.RetrieveByStatus(r.Context(), r.Header.Get(authHeader), userID, chi.URLParam(r, "status"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) deliveryCallback(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get(callbackHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.callbackSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid gateway secret")
		return
	}
	var in core.DeliveryReport
	if !decode(w, r, &in) {
		return
	}
	msg, err := s.svc.ReportDelivery(r.Context(), in)
	if core.KindOf(err) == core.KindConflict {
		// The report lost against the stored status; return what is stored.
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   core.PublicMessage(err),
			"message": msg,
		})
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) addUser(w http.ResponseWriter, r *http.Request) {
	var in core.UserRequest
	if !decode(w, r, &in) {
		return
	}
	reg, err := s.svc.RegisterUser(r.Context(), in)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (s *Server) rotateToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	next, err := s.svc.RotateToken(r.Context(), r.Header.Get(authHeader), userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authToken": next})
}
