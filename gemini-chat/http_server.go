package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-chat/gemini-chat/assistant"
	"github.com/gosuda/portal-chat/gemini-chat/chat"
	"github.com/gosuda/portal-chat/gemini-chat/history"
	"github.com/gosuda/portal-chat/gemini-chat/kv"
	"github.com/gosuda/portal-chat/gemini-chat/login"
	"github.com/gosuda/portal-chat/gemini-chat/session"
	"github.com/gosuda/portal-chat/gemini-chat/toast"
)

type serverConfig struct {
	Name         string
	Clock        clock.Clock
	ReplyDelay   time.Duration
	InitialDelay time.Duration
	OlderDelay   time.Duration
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		Name:         "gemini-chat",
		Clock:        clock.New(),
		ReplyDelay:   assistant.DefaultDelay,
		InitialDelay: history.DefaultInitialDelay,
		OlderDelay:   history.DefaultFetchDelay,
	}
}

// server wires the chat state to HTTP routes and websocket chat windows.
type server struct {
	cfg     serverConfig
	clock   clock.Clock
	rooms   *chat.Store
	session *session.Controller
	login   *login.Flow
	toasts  *toast.Center
	hub     *hub

	upgrader    websocket.Upgrader
	unsubscribe func()
}

func newServer(store kv.Store, cfg serverConfig) (*server, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	rooms, err := chat.NewStore(store)
	if err != nil {
		return nil, err
	}
	sess, err := session.New(store)
	if err != nil {
		return nil, err
	}
	s := &server{
		cfg:     cfg,
		clock:   cfg.Clock,
		rooms:   rooms,
		session: sess,
		login:   login.NewFlow(),
		hub:     newHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.toasts = toast.NewCenter(
		toast.WithClock(cfg.Clock),
		toast.OnChange(func(ts []toast.Toast) {
			s.hub.broadcast(ServerEvent{Type: eventToasts, Toasts: ts})
		}),
	)
	s.unsubscribe = rooms.Subscribe(s.onChange)
	return s, nil
}

// Close disconnects all windows and waits for their handlers to return.
func (s *server) Close() {
	s.unsubscribe()
	s.toasts.Close()
	s.hub.closeAll()
	s.hub.wait()
}

func (s *server) onChange(c chat.Change) {
	s.hub.broadcast(s.roomsEvent())
	if c.Op == chat.OpMessage && c.RoomID != s.rooms.CurrentID() {
		return
	}
	for _, cl := range s.hub.snapshot() {
		cl.sync()
	}
}

func (s *server) roomsEvent() ServerEvent {
	return ServerEvent{Type: eventRooms, Rooms: summarize(s.rooms.Chatrooms()), Current: s.rooms.CurrentID()}
}

func (s *server) sessionEvent() ServerEvent {
	st := s.session.State()
	return ServerEvent{Type: eventSession, Session: &st}
}

// Router exposes the handler used for both the relay and the local listener.
func (s *server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/api", func(r chi.Router) {
		r.Get("/session", s.handleSession)
		r.Post("/login/code", s.handleRequestCode)
		r.Post("/login/verify", s.handleVerify)
		r.Post("/logout", s.handleLogout)
		r.Post("/dark-mode", s.handleDarkMode)
		r.Get("/toasts", s.handleListToasts)
		r.Delete("/toasts/{id}", s.handleDismissToast)

		r.Group(func(r chi.Router) {
			r.Use(s.requireLogin)
			r.Get("/rooms", s.handleListRooms)
			r.Post("/rooms", s.handleCreateRoom)
			r.Put("/rooms/current", s.handleSwitchRoom)
			r.Delete("/rooms/{id}", s.handleDeleteRoom)
			r.Get("/rooms/{id}/messages", s.handleRoomMessages)
			r.Post("/images", s.handleUploadImage)
			r.Post("/copy", s.handleCopy)
		})
	})
	r.With(s.requireLogin).Get("/ws", s.handleWebSocket)
	return r
}

func (s *server) requireLogin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.session.LoggedIn() {
			writeError(w, http.StatusUnauthorized, "login required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type sessionResponse struct {
	session.State
	Step string `json:"step"`
}

func (s *server) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, sessionResponse{State: s.session.State(), Step: s.login.Step().String()})
}

func (s *server) handleRequestCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code  string `json:"code"`
		Phone string `json:"phone"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	code, err := s.login.RequestCode(req.Code, req.Phone)
	if err != nil {
		var fe login.FieldErrors
		if errors.As(err, &fe) {
			writeJSONResponse(w, http.StatusUnprocessableEntity, map[string]any{"errors": fe})
			return
		}
		log.Error().Err(err).Msg("[chat] request code")
		writeError(w, http.StatusInternalServerError, "could not generate code")
		return
	}
	// Stands in for SMS delivery.
	log.Info().Str("phone", req.Code+req.Phone).Str("otp", code).Msg("[chat] simulated OTP")
	writeJSONResponse(w, http.StatusOK, map[string]string{"step": login.AwaitingOTP.String(), "otp": code})
}

func (s *server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OTP string `json:"otp"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := s.login.Verify(req.OTP)
	if err != nil {
		var fe login.FieldErrors
		switch {
		case errors.As(err, &fe):
			writeJSONResponse(w, http.StatusUnprocessableEntity, map[string]any{"errors": fe})
		case errors.Is(err, login.ErrMismatch):
			writeError(w, http.StatusUnauthorized, login.MismatchMessage)
		case errors.Is(err, login.ErrNoCode):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	if err := s.session.Login(user); err != nil {
		log.Error().Err(err).Msg("[chat] login")
		writeError(w, http.StatusInternalServerError, "could not save session")
		return
	}
	s.login.Reset()
	log.Info().Str("user", user.Phone).Msg("[chat] logged in")
	s.toasts.Show("OTP sent!", toast.Success)
	s.hub.broadcast(s.sessionEvent())
	writeJSONResponse(w, http.StatusOK, s.session.State())
}

func (s *server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	if err := s.session.Logout(); err != nil {
		log.Error().Err(err).Msg("[chat] logout")
		writeError(w, http.StatusInternalServerError, "could not clear session")
		return
	}
	s.login.Reset()
	s.hub.broadcast(s.sessionEvent())
	s.hub.closeAll()
	writeJSONResponse(w, http.StatusOK, s.session.State())
}

func (s *server) handleDarkMode(w http.ResponseWriter, _ *http.Request) {
	on, err := s.session.ToggleDarkMode()
	if err != nil {
		log.Error().Err(err).Msg("[chat] toggle dark mode")
		writeError(w, http.StatusInternalServerError, "could not save preference")
		return
	}
	s.hub.broadcast(s.sessionEvent())
	writeJSONResponse(w, http.StatusOK, map[string]bool{"darkMode": on})
}

func (s *server) handleListToasts(w http.ResponseWriter, _ *http.Request) {
	ts := s.toasts.List()
	if ts == nil {
		ts = []toast.Toast{}
	}
	writeJSONResponse(w, http.StatusOK, ts)
}

func (s *server) handleDismissToast(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid toast id")
		return
	}
	s.toasts.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

type roomsResponse struct {
	Rooms   []roomSummary `json:"rooms"`
	Current string        `json:"current"`
}

func (s *server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := s.rooms.Search(r.URL.Query().Get("q"))
	writeJSONResponse(w, http.StatusOK, roomsResponse{Rooms: summarize(rooms), Current: s.rooms.CurrentID()})
}

func (s *server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	room, err := s.rooms.AddChatroom(sanitizeRoomName(req.Name))
	if err != nil {
		if errors.Is(err, chat.ErrEmptyName) {
			writeError(w, http.StatusBadRequest, "chatroom name is required")
			return
		}
		log.Error().Err(err).Msg("[chat] create chatroom")
		writeError(w, http.StatusInternalServerError, "could not save chatroom")
		return
	}
	s.toasts.Show("Chatroom created", toast.Success)
	writeJSONResponse(w, http.StatusCreated, room)
}

func (s *server) handleSwitchRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.rooms.SwitchChatroom(req.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	err := s.rooms.DeleteChatroom(chi.URLParam(r, "id"))
	switch {
	case err == nil:
		s.toasts.Show("Chatroom deleted", toast.Error)
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, chat.ErrProtected):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, chat.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		log.Error().Err(err).Msg("[chat] delete chatroom")
		writeError(w, http.StatusInternalServerError, "could not save chatrooms")
	}
}

func (s *server) handleRoomMessages(w http.ResponseWriter, r *http.Request) {
	room, ok := s.rooms.Chatroom(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, chat.ErrNotFound.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, room)
}

func (s *server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes+1<<20)
	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing image file")
		return
	}
	defer file.Close()
	url, err := imageDataURL(file)
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusOK, map[string]string{"image": url})
	case errors.Is(err, errImageTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, errNotImage):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

// handleCopy acknowledges a copy-to-clipboard action with a toast.
func (s *server) handleCopy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Text == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.toasts.Show("Copied!", toast.Info)
	writeJSONResponse(w, http.StatusOK, map[string]string{"text": req.Text})
}

func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, ok := s.session.User()
	if !ok {
		writeError(w, http.StatusUnauthorized, "login required")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("[chat] upgrade websocket")
		return
	}

	c := newClient(s, conn, user.Phone)
	s.hub.add(c)
	s.hub.wg.Add(1)
	defer s.hub.wg.Done()

	c.push(s.sessionEvent())
	c.push(s.roomsEvent())
	c.push(ServerEvent{Type: eventToasts, Toasts: s.toasts.List()})
	c.sync()

	go c.writeLoop()
	c.readLoop()
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONResponse(w, status, map[string]string{"error": msg})
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		log.Debug().Err(err).Msg("[chat] write response")
	}
}
