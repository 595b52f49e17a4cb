package main

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/portal-chat/gemini-chat/assistant"
	"github.com/gosuda/portal-chat/gemini-chat/chat"
	"github.com/gosuda/portal-chat/gemini-chat/history"
	"github.com/gosuda/portal-chat/gemini-chat/kv"
	"github.com/gosuda/portal-chat/gemini-chat/login"
	"github.com/gosuda/portal-chat/gemini-chat/session"
	"github.com/gosuda/portal-chat/gemini-chat/toast"
)

const testPhone = "+911234567890"

type testEnv struct {
	srv   *server
	clock *clock.Mock
	ts    *httptest.Server
}

func newTestEnv(t *testing.T, loggedIn bool) *testEnv {
	t.Helper()
	mock := clock.NewMock()
	cfg := defaultServerConfig()
	cfg.Clock = mock
	srv, err := newServer(kv.NewMemory(), cfg)
	require.NoError(t, err)
	if loggedIn {
		require.NoError(t, srv.session.Login(session.User{Phone: testPhone}))
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return &testEnv{srv: srv, clock: mock, ts: ts}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func toastMessages(ts []toast.Toast) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Message
	}
	return out
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t, false)
	resp, body := e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestChatRoutesRequireLogin(t *testing.T) {
	e := newTestEnv(t, false)
	for _, path := range []string{"/api/rooms", "/api/rooms/default/messages", "/ws"} {
		resp, _ := e.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestLoginFlow(t *testing.T) {
	e := newTestEnv(t, false)

	resp, body := e.do(t, http.MethodPost, "/api/login/verify", map[string]string{"otp": "123456"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, string(body))

	resp, body = e.do(t, http.MethodPost, "/api/login/code", map[string]string{"code": "+7", "phone": "12ab"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var invalid struct {
		Errors []login.FieldError `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(body, &invalid))
	assert.NotEmpty(t, invalid.Errors)

	resp, body = e.do(t, http.MethodPost, "/api/login/code", map[string]string{"code": "+91", "phone": "9876543210"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var issued struct {
		Step string `json:"step"`
		OTP  string `json:"otp"`
	}
	require.NoError(t, json.Unmarshal(body, &issued))
	assert.Equal(t, "otp", issued.Step)
	require.Len(t, issued.OTP, 6)

	resp, body = e.do(t, http.MethodPost, "/api/login/verify", map[string]string{"otp": "000000"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, string(body), login.MismatchMessage)

	resp, body = e.do(t, http.MethodPost, "/api/login/verify", map[string]string{"otp": "12"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))

	resp, body = e.do(t, http.MethodPost, "/api/login/verify", map[string]string{"otp": issued.OTP})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var st session.State
	require.NoError(t, json.Unmarshal(body, &st))
	assert.True(t, st.LoggedIn)
	require.NotNil(t, st.User)
	assert.Equal(t, "+919876543210", st.User.Phone)
	assert.Contains(t, toastMessages(e.srv.toasts.List()), "OTP sent!")

	resp, _ = e.do(t, http.MethodGet, "/api/rooms", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/logout", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/rooms", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/api/session", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sr sessionResponse
	require.NoError(t, json.Unmarshal(body, &sr))
	assert.False(t, sr.LoggedIn)
	assert.Equal(t, "phone", sr.Step)
}

func TestRoomRoutes(t *testing.T) {
	e := newTestEnv(t, true)

	resp, body := e.do(t, http.MethodPost, "/api/rooms", map[string]string{"name": "  <b>Team</b> "})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var team chat.Chatroom
	require.NoError(t, json.Unmarshal(body, &team))
	assert.Equal(t, "Team", team.Name)
	assert.Contains(t, toastMessages(e.srv.toasts.List()), "Chatroom created")

	resp, _ = e.do(t, http.MethodPost, "/api/rooms", map[string]string{"name": "<i></i>"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/api/rooms", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list roomsResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Rooms, 2)
	assert.Equal(t, chat.DefaultRoomName, list.Rooms[0].Name)
	assert.Equal(t, team.ID, list.Current)

	_, body = e.do(t, http.MethodGet, "/api/rooms?q=tea", nil)
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Rooms, 1)
	assert.Equal(t, team.ID, list.Rooms[0].ID)

	resp, _ = e.do(t, http.MethodPut, "/api/rooms/current", map[string]string{"id": chat.DefaultRoomID})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, chat.DefaultRoomID, e.srv.rooms.CurrentID())

	resp, body = e.do(t, http.MethodGet, "/api/rooms/"+team.ID+"/messages", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	resp, _ = e.do(t, http.MethodGet, "/api/rooms/nope/messages", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodDelete, "/api/rooms/"+chat.DefaultRoomID, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = e.do(t, http.MethodDelete, "/api/rooms/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = e.do(t, http.MethodDelete, "/api/rooms/"+team.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, e.srv.rooms.Exists(team.ID))
	assert.Contains(t, toastMessages(e.srv.toasts.List()), "Chatroom deleted")
}

func TestDarkModeRoute(t *testing.T) {
	e := newTestEnv(t, false)
	resp, body := e.do(t, http.MethodPost, "/api/dark-mode", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"darkMode":true}`, string(body))
	_, body = e.do(t, http.MethodPost, "/api/dark-mode", nil)
	assert.JSONEq(t, `{"darkMode":false}`, string(body))
}

func TestToastRoutes(t *testing.T) {
	e := newTestEnv(t, true)
	resp, body := e.do(t, http.MethodGet, "/api/toasts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	resp, _ = e.do(t, http.MethodPost, "/api/copy", map[string]string{"text": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ts := e.srv.toasts.List()
	require.Len(t, ts, 1)
	assert.Equal(t, "Copied!", ts[0].Message)
	assert.Equal(t, toast.Info, ts[0].Type)

	resp, _ = e.do(t, http.MethodDelete, "/api/toasts/"+jsonNumber(ts[0].ID), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, e.srv.toasts.List())

	resp, _ = e.do(t, http.MethodDelete, "/api/toasts/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func jsonNumber(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestUploadImage(t *testing.T) {
	e := newTestEnv(t, true)
	upload := func(data []byte) *http.Response {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("image", "upload.bin")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
		require.NoError(t, mw.Close())
		resp, err := http.Post(e.ts.URL+"/api/images", mw.FormDataContentType(), &buf)
		require.NoError(t, err)
		return resp
	}

	resp := upload(pngBytes)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, pngDataURL(), out["image"])

	resp2 := upload([]byte("not an image"))
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp2.StatusCode)
}

// wsReader reads server events until one matches.
type wsReader struct {
	t    *testing.T
	conn *websocket.Conn
}

func (r wsReader) until(desc string, match func(ServerEvent) bool) ServerEvent {
	r.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(r.t, r.conn.SetReadDeadline(deadline))
		var ev ServerEvent
		if err := r.conn.ReadJSON(&ev); err != nil {
			r.t.Fatalf("waiting for %s: %v", desc, err)
		}
		if match(ev) {
			return ev
		}
	}
}

func dialWindow(t *testing.T, e *testEnv) wsReader {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return wsReader{t: t, conn: conn}
}

func isWindow(ready bool, n int) func(ServerEvent) bool {
	return func(ev ServerEvent) bool {
		return ev.Type == eventWindow && ev.Room != nil && ev.Room.Ready == ready && len(ev.Room.Messages) == n
	}
}

func TestWebSocketChatWindow(t *testing.T) {
	e := newTestEnv(t, true)
	w := dialWindow(t, e)

	sess := w.until("session", func(ev ServerEvent) bool { return ev.Type == eventSession })
	require.NotNil(t, sess.Session)
	assert.True(t, sess.Session.LoggedIn)
	rooms := w.until("rooms", func(ev ServerEvent) bool { return ev.Type == eventRooms })
	assert.Equal(t, chat.DefaultRoomID, rooms.Current)

	// skeleton until the initial load finishes
	w.until("skeleton", isWindow(false, 0))
	e.clock.Add(history.DefaultInitialDelay)
	w.until("ready window", isWindow(true, 0))

	require.NoError(t, w.conn.WriteJSON(ClientMessage{Type: msgSend, Text: "hi"}))
	typing := w.until("typing", func(ev ServerEvent) bool { return ev.Type == eventTyping })
	require.NotNil(t, typing.Typing)
	assert.True(t, *typing.Typing)
	w.until("sent toast", func(ev ServerEvent) bool {
		return ev.Type == eventToasts && len(ev.Toasts) > 0 && ev.Toasts[len(ev.Toasts)-1].Message == "Message sent!"
	})

	// a second send while the reply is pending is rejected
	require.NoError(t, w.conn.WriteJSON(ClientMessage{Type: msgSend, Text: "again"}))
	w.until("pending error", func(ev ServerEvent) bool { return ev.Type == eventError })

	e.clock.Add(assistant.DefaultDelay)
	win := w.until("reply", isWindow(true, 2))
	assert.Equal(t, "hi", win.Room.Messages[0].Text)
	assert.Equal(t, testPhone, win.Room.Messages[0].Sender)
	assert.Equal(t, assistant.Sender, win.Room.Messages[1].Sender)
	assert.Equal(t, assistant.TextReply, win.Room.Messages[1].Text)

	room, ok := e.srv.rooms.Chatroom(chat.DefaultRoomID)
	require.True(t, ok)
	assert.Len(t, room.Messages, 2)
}

func TestWebSocketLoadsOlderMessages(t *testing.T) {
	e := newTestEnv(t, true)
	w := dialWindow(t, e)

	w.until("skeleton", isWindow(false, 0))
	e.clock.Add(history.DefaultInitialDelay)
	w.until("ready window", isWindow(true, 0))

	require.NoError(t, w.conn.WriteJSON(ClientMessage{Type: msgScroll, Offset: 0}))
	loading := w.until("loading", func(ev ServerEvent) bool { return ev.Type == eventLoading })
	require.NotNil(t, loading.Loading)
	assert.True(t, *loading.Loading)

	e.clock.Add(history.DefaultFetchDelay)
	win := w.until("older page", isWindow(true, history.PageSize))
	assert.Equal(t, 2, win.Room.Page)
}

func TestWebSocketRejectsBadInput(t *testing.T) {
	e := newTestEnv(t, true)
	w := dialWindow(t, e)

	require.NoError(t, w.conn.WriteMessage(websocket.TextMessage, []byte("{")))
	ev := w.until("malformed", func(ev ServerEvent) bool { return ev.Type == eventError })
	assert.Equal(t, "malformed message", ev.Body)

	require.NoError(t, w.conn.WriteJSON(ClientMessage{Type: msgImage, Image: "https://example.com/a.png"}))
	ev = w.until("bad image", func(ev ServerEvent) bool { return ev.Type == eventError })
	assert.Equal(t, errBadDataURL.Error(), ev.Body)

	require.NoError(t, w.conn.WriteJSON(ClientMessage{Type: "dance"}))
	ev = w.until("unknown", func(ev ServerEvent) bool { return ev.Type == eventError })
	assert.Equal(t, "unknown message type", ev.Body)
}

func TestLogoutClosesWindows(t *testing.T) {
	e := newTestEnv(t, true)
	w := dialWindow(t, e)
	w.until("rooms", func(ev ServerEvent) bool { return ev.Type == eventRooms })
	require.Eventually(t, func() bool { return e.srv.hub.count() == 1 }, time.Second, 10*time.Millisecond)

	resp, _ := e.do(t, http.MethodPost, "/api/logout", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, e.srv.hub.count())

	require.NoError(t, w.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			break
		}
	}
}
