package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/memory"
	"live-quiz-service/internal/metrics"
	"live-quiz-service/internal/room"
)

const accessCode = "111111"

func TestWebSocketSessionFlow(t *testing.T) {
	srv := newTestServer(t)
	createSession(t, srv.URL, accessCode)

	player := dial(t, srv.URL, "u1", "Alice")
	resync := readUntil(t, player, func(f frame) bool { return f.Type == string(domain.EventPhaseResync) })
	require.NotNil(t, resync.Self)
	assert.Equal(t, domain.PhaseLobby, resync.Snapshot.Phase)

	host := dial(t, srv.URL, "host", "Host")
	readUntil(t, host, func(f frame) bool { return f.Type == string(domain.EventPhaseResync) })

	send(t, host, map[string]any{"type": "start", "requestId": "r1"})
	ackStart := readUntil(t, host, isAck("r1"))
	assert.NotZero(t, ackStart.ackPayload(t).Seq)

	active := readUntil(t, player, func(f frame) bool { return f.Type == string(domain.EventQuestionActive) })
	require.NotNil(t, active.Snapshot.Question)
	assert.Equal(t, "q1", active.Snapshot.Question.ID)

	answer := map[string]any{
		"type":      "answer",
		"requestId": "a1",
		"payload":   map[string]any{"questionIndex": 0, "value": map[string]any{"optionIds": []string{"o2"}}},
	}
	send(t, player, answer)
	res := readUntil(t, player, isAck("a1")).ackPayload(t).Result
	require.NotNil(t, res)
	assert.True(t, res.Accepted)

	answer["requestId"] = "a2"
	send(t, player, answer)
	res = readUntil(t, player, isAck("a2")).ackPayload(t).Result
	require.NotNil(t, res)
	assert.False(t, res.Accepted)
	assert.Equal(t, domain.RejectAlreadyAnswered, res.Reason)
	require.NotNil(t, res.Value)
	assert.Equal(t, []string{"o2"}, res.Value.OptionIDs)

	send(t, player, map[string]any{"type": "stop", "requestId": "s1"})
	denied := readUntil(t, player, isError("s1"))
	assert.Equal(t, "not-authorized", denied.errorPayload(t).Code)

	send(t, player, map[string]any{"type": "dance", "requestId": "d1"})
	assert.Equal(t, "unsupported-message", readUntil(t, player, isError("d1")).errorPayload(t).Code)

	send(t, host, map[string]any{"type": "extend", "requestId": "e1", "payload": map[string]any{"deltaMs": 5000}})
	readUntil(t, host, isAck("e1"))

	send(t, host, map[string]any{"type": "stop", "requestId": "s2"})
	readUntil(t, host, isAck("s2"))
	reveal := readUntil(t, player, func(f frame) bool { return f.Type == string(domain.EventShowAnswers) })
	require.NotNil(t, reveal.Snapshot.Reveal)

	resp, err := http.Get(srv.URL + "/debug/rooms/" + accessCode)
	require.NoError(t, err)
	defer resp.Body.Close()
	var view struct {
		Connections int                 `json:"connections"`
		Members     []domain.MemberView `json:"members"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, 2, view.Connections)
	require.Len(t, view.Members, 1)
	assert.True(t, view.Members[0].Present)

	lbResp, err := http.Get(srv.URL + "/api/sessions/" + accessCode + "/leaderboard")
	require.NoError(t, err)
	defer lbResp.Body.Close()
	var lb domain.Leaderboard
	require.NoError(t, json.NewDecoder(lbResp.Body).Decode(&lb))
	require.Len(t, lb.Entries, 1)
	assert.Equal(t, 10, lb.Entries[0].Score)
}

func TestWebSocketUnknownSession(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv.URL, "u1", "Alice")
	f := readUntil(t, conn, func(f frame) bool { return f.Type == "error" })
	assert.Equal(t, "session-not-found", f.errorPayload(t).Code)
}

func TestWebSocketRequiresIdentity(t *testing.T) {
	srv := newTestServer(t)
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?accessCode=" + accessCode
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLeaveClosesConnection(t *testing.T) {
	srv := newTestServer(t)
	createSession(t, srv.URL, accessCode)
	conn := dial(t, srv.URL, "u1", "Alice")
	readUntil(t, conn, func(f frame) bool { return f.Type == string(domain.EventPhaseResync) })

	send(t, conn, map[string]any{"type": "leave", "requestId": "l1"})
	readUntil(t, conn, isAck("l1"))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	resp, err := http.Get(srv.URL + "/debug/rooms/" + accessCode)
	require.NoError(t, err)
	defer resp.Body.Close()
	var view domain.Membership
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Empty(t, view.Members)
}

func TestCreateSessionEndpoint(t *testing.T) {
	srv := newTestServer(t)

	status := postSession(t, srv.URL, map[string]any{"quizId": "quiz-1"})
	assert.Equal(t, http.StatusBadRequest, status, "owner is required")

	status = postSession(t, srv.URL, map[string]any{"quizId": "missing", "ownerId": "host"})
	assert.Equal(t, http.StatusNotFound, status)

	status = postSession(t, srv.URL, map[string]any{"quizId": "quiz-1", "ownerId": "host", "mode": "karaoke"})
	assert.Equal(t, http.StatusBadRequest, status)

	createSession(t, srv.URL, accessCode)
	status = postSession(t, srv.URL, map[string]any{"accessCode": accessCode, "quizId": "quiz-1", "ownerId": "host"})
	assert.Equal(t, http.StatusConflict, status)

	resp, err := http.Get(srv.URL + "/api/sessions/" + accessCode)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)
	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

type frame struct {
	Type      string                  `json:"type"`
	RequestID string                  `json:"requestId"`
	Seq       uint64                  `json:"seq"`
	Payload   json.RawMessage         `json:"payload"`
	Snapshot  domain.SessionSnapshot  `json:"snapshot"`
	Self      *domain.ParticipantView `json:"self"`
	Result    *domain.AnswerResult    `json:"result"`
}

func (f frame) ackPayload(t *testing.T) ackPayload {
	t.Helper()
	var p ackPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	return p
}

func (f frame) errorPayload(t *testing.T) errorPayload {
	t.Helper()
	var p errorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	return p
}

func isAck(id string) func(frame) bool {
	return func(f frame) bool { return f.Type == "ack" && f.RequestID == id }
}

func isError(id string) func(frame) bool {
	return func(f frame) bool { return f.Type == "error" && f.RequestID == id }
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	quizRepo := memory.NewQuizRepository(memory.NewStaticQuizLoader(sampleQuiz()), time.Minute)
	service := app.NewQuizService(memory.NewSessionStore(), quizRepo)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rooms := room.NewManager(service, room.Config{ResyncDebounce: 10 * time.Millisecond, Observer: m})
	t.Cleanup(rooms.Close)

	ws := NewWSHandler(service, rooms, WithAnswerObserver(m))
	srv := httptest.NewServer(NewRouter(service, rooms, ws, RouterConfig{Gatherer: reg}))
	t.Cleanup(srv.Close)
	return srv
}

func createSession(t *testing.T, base, code string) {
	t.Helper()
	status := postSession(t, base, map[string]any{"accessCode": code, "quizId": "quiz-1", "ownerId": "host"})
	require.Equal(t, http.StatusCreated, status)
}

func postSession(t *testing.T, base string, body map[string]any) int {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(base+"/api/sessions", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func dial(t *testing.T, base, userID, name string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(base, "http") + "/ws?accessCode=" + accessCode + "&userId=" + userID + "&name=" + name
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// readUntil discards frames until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read json: %v", err)
		}
		if match(f) {
			return f
		}
	}
}

func sampleQuiz() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID: "quiz-1",
			Questions: []domain.Question{
				{
					ID:     "q1",
					Prompt: "What is 2 + 2?",
					Options: []domain.Option{
						{ID: "o1", Text: "3", Correct: false},
						{ID: "o2", Text: "4", Correct: true},
						{ID: "o3", Text: "5", Correct: false},
					},
					Points:     10,
					DurationMs: 60000,
				},
			},
		},
	}
}
