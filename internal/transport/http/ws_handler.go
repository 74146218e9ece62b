package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/room"
)

// AnswerObserver is told about every submission outcome, accepted or not.
type AnswerObserver interface {
	ObserveAnswer(domain.AnswerResult)
}

type WSHandler struct {
	service  *app.QuizService
	rooms    *room.Manager
	answers  AnswerObserver
	upgrader websocket.Upgrader
}

// WSOption configures a WSHandler.
type WSOption func(*WSHandler)

// WithAnswerObserver registers o for submission outcomes.
func WithAnswerObserver(o AnswerObserver) WSOption {
	return func(h *WSHandler) { h.answers = o }
}

// WithCheckOrigin replaces the default allow-all origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) WSOption {
	return func(h *WSHandler) {
		if fn != nil {
			h.upgrader.CheckOrigin = fn
		}
	}
}

func NewWSHandler(service *app.QuizService, rooms *room.Manager, opts ...WSOption) *WSHandler {
	h := &WSHandler{
		service: service,
		rooms:   rooms,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type inboundMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type answerPayload struct {
	QuestionIndex int                `json:"questionIndex"`
	Value         domain.AnswerValue `json:"value"`
}

type extendPayload struct {
	DeltaMs int64 `json:"deltaMs"`
}

type overridePayload struct {
	Identity      string             `json:"identity"`
	QuestionIndex int                `json:"questionIndex"`
	Value         domain.AnswerValue `json:"value"`
}

// outboundMessage is a transport-level frame; session events are written as
// domain.Event directly.
type outboundMessage[T any] struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Payload   T      `json:"payload"`
}

type ackPayload struct {
	Action string               `json:"action"`
	Seq    uint64               `json:"seq,omitempty"`
	Result *domain.AnswerResult `json:"result,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errUnsupportedMessage = errors.New("unsupported message type")
var errBadPayload = errors.New("invalid payload")

// ServeWS upgrades HTTP requests to websockets and attaches them to a live
// session room. Query: accessCode, userId, name, and since (last applied seq).
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	accessCode := q.Get("accessCode")
	// userId is taken as already resolved by the identity layer in front of
	// this service. Presenter checks compare it to the session owner only.
	identity := q.Get("userId")
	displayName := q.Get("name")
	if accessCode == "" || identity == "" {
		http.Error(w, "missing accessCode or userId", http.StatusBadRequest)
		return
	}
	if displayName == "" {
		displayName = identity
	}
	var since uint64
	if raw := q.Get("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		since = v
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("access_code", accessCode).Msg("ws upgrade failed")
		return
	}

	c := newClient(uuid.NewString(), accessCode, identity, conn)
	go c.writePump()

	ctx := context.WithoutCancel(r.Context())
	if _, err := h.rooms.Connect(ctx, room.ConnectRequest{
		AccessCode:  accessCode,
		Identity:    identity,
		DisplayName: displayName,
		Since:       since,
		Sink:        c,
	}); err != nil {
		c.reply(errorFrame("", err))
		c.Close()
		return
	}
	defer h.rooms.Disconnect(ctx, accessCode, identity, c.id)
	defer c.Close()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("connection_id", c.id).Msg("unexpected websocket close")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if leave := h.dispatch(ctx, c, msg); leave {
			return
		}
	}
}

// dispatch handles one inbound message and reports whether the connection
// should close afterwards.
func (h *WSHandler) dispatch(ctx context.Context, c *client, msg inboundMessage) bool {
	switch msg.Type {
	case "answer":
		var p answerPayload
		if err := decode(msg.Payload, &p); err != nil {
			c.reply(errorFrame(msg.RequestID, err))
			return false
		}
		res, err := h.service.Submit(ctx, c.accessCode, c.identity, p.QuestionIndex, p.Value)
		if err != nil {
			c.reply(errorFrame(msg.RequestID, err))
			return false
		}
		if h.answers != nil {
			h.answers.ObserveAnswer(res)
		}
		c.reply(ack(msg, 0, &res))
	case "override":
		var p overridePayload
		if err := decode(msg.Payload, &p); err != nil || p.Identity == "" {
			c.reply(errorFrame(msg.RequestID, errBadPayload))
			return false
		}
		res, err := h.service.OverrideAnswer(ctx, c.accessCode, c.identity, p.Identity, p.QuestionIndex, p.Value)
		if err != nil {
			c.reply(errorFrame(msg.RequestID, err))
			return false
		}
		c.reply(ack(msg, 0, &res))
	case "extend":
		var p extendPayload
		if err := decode(msg.Payload, &p); err != nil {
			c.reply(errorFrame(msg.RequestID, err))
			return false
		}
		snap, err := h.service.Extend(ctx, c.accessCode, c.identity, time.Duration(p.DeltaMs)*time.Millisecond)
		h.replyControl(c, msg, snap, err)
	case "start", "pause", "resume", "stop", "leaderboard", "advance", "end":
		snap, err := h.control(msg.Type)(ctx, c.accessCode, c.identity)
		h.replyControl(c, msg, snap, err)
	case "resync":
		if err := h.rooms.Resync(ctx, c.accessCode, c.identity, c.id); err != nil {
			c.reply(errorFrame(msg.RequestID, err))
			return false
		}
		c.reply(ack(msg, 0, nil))
	case "leave":
		if err := h.service.Leave(ctx, c.accessCode, c.identity); err != nil {
			c.reply(errorFrame(msg.RequestID, err))
			return false
		}
		c.reply(ack(msg, 0, nil))
		return true
	default:
		c.reply(errorFrame(msg.RequestID, errUnsupportedMessage))
	}
	return false
}

type controlFunc func(ctx context.Context, accessCode, actor string) (domain.SessionSnapshot, error)

func (h *WSHandler) control(action string) controlFunc {
	switch action {
	case "start":
		return h.service.Start
	case "pause":
		return h.service.Pause
	case "resume":
		return h.service.Resume
	case "stop":
		return h.service.Stop
	case "leaderboard":
		return h.service.ShowLeaderboard
	case "advance":
		return h.service.Advance
	default:
		return h.service.End
	}
}

func (h *WSHandler) replyControl(c *client, msg inboundMessage, snap domain.SessionSnapshot, err error) {
	if err != nil {
		log.Debug().Err(err).
			Str("access_code", c.accessCode).
			Str("identity", c.identity).
			Str("action", msg.Type).
			Msg("control rejected")
		c.reply(errorFrame(msg.RequestID, err))
		return
	}
	c.reply(ack(msg, snap.Version, nil))
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errBadPayload
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errBadPayload
	}
	return nil
}

func ack(msg inboundMessage, seq uint64, res *domain.AnswerResult) outboundMessage[ackPayload] {
	return outboundMessage[ackPayload]{
		Type:      "ack",
		RequestID: msg.RequestID,
		Payload:   ackPayload{Action: msg.Type, Seq: seq, Result: res},
	}
}

func errorFrame(requestID string, err error) outboundMessage[errorPayload] {
	code := domain.ErrorCode(err)
	switch {
	case errors.Is(err, errUnsupportedMessage):
		code = "unsupported-message"
	case errors.Is(err, errBadPayload):
		code = "invalid-payload"
	}
	return outboundMessage[errorPayload]{
		Type:      "error",
		RequestID: requestID,
		Payload:   errorPayload{Code: code, Message: err.Error()},
	}
}
