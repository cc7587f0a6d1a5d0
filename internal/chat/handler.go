package chat

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chat-ingest/internal/httpx"
	myMiddleware "chat-ingest/internal/middleware"
	appErrors "chat-ingest/pkg/errors"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the browser UI is served from another origin
	},
}

type Handler struct {
	service *Service
	hub     *Hub
	log     zerolog.Logger
}

func NewHandler(service *Service, hub *Hub, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		hub:     hub,
		log:     log.With().Str("component", "chat_http").Logger(),
	}
}

type MediaRequest struct {
	Path string `json:"path" validate:"required"`
	Name string `json:"name" validate:"required"`
}

type SendMessageRequest struct {
	SenderID int64         `json:"sender_id" validate:"omitempty,gt=0"`
	Text     *string       `json:"text"`
	Media    *MediaRequest `json:"media"`
}

func (req SendMessageRequest) content() (Content, error) {
	switch {
	case req.Text != nil && req.Media != nil:
		return nil, appErrors.ErrAmbiguousContent
	case req.Text != nil:
		return TextContent{Body: *req.Text}, nil
	case req.Media != nil:
		return MediaContent{Ref: MediaRef{Path: req.Media.Path, Name: req.Media.Name}}, nil
	default:
		return nil, appErrors.ErrEmptyContent
	}
}

type CreateChatRequest struct {
	Title     string  `json:"title" validate:"max=200"`
	MemberIDs []int64 `json:"member_ids" validate:"dive,gt=0"`
}

type UserRequest struct {
	UserID int64 `json:"user_id" validate:"omitempty,gt=0"`
}

type MuteRequest struct {
	Muted bool `json:"muted"`
}

// PartialSendResponse is returned with 202 when the message is stored but
// the preview or unread counters may lag behind.
type PartialSendResponse struct {
	Message *Message `json:"message"`
	Warning string   `json:"warning"`
}

// actor resolves who is acting: the verified token when auth is enabled,
// otherwise the id supplied by the caller.
func actor(r *http.Request, supplied int64) (int64, error) {
	if id, ok := myMiddleware.UserID(r.Context()); ok {
		return id, nil
	}
	if supplied <= 0 {
		return 0, appErrors.InvalidArg("user id is required")
	}
	return supplied, nil
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	chatID, err := httpx.PathID(r, "chatID")
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	var req SendMessageRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	senderID, err := actor(r, req.SenderID)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	content, err := req.content()
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}

	msg, err := h.service.SendMessage(r.Context(), SendCommand{SenderID: senderID, ChatID: chatID, Content: content})
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusCreated, msg)
	case msg != nil && appErrors.Is(err, appErrors.CodePartialSuccess):
		httpx.WriteJSON(w, http.StatusAccepted, PartialSendResponse{Message: msg, Warning: appErrors.MessageOf(err)})
	default:
		httpx.WriteError(w, h.log, err)
	}
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	chatID, err := httpx.PathID(r, "chatID")
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	var req UserRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	userID, err := actor(r, req.UserID)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	if err := h.service.MarkChatRead(r.Context(), chatID, userID); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	var req CreateChatRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	members := req.MemberIDs
	if id, ok := myMiddleware.UserID(r.Context()); ok {
		members = append(members, id)
	}
	c, err := h.service.CreateChat(r.Context(), req.Title, members)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, c)
}

func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	chatID, err := httpx.PathID(r, "chatID")
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	c, err := h.service.GetChat(r.Context(), chatID)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, c)
}

func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		var err error
		if userID, err = httpx.QueryID(r, "user_id"); err != nil {
			httpx.WriteError(w, h.log, err)
			return
		}
	}
	views, err := h.service.ListChats(r.Context(), userID)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, views)
}

func (h *Handler) JoinChat(w http.ResponseWriter, r *http.Request) {
	chatID, err := httpx.PathID(r, "chatID")
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	var req UserRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	userID, err := actor(r, req.UserID)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	p, err := h.service.JoinChat(r.Context(), chatID, userID)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	chatID, err := httpx.PathID(r, "chatID")
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	participants, err := h.service.ListParticipants(r.Context(), chatID)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, participants)
}

func (h *Handler) SetMuted(w http.ResponseWriter, r *http.Request) {
	chatID, err := httpx.PathID(r, "chatID")
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	userID, err := httpx.PathID(r, "userID")
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	if id, ok := myMiddleware.UserID(r.Context()); ok && id != userID {
		httpx.WriteError(w, h.log, appErrors.Unauthorized("cannot mute a chat for another user"))
		return
	}
	var req MuteRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	if err := h.service.SetMuted(r.Context(), chatID, userID, req.Muted); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	chatID, err := httpx.PathID(r, "chatID")
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			httpx.WriteError(w, h.log, appErrors.InvalidArg("invalid limit"))
			return
		}
	}
	var before *uuid.UUID
	if raw := r.URL.Query().Get("before"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.WriteError(w, h.log, appErrors.InvalidArg("invalid before"))
			return
		}
		before = &id
	}
	page, err := h.service.History(r.Context(), chatID, before, limit)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, page)
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "messageID"))
	if err != nil {
		httpx.WriteError(w, h.log, appErrors.InvalidArg("invalid messageID"))
		return
	}
	msg, err := h.service.GetMessage(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, msg)
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		var err error
		if userID, err = httpx.QueryID(r, "user_id"); err != nil {
			httpx.WriteError(w, h.log, err)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		Hub:    h.hub,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		UserID: userID,
		sender: h.service,
		log:    h.log,
	}
	if !client.Hub.register(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
