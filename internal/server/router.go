package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"chat-ingest/internal/chat"
	myMiddleware "chat-ingest/internal/middleware"
	"chat-ingest/internal/user"
)

type Deps struct {
	Log          zerolog.Logger
	Chat         *chat.Handler
	User         *user.Handler
	Auth         *myMiddleware.AuthMiddleware // nil disables bearer verification
	StoreTimeout time.Duration
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(myMiddleware.RequestLogger(d.Log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		if d.Auth != nil {
			r.Use(d.Auth.Handle)
		}

		// Long-lived; no store timeout.
		r.Get("/ws", d.Chat.ServeWs)

		r.Route("/api", func(r chi.Router) {
			r.Use(myMiddleware.Timeout(d.StoreTimeout))

			r.Post("/users", d.User.Create)
			r.Get("/users/search", d.User.SearchUsers)
			r.Get("/users/{userID}", d.User.Get)

			r.Post("/chats", d.Chat.CreateChat)
			r.Get("/chats", d.Chat.ListChats)
			r.Route("/chats/{chatID}", func(r chi.Router) {
				r.Get("/", d.Chat.GetChat)
				r.Post("/messages", d.Chat.SendMessage)
				r.Get("/messages", d.Chat.GetChatHistory)
				r.Post("/read", d.Chat.MarkRead)
				r.Get("/participants", d.Chat.ListParticipants)
				r.Post("/participants", d.Chat.JoinChat)
				r.Put("/participants/{userID}/mute", d.Chat.SetMuted)
			})
			r.Get("/messages/{messageID}", d.Chat.GetMessage)
		})
	})

	return r
}
