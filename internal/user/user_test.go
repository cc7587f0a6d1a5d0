package user

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"chat-ingest/internal/kv"
	appErrors "chat-ingest/pkg/errors"
	"chat-ingest/pkg/logger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := kv.Open("", kv.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewService(NewBadgerRepository(db), logger.Nop())
}

func Test_Create_And_Get_User(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newTestService(t)

	u, err := s.Create(ctx, &CreateRequest{DisplayName: "  Ana  "})
	req.NoError(err)
	req.Equal("Ana", u.DisplayName)
	req.Positive(u.ID)

	got, err := s.Get(ctx, u.ID)
	req.NoError(err)
	req.Equal(u.ID, got.ID)
	req.Equal("Ana", got.DisplayName)

	_, err = s.Get(ctx, 9999)
	req.True(appErrors.Is(err, appErrors.CodeNotFound))
}

func Test_Create_Rejects_Blank_Name(t *testing.T) {
	req := require.New(t)
	s := newTestService(t)

	_, err := s.Create(context.Background(), &CreateRequest{DisplayName: "   "})
	req.True(appErrors.Is(err, appErrors.CodeInvalidArgument))
}

func Test_Search_Is_Case_Insensitive_And_Capped(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newTestService(t)

	for _, name := range []string{"Ana", "Bob", "Banana"} {
		_, err := s.Create(ctx, &CreateRequest{DisplayName: name})
		req.NoError(err)
	}
	found, err := s.Search(ctx, "ANA")
	req.NoError(err)
	req.Len(found, 2)

	for i := 0; i < 15; i++ {
		_, err := s.Create(ctx, &CreateRequest{DisplayName: "bulk"})
		req.NoError(err)
	}
	found, err = s.Search(ctx, "bulk")
	req.NoError(err)
	req.Len(found, maxSearchResults)
}

func Test_Handler_Routes(t *testing.T) {
	req := require.New(t)
	h := NewHandler(newTestService(t), logger.Nop())
	r := chi.NewRouter()
	r.Post("/users", h.Create)
	r.Get("/users/search", h.SearchUsers)
	r.Get("/users/{userID}", h.Get)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/users", strings.NewReader(`{"display_name":"Ana"}`)))
	req.Equal(http.StatusCreated, w.Code)
	var created User
	req.NoError(json.Unmarshal(w.Body.Bytes(), &created))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/users", strings.NewReader(`{}`)))
	req.Equal(http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/404", nil))
	req.Equal(http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/search?q=an", nil))
	req.Equal(http.StatusOK, w.Code)
	var found []User
	req.NoError(json.Unmarshal(w.Body.Bytes(), &found))
	req.Len(found, 1)
	req.Equal(created.ID, found[0].ID)
}
