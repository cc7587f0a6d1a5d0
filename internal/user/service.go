package user

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	appErrors "chat-ingest/pkg/errors"
)

const maxSearchResults = 10

type Service struct {
	repo Repository
	log  zerolog.Logger
}

func NewService(repo Repository, log zerolog.Logger) *Service {
	return &Service{repo: repo, log: log.With().Str("component", "user").Logger()}
}

func (s *Service) Create(ctx context.Context, req *CreateRequest) (*User, error) {
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		return nil, appErrors.InvalidArg("display name cannot be empty")
	}
	u, err := s.repo.CreateUser(ctx, name)
	if err != nil {
		s.log.Error().Err(err).Msg("creating user")
		return nil, err
	}
	return u, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*User, error) {
	return s.repo.GetUser(ctx, id)
}

func (s *Service) Search(ctx context.Context, query string) ([]User, error) {
	return s.repo.SearchUsers(ctx, strings.TrimSpace(query), maxSearchResults)
}
