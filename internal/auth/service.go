package auth

import (
	"context"
	"fmt"

	"github.com/EternisAI/silo-overlay/internal/tenancy"
	"github.com/google/uuid"
)

// Service issues operator tokens for tenants that can currently be served.
type Service struct {
	directory tenancy.Directory
	config    Config
}

func NewService(directory tenancy.Directory, config Config) *Service {
	return &Service{
		directory: directory,
		config:    config,
	}
}

func (s *Service) IssueToken(ctx context.Context, tenantID uuid.UUID, subject, role string) (string, error) {
	tenant, err := s.directory.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if err := tenant.Available(); err != nil {
		return "", err
	}

	token, err := GenerateToken(s.config, subject, role, tenant.ID)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return token, nil
}
