package usecase

import (
	"context"

	"go.uber.org/zap"

	"github.com/pushinapp/blockd/internal/domain"
)

// GateStatus is the authorization view the rest of the system consumes.
type GateStatus struct {
	Status     domain.AuthorizationStatus `json:"status"`
	CanRequest bool                       `json:"canRequest"`
}

// AuthGate wraps the OS consent flow and maps platform statuses to the
// small enum the rest of the system consumes.
type AuthGate struct {
	provider domain.ConsentProvider
	logger   *zap.Logger
}

// NewAuthGate creates an authorization gate.
func NewAuthGate(provider domain.ConsentProvider, logger *zap.Logger) *AuthGate {
	return &AuthGate{provider: provider, logger: logger}
}

// Status returns the current consent state and whether a re-prompt is possible.
func (g *AuthGate) Status() (GateStatus, error) {
	status, err := g.provider.Status()
	if err != nil {
		return GateStatus{}, err
	}
	return GateStatus{Status: status, CanRequest: status.CanRequest()}, nil
}

// Request prompts for authorization. Idempotent: re-requesting when
// already approved returns the current status without re-prompting
// (the provider enforces this).
func (g *AuthGate) Request(ctx context.Context, explanation string) (domain.AuthorizationStatus, error) {
	status, err := g.provider.Request(ctx, explanation)
	if err != nil {
		g.logger.Warn("authorization request failed", zap.Error(err))
		return status, err
	}
	g.logger.Info("authorization requested", zap.String("status", string(status)))
	return status, nil
}

// RequireApproved returns a NOT_AUTHORIZED error unless consent is approved.
func (g *AuthGate) RequireApproved() error {
	status, err := g.provider.Status()
	if err != nil {
		return err
	}
	if status != domain.AuthApproved {
		return domain.E(domain.CodeNotAuthorized, "screen time authorization is %s", status)
	}
	return nil
}
