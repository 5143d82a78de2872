// Package authz decides whether a user may produce commands for a deployment.
package authz

import (
	"context"
	"errors"
	"fmt"

	"agent_dispatch/internal/auth"
	"agent_dispatch/internal/model"
)

// ErrForbidden is returned when the principal may not act on the deployment
var ErrForbidden = errors.New("forbidden")

// Authorizer guards command production. Project ownership lives outside this
// service, so deployments are opaque to it.
type Authorizer interface {
	CanEnqueue(ctx context.Context, p auth.Principal, deploymentHash string) error
	CanManageAgent(ctx context.Context, p auth.Principal, deploymentHash string) error
	CanRead(ctx context.Context, p auth.Principal, deploymentHash string) error
}

// RoleAuthorizer grants by role only: admins manage agents, operators and
// admins enqueue, every known role reads.
type RoleAuthorizer struct{}

// NewRoleAuthorizer creates a RoleAuthorizer
func NewRoleAuthorizer() *RoleAuthorizer {
	return &RoleAuthorizer{}
}

// CanEnqueue implements Authorizer
func (RoleAuthorizer) CanEnqueue(ctx context.Context, p auth.Principal, deploymentHash string) error {
	switch p.Role {
	case model.RoleAdmin, model.RoleOperator:
		return nil
	}
	return fmt.Errorf("%w: role %q cannot enqueue commands", ErrForbidden, p.Role)
}

// CanManageAgent implements Authorizer
func (RoleAuthorizer) CanManageAgent(ctx context.Context, p auth.Principal, deploymentHash string) error {
	if p.Role == model.RoleAdmin {
		return nil
	}
	return fmt.Errorf("%w: role %q cannot manage agents", ErrForbidden, p.Role)
}

// CanRead implements Authorizer
func (RoleAuthorizer) CanRead(ctx context.Context, p auth.Principal, deploymentHash string) error {
	switch p.Role {
	case model.RoleAdmin, model.RoleOperator, model.RoleViewer:
		return nil
	}
	return fmt.Errorf("%w: unknown role %q", ErrForbidden, p.Role)
}
