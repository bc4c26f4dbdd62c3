package middleware

import (
	"context"
	"fmt"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/eventsourcing"
)

// Authorizer defines the interface for authorization checks.
type Authorizer interface {
	// Authorize checks if the principal is authorized to execute the command.
	Authorize(ctx context.Context, principalID string, cmd domain.Command) error
}

// AuthorizerFunc is a function adapter for Authorizer.
type AuthorizerFunc func(ctx context.Context, principalID string, cmd domain.Command) error

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, principalID string, cmd domain.Command) error {
	return f(ctx, principalID, cmd)
}

// AuthorizationMiddleware enforces authorization for commands. Denials are
// reported as UNAUTHORIZED.
func AuthorizationMiddleware(authorizer Authorizer) eventsourcing.CommandMiddleware {
	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd domain.Command) ([]*domain.Event, error) {
			if err := authorizer.Authorize(ctx, cmd.Metadata.PrincipalID, cmd); err != nil {
				if domain.CodeOf(err) == domain.CodeUnauthorized {
					return nil, err
				}
				return nil, domain.Wrap(domain.CodeUnauthorized, "authorization failed", err)
			}

			return next.Handle(ctx, cmd)
		})
	}
}

// RoleBasedAuthorizer implements simple role-based authorization. Commands
// are keyed by "<aggregateType>.<operation>".
type RoleBasedAuthorizer struct {
	// commandRoles maps command keys to required roles
	commandRoles map[string][]string
	// principalRoles provides roles for a principal
	principalRoles func(ctx context.Context, principalID string) ([]string, error)
}

// NewRoleBasedAuthorizer creates a role-based authorizer.
func NewRoleBasedAuthorizer(
	commandRoles map[string][]string,
	principalRoles func(ctx context.Context, principalID string) ([]string, error),
) *RoleBasedAuthorizer {
	return &RoleBasedAuthorizer{
		commandRoles:   commandRoles,
		principalRoles: principalRoles,
	}
}

// CommandKey returns the key RoleBasedAuthorizer looks commands up by.
func CommandKey(cmd domain.Command) string {
	return cmd.AggregateID.Type + "." + cmd.Operation
}

// Authorize implements Authorizer.
func (a *RoleBasedAuthorizer) Authorize(ctx context.Context, principalID string, cmd domain.Command) error {
	key := CommandKey(cmd)
	requiredRoles, exists := a.commandRoles[key]
	if !exists || len(requiredRoles) == 0 {
		// No authorization required
		return nil
	}
	if principalID == "" {
		return domain.Newf(domain.CodeUnauthorized, "command %s requires an authenticated principal", key)
	}

	principalRolesList, err := a.principalRoles(ctx, principalID)
	if err != nil {
		return fmt.Errorf("failed to get principal roles: %w", err)
	}

	principalRolesMap := make(map[string]bool, len(principalRolesList))
	for _, role := range principalRolesList {
		principalRolesMap[role] = true
	}

	for _, requiredRole := range requiredRoles {
		if principalRolesMap[requiredRole] {
			return nil
		}
	}

	return domain.Newf(domain.CodeUnauthorized, "principal %s lacks required role for command %s (required: %v)", principalID, key, requiredRoles)
}
