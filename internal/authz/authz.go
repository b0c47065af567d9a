// Package authz decides whether an actor may run workflow operations.
package authz

import (
	"context"

	"careops-workflow-core/shared/authx"
)

// ActorAutomation is the synthetic actor used by the automation dispatcher;
// its actions were already authorized when the source event was produced.
const ActorAutomation = "automation"

// RoleAuthorizer grants mutating workflow actions to actors carrying
// WriteRole. An empty WriteRole allows every authenticated actor.
type RoleAuthorizer struct {
	WriteRole string
}

func (a RoleAuthorizer) HasPermission(ctx context.Context, actorID string, action string, entity any) bool {
	if actorID == ActorAutomation {
		return true
	}
	if a.WriteRole == "" {
		return true
	}
	auth, ok := authx.FromContext(ctx)
	if !ok {
		return false
	}
	return auth.HasRole(a.WriteRole)
}
