package authorization

import (
	"context"
	"errors"

	"github.com/smallbiznis/backoffice/internal/actorcontext"
)

type Service interface {
	Authorize(ctx context.Context, actor actorcontext.Actor, object string, action string) error
}

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidRole   = errors.New("invalid_role")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrForbidden     = errors.New("forbidden")
)
