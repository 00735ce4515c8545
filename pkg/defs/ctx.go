package defs

import (
	"context"

	"github.com/google/uuid"
)

type UserCtx struct {
	Id uuid.UUID
	context.Context
	context.CancelFunc
}

func NewUserCtx(parent context.Context) (u *UserCtx) {
	u = &UserCtx{Id: uuid.New()}
	u.Context, u.CancelFunc = context.WithCancel(parent)
	return
}
