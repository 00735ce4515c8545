package rtc

import (
	"context"
	"sync"

	"github.com/dmisol/loopback-call/pkg/defs"
	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

// SessionFactory builds the session driven by one websocket client.
type SessionFactory func(notify func(*defs.WsPload)) *Session

func NewRoom(newSession SessionFactory) (x *Room) {
	x = &Room{
		Users:      map[uuid.UUID]*User{},
		upgrader:   websocket.FastHTTPUpgrader{},
		newSession: newSession,
	}
	return
}

// Room keeps one call session per connected control client.
type Room struct {
	mu         sync.Mutex
	Users      map[uuid.UUID]*User // by [id]
	upgrader   websocket.FastHTTPUpgrader
	newSession SessionFactory
}

func (x *Room) stop(uid uuid.UUID) {
	x.mu.Lock()
	defer x.mu.Unlock()

	delete(x.Users, uid)
	log.Info().Str("user", uid.String()).Int("remaining", len(x.Users)).Msg("user removed")
}

func (x *Room) Handler(r *fasthttp.RequestCtx) {
	user := NewUser(context.Background(), x.newSession, x.stop)

	x.mu.Lock()
	x.Users[user.Id] = user
	x.mu.Unlock()

	err := x.upgrader.Upgrade(r, user.Handler)
	if err != nil {
		log.Error().Err(err).Msg("upgrade")
		x.stop(user.Id)
		user.Session.Hangup()
		return
	}
	log.Info().Str("user", user.Id.String()).Msg("user added")
}

// Preview serves the last local frame of the session ?id=<session>.
func (x *Room) Preview(r *fasthttp.RequestCtx) {
	id := string(r.QueryArgs().Peek("id"))

	x.mu.Lock()
	var s *Session
	for _, u := range x.Users {
		if u.Session.Id.String() == id {
			s = u.Session
			break
		}
	}
	x.mu.Unlock()

	if s == nil {
		r.Error("unknown session", fasthttp.StatusNotFound)
		return
	}
	jpg := s.Preview().JPEG()
	if jpg == nil {
		r.Error("no frame yet", fasthttp.StatusNoContent)
		return
	}
	r.SetContentType("image/jpeg")
	r.SetBody(jpg)
}
