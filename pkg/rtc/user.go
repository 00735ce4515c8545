package rtc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmisol/loopback-call/pkg/defs"
	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// User is one control client: its commands drive a Session, the session's
// state changes go back over the websocket.
type User struct {
	*defs.UserCtx
	Session *Session

	conn   *websocket.Conn
	stop   func(id uuid.UUID)
	wsChan chan []byte

	log zerolog.Logger
}

func NewUser(parent context.Context, newSession SessionFactory, stop func(id uuid.UUID)) (u *User) {
	u = &User{
		UserCtx: defs.NewUserCtx(parent),
		stop:    stop,
		wsChan:  make(chan []byte, 16),
	}
	u.log = log.With().Str("user", u.Id.String()).Logger()
	u.Session = newSession(u.send)
	return
}

func (u *User) send(pl *defs.WsPload) {
	b, err := json.Marshal(pl)
	if err != nil {
		u.log.Error().Err(err).Str("action", pl.Action).Msg("can't marshal ws payload")
		return
	}
	select {
	case u.wsChan <- b:
	case <-u.Done():
	}
}

func (u *User) Handler(conn *websocket.Conn) {
	defer u.stop(u.Id)
	defer u.Session.Hangup()
	defer u.CancelFunc()

	u.conn = conn
	defer u.conn.Close()

	go u.wrHandler()

	u.Session.Publish()
	for {
		_, msg, err := u.conn.ReadMessage()
		if err != nil {
			u.log.Debug().Err(err).Msg("ws read")
			return
		}
		if err = u.process(msg); err != nil {
			u.log.Warn().Err(err).Msg("ws data")
			u.send(&defs.WsPload{Action: defs.ActError, Data: []byte(err.Error())})
		}
	}
}

func (u *User) wrHandler() {
	for {
		select {
		case <-u.Done():
			return
		case b := <-u.wsChan:
			if err := u.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				u.log.Debug().Err(err).Msg("ws write")
				u.conn.Close()
				return
			}
		}
	}
}

func (u *User) process(p []byte) (err error) {
	var r defs.WsPload
	if err = json.Unmarshal(p, &r); err != nil {
		return errors.Wrap(err, "process, unmarshal")
	}

	switch r.Action {
	case defs.ActStart:
		err = u.Session.Start(u.Context)
	case defs.ActCall:
		err = u.Session.Call(u.Context)
	case defs.ActHangup:
		err = u.Session.Hangup()
	default:
		err = errors.New(fmt.Sprint("unexpected ws cmd ", string(p)))
	}
	return
}
