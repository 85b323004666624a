package server

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/rotisserie/eris"

	"github.com/worldsync/worldsync/codec"
	"github.com/worldsync/worldsync/event"
	"github.com/worldsync/worldsync/interest"
	"github.com/worldsync/worldsync/session"
	"github.com/worldsync/worldsync/types"
)

const writeDeadline = 5 * time.Second

func (s *Server) registerEventsHandler(path string) {
	s.app.Use(path, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return eris.Wrap(c.Next(), "")
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get(path, websocket.New(s.handleConnection))
}

// HelloBody answers hello and resume calls.
type HelloBody struct {
	SessionID string     `json:"sessionId"`
	Token     string     `json:"token"`
	Tick      types.Tick `json:"tick"`
}

type resumeBody struct {
	SessionID string     `json:"sessionId"`
	Token     string     `json:"token"`
	LastAck   types.Tick `json:"lastAck"`
}

type pullBody struct {
	Count int `json:"count"`
}

type chatBody struct {
	From    types.EntityID `json:"from"`
	Channel string         `json:"channel"`
	Text    string         `json:"text"`
}

type watchBody struct {
	Shape  string     `json:"shape"`
	Center types.Vec3 `json:"center"`
	Radius float64    `json:"radius"`
	Min    types.Vec3 `json:"min"`
	Max    types.Vec3 `json:"max"`
}

type ackBody struct {
	Tick types.Tick `json:"tick"`
}

// conn state for one websocket connection. The session may be swapped by a
// successful resume; the watch always belongs to the current session. The
// mutex covers the swap, which races with the heartbeat loop.
type wsState struct {
	mu    sync.Mutex
	sess  *session.Session
	watch *interest.WatchedShape
}

func (st *wsState) current() *session.Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sess
}

func (st *wsState) swap(sess *session.Session, watch *interest.WatchedShape) {
	st.mu.Lock()
	st.sess = sess
	st.watch = watch
	st.mu.Unlock()
}

func (s *Server) handleConnection(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	write := func(data []byte) error {
		if err := conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
			return eris.Wrap(err, "")
		}
		return eris.Wrap(conn.WriteMessage(websocket.TextMessage, data), "")
	}

	fresh := session.New(s.sessionCfg, s.logger)
	fresh.Attach(write)
	state := &wsState{sess: fresh, watch: fresh.BindWatch(s.host.Interest(), s.host.SnapshotEntity)}
	s.registerSession(fresh)
	defer func() {
		s.dropSession(state.current())
	}()

	go s.heartbeatLoop(ctx, cancel, conn, state)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug().Err(eris.Wrap(err, "")).Msg("websocket read failed")
			return
		}
		sess := state.current()
		if len(msg) > s.sessionCfg.HardLimitBytes {
			// Oversized input fails the one request, not the connection. The
			// id is unknowable without decoding, so zero is echoed.
			_ = sess.Send(ctx, session.Response{Status: session.StatusTooLarge})
			continue
		}
		req, err := codec.Decode[session.Request](msg)
		if err != nil {
			_ = sess.Send(ctx, session.Response{Status: session.StatusBadRequest, Body: "malformed request"})
			continue
		}
		sess.Touch()

		resp, replaced := s.dispatch(write, state, req)
		if replaced != nil {
			s.dropSession(sess)
			state.swap(replaced, replaced.BindWatch(s.host.Interest(), s.host.SnapshotEntity))
			sess = replaced
		}
		if err := sess.Send(ctx, resp); err != nil {
			if eris.Is(err, session.ErrBackpressure) || eris.Is(err, session.ErrMessageTooLarge) {
				_ = sess.Send(ctx, session.Response{ID: req.ID, Status: session.StatusTooLarge})
				continue
			}
			s.logger.Error().Err(err).Msg("websocket send failed, dropping connection")
			_ = sess.Send(ctx, session.Response{ID: req.ID, Status: session.StatusInternal})
			return
		}
	}
}

func (s *Server) dispatch(write session.WriteFunc, state *wsState, req session.Request) (session.Response, *session.Session) {
	bad := func(msg string) session.Response {
		return session.Response{ID: req.ID, Status: session.StatusBadRequest, Body: msg}
	}

	switch req.Method {
	case "hello":
		return session.Response{ID: req.ID, Status: session.StatusOK, Body: HelloBody{
			SessionID: state.sess.ID().String(),
			Token:     state.sess.Token(),
			Tick:      s.host.CurrentTick(),
		}}, nil

	case "resume":
		body, err := codec.Decode[resumeBody](req.Body)
		if err != nil {
			return bad("malformed resume body"), nil
		}
		prior, ok := s.lookupSession(body.SessionID)
		if !ok {
			return bad("unknown session"), nil
		}
		tick, err := prior.Resume(body.Token, write)
		if err != nil {
			return bad("resume rejected"), nil
		}
		return session.Response{ID: req.ID, Status: session.StatusOK, Body: HelloBody{
			SessionID: prior.ID().String(),
			Token:     prior.Token(),
			Tick:      tick,
		}}, prior

	case "event":
		ev, err := codec.Decode[event.Event](req.Body)
		if err != nil || ev.Kind == "" {
			return bad("malformed event"), nil
		}
		s.host.EnqueueEvent(ev)
		return session.Response{ID: req.ID, Status: session.StatusOK}, nil

	case "chat":
		body, err := codec.Decode[chatBody](req.Body)
		if err != nil || body.Text == "" {
			return bad("malformed chat body"), nil
		}
		s.broadcastChat(session.Delivery{From: body.From, Channel: body.Channel, Text: body.Text})
		return session.Response{ID: req.ID, Status: session.StatusOK}, nil

	case "pull":
		body, err := codec.Decode[pullBody](req.Body)
		if err != nil {
			return bad("malformed pull body"), nil
		}
		return session.Response{ID: req.ID, Status: session.StatusOK, Body: state.sess.Pull(body.Count)}, nil

	case "watch":
		body, err := codec.Decode[watchBody](req.Body)
		if err != nil {
			return bad("malformed watch body"), nil
		}
		switch body.Shape {
		case "sphere":
			state.watch.SetSphere(body.Center, body.Radius)
		case "aabb":
			state.watch.SetAABB(types.AABB{Min: body.Min, Max: body.Max})
		case "none":
			state.watch.Disable()
		default:
			return bad("unknown shape"), nil
		}
		return session.Response{ID: req.ID, Status: session.StatusOK}, nil

	case "move":
		body, err := codec.Decode[watchBody](req.Body)
		if err != nil {
			return bad("malformed move body"), nil
		}
		state.watch.Move(body.Center)
		return session.Response{ID: req.ID, Status: session.StatusOK}, nil

	case "resize":
		body, err := codec.Decode[watchBody](req.Body)
		if err != nil {
			return bad("malformed resize body"), nil
		}
		state.watch.Resize(body.Radius)
		return session.Response{ID: req.ID, Status: session.StatusOK}, nil

	case "ack":
		body, err := codec.Decode[ackBody](req.Body)
		if err != nil {
			return bad("malformed ack body"), nil
		}
		state.sess.Ack(body.Tick)
		return session.Response{ID: req.ID, Status: session.StatusOK}, nil

	default:
		return bad("unknown method " + req.Method), nil
	}
}

// heartbeatLoop pushes reconnect parameters on an interval and lame-ducks
// silent connections before the forced drop.
func (s *Server) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, state *wsState) {
	ticker := time.NewTicker(s.sessionCfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sess := state.current()
			if sess.Stale(now) {
				_ = sess.Send(ctx, session.Control{
					Kind:   session.ControlLameDuck,
					Reason: "no traffic within TTL",
				})
				cancel()
				_ = conn.Close()
				return
			}
			if err := sess.Send(ctx, sess.Heartbeat()); err != nil {
				s.logger.Debug().Err(err).Msg("heartbeat send failed")
			}
		}
	}
}
