// Package server exposes the sync core over HTTP: a websocket session
// endpoint for the streaming protocol, plus health and world info routes.
package server

import (
	"sync"
	"sync/atomic"

	"github.com/gofiber/fiber/v2"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/worldsync/worldsync/event"
	"github.com/worldsync/worldsync/interest"
	"github.com/worldsync/worldsync/session"
	"github.com/worldsync/worldsync/types"
)

const defaultPort = "4040"

// Host is the surface the server needs from the world orchestrator.
type Host interface {
	EnqueueEvent(ev event.Event)
	CurrentTick() types.Tick
	IsGameLoopRunning() bool
	Interest() *interest.SyncIndex
	// SnapshotEntity reports an entity's committed state as a Create-shaped
	// change, for catching sessions up on entities entering their view.
	SnapshotEntity(id types.EntityID) (types.Change, bool)
	Namespace() string
}

type Server struct {
	host   Host
	app    *fiber.App
	logger *zerolog.Logger

	port       string
	sessionCfg session.Config

	sessionsMu sync.Mutex
	sessions   map[string]*session.Session

	running       atomic.Bool
	shutdownMutex sync.Mutex
}

func New(host Host, logger *zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		host:       host,
		app:        fiber.New(fiber.Config{DisableStartupMessage: true}),
		logger:     logger,
		port:       defaultPort,
		sessionCfg: session.DefaultConfig(),
		sessions:   map[string]*session.Session{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.registerHealthHandler()
	s.registerWorldHandler()
	s.registerEventsHandler("/events")
}

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	s.running.Store(true)
	err := s.app.Listen(":" + s.port)
	s.running.Store(false)
	return eris.Wrap(err, "serve")
}

func (s *Server) Shutdown() error {
	s.shutdownMutex.Lock()
	defer s.shutdownMutex.Unlock()
	if !s.running.Load() {
		return nil
	}

	s.sessionsMu.Lock()
	for _, sess := range s.sessions {
		sess.Close()
	}
	clear(s.sessions)
	s.sessionsMu.Unlock()

	return eris.Wrap(s.app.Shutdown(), "shutdown fiber app")
}

// App exposes the fiber app for in-process testing.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) registerSession(sess *session.Session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[sess.ID().String()] = sess
}

func (s *Server) lookupSession(id string) (*session.Session, bool) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) dropSession(sess *session.Session) {
	s.sessionsMu.Lock()
	delete(s.sessions, sess.ID().String())
	s.sessionsMu.Unlock()
	sess.Close()
}

// broadcastChat fans a chat delivery out to every open session; each one
// carries it on its next pull.
func (s *Server) broadcastChat(d session.Delivery) {
	for _, sess := range s.Sessions() {
		sess.PushChat(d)
	}
}

// BroadcastEval queues a code payload for every connected client. Eval
// payloads originate from operator tooling layered above this server.
func (s *Server) BroadcastEval(e session.Eval) {
	for _, sess := range s.Sessions() {
		sess.PushEval(e)
	}
}

// Sessions snapshots the live sessions, for broadcast-style pushes.
func (s *Server) Sessions() []*session.Session {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	out := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}
