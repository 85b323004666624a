package server

import "github.com/gofiber/fiber/v2"

type HealthReply struct {
	IsServerRunning   bool `json:"isServerRunning"`
	IsGameLoopRunning bool `json:"isGameLoopRunning"`
}

func (s *Server) registerHealthHandler() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(HealthReply{
			IsServerRunning:   true,
			IsGameLoopRunning: s.host.IsGameLoopRunning(),
		})
	})
}

type WorldReply struct {
	Namespace string `json:"namespace"`
	Tick      uint64 `json:"tick"`
	Sessions  int    `json:"sessions"`
}

func (s *Server) registerWorldHandler() {
	s.app.Get("/world", func(c *fiber.Ctx) error {
		s.sessionsMu.Lock()
		count := len(s.sessions)
		s.sessionsMu.Unlock()
		return c.JSON(WorldReply{
			Namespace: s.host.Namespace(),
			Tick:      uint64(s.host.CurrentTick()),
			Sessions:  count,
		})
	})
}
