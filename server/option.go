package server

import (
	"os"
	"strconv"

	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/worldsync/worldsync/session"
)

type Option func(s *Server)

func WithPort(port uint) Option {
	return func(s *Server) {
		s.port = strconv.Itoa(int(port))
	}
}

func WithCORS() Option {
	return func(s *Server) {
		s.app.Use(cors.New())
	}
}

func WithSessionConfig(cfg session.Config) Option {
	return func(s *Server) {
		s.sessionCfg = cfg
	}
}

func WithPrettyPrint() Option {
	return func(_ *Server) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
