package worldsync

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/worldsync/worldsync/gamestate"
	"github.com/worldsync/worldsync/server"
)

// WorldOption augments how the World will be run. Options are applied before
// any subsystem is constructed, so they may override loaded config values.
type WorldOption func(*World)

// WithRedisAddress overrides the REDIS_ADDRESS config value. Tests use this
// to point the world at a miniredis instance.
func WithRedisAddress(addr string) WorldOption {
	return func(world *World) {
		world.config.RedisAddress = addr
	}
}

// WithNamespace sets the World's namespace. The default is "world". The
// namespace prefixes every log line and is reported on the info route.
func WithNamespace(namespace string) WorldOption {
	return func(world *World) {
		world.namespace = namespace
	}
}

// WithTickChannel sets the channel that decides when a tick is executed. If
// unset, the configured tick interval is used. Tests can pass in a channel
// controlled by the test for fine-grained control over when ticks happen.
func WithTickChannel(ch <-chan time.Time) WorldOption {
	return func(world *World) {
		world.tickChannel = ch
	}
}

// WithTickDoneChannel sets a channel that is notified each time a tick
// completes. The completed tick number is pushed to the channel. Useful in
// tests when assertions need to be performed at the end of a tick.
func WithTickDoneChannel(ch chan<- uint64) WorldOption {
	return func(world *World) {
		world.tickDoneChannel = ch
	}
}

// WithLogger replaces the default global logger.
func WithLogger(logger zerolog.Logger) WorldOption {
	return func(world *World) {
		world.logger = logger
	}
}

// WithTableIndex declares a secondary index on the entity table. Handlers
// can then resolve entities by index lookups instead of ids.
func WithTableIndex(name string, extract gamestate.IndexExtractor) WorldOption {
	return func(world *World) {
		world.tableOptions = append(world.tableOptions, gamestate.WithIndex(name, extract))
	}
}

// WithServerOptions forwards options to the HTTP server.
func WithServerOptions(opts ...server.Option) WorldOption {
	return func(world *World) {
		world.serverOptions = append(world.serverOptions, opts...)
	}
}
