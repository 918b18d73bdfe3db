// Command sessionkit-testcore runs the Redis-backed test auth core as a
// standalone HTTP server, for local development against the SDK.
package main

import (
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sessionkit/sessionkit/coretest"
	"github.com/sessionkit/sessionkit/token"
)

func main() {
	var (
		listenAddr      = flag.String("listen", ":3567", "HTTP listen address")
		redisAddr       = flag.String("redis", "localhost:6379", "Redis address")
		apiKey          = flag.String("api-key", "", "required Api-Key header value (empty disables)")
		antiCsrf        = flag.String("anti-csrf", "VIA_TOKEN", "anti-CSRF mode: VIA_TOKEN, VIA_CUSTOM_HEADER, NONE")
		accessValidity  = flag.Duration("access-validity", time.Hour, "access token validity")
		refreshValidity = flag.Duration("refresh-validity", 100*24*time.Hour, "refresh token validity")
		keyRotation     = flag.Duration("key-rotation", 24*time.Hour, "signing key rotation interval")
		debug           = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("component", "testcore").Logger()

	mode := token.AntiCsrfMode(*antiCsrf)
	switch mode {
	case token.AntiCsrfViaToken, token.AntiCsrfViaCustomHeader, token.AntiCsrfNone:
	default:
		log.Fatal().Str("mode", *antiCsrf).Msg("invalid anti-csrf mode")
	}

	client := redis.NewClient(&redis.Options{Addr: *redisAddr})

	server := coretest.NewServer(client, coretest.Config{
		AntiCsrf:             mode,
		AccessTokenValidity:  *accessValidity,
		RefreshTokenValidity: *refreshValidity,
		KeyRotation:          *keyRotation,
		APIKey:               *apiKey,
		Logger:               log,
	})

	log.Info().Str("listen", *listenAddr).Str("redis", *redisAddr).Msg("test core listening")
	if err := http.ListenAndServe(*listenAddr, server.Handler()); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}
