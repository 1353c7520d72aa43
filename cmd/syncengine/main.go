package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/matrix-org/clientsync"
	"github.com/matrix-org/clientsync/internal"
	"github.com/matrix-org/clientsync/pubsub"
	"github.com/matrix-org/clientsync/state"
	"github.com/matrix-org/clientsync/state/migrations"
	"github.com/rs/zerolog"
)

var GitCommit string

const version = "0.1.0"

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var flagEnvFile = flag.String("env", ".env", "File to load environment variables from, if it exists")

const (
	EnvServer       = "CLIENTSYNC_SERVER"
	EnvDBDriver     = "CLIENTSYNC_DB_DRIVER"
	EnvDB           = "CLIENTSYNC_DB"
	EnvUserID       = "CLIENTSYNC_USER_ID"
	EnvDeviceID     = "CLIENTSYNC_DEVICE_ID"
	EnvAccessToken  = "CLIENTSYNC_ACCESS_TOKEN"
	EnvSecret       = "CLIENTSYNC_SECRET"
	EnvBindAddr     = "CLIENTSYNC_BINDADDR"
	EnvSentryDsn    = "CLIENTSYNC_SENTRY_DSN"
	EnvOTLP         = "CLIENTSYNC_OTLP_URL"
	EnvOTLPUsername = "CLIENTSYNC_OTLP_USERNAME"
	EnvOTLPPassword = "CLIENTSYNC_OTLP_PASSWORD"
	EnvPrometheus   = "CLIENTSYNC_PROM"
	EnvLogLevel     = "CLIENTSYNC_LOG_LEVEL"
	EnvPollInterval = "CLIENTSYNC_POLL_INTERVAL"
)

var helpMsg = fmt.Sprintf(`
Environment var
%s       Required. The homeserver to sync with, e.g https://matrix.example.com
%s    Required. The user to sync as.
%s  Required. The device of the session.
%s     Required. Secret which encrypts the stored access token. Keep it the same across restarts.
%s    Default: sqlite3. Either sqlite3 or postgres.
%s           Default: clientsync.db. A sqlite file path or a postgres connection string (see lib/pq docs).
%s Access token to store for the session. Only needed on first run or after it has been revoked.
%s   Default: unset. Bind address for the debug HTTP server, e.g localhost:8009. Serves /metrics and /rooms.
%s Default: unset. The Sentry DSN to report events to e.g https://clientsync@example.com/123 - if unset does not send sentry events.
%s   Default: unset. The OTLP HTTP base URL to send spans to e.g https://localhost:4318 - if unset does not send OTLP traces.
%s Default: unset. The OTLP username for Basic auth. If unset, does not send an Authorization header.
%s Default: unset. The OTLP password for Basic auth. If unset, does not send an Authorization header.
%s       Default: unset. Set to "true" to register prometheus metrics. Requires %s.
%s  Default: info. The level of verbosity for messages logged. Available values are trace, debug, info, warn, error and fatal
%s Default: 1s. How often the sync loop ticks.
`, EnvServer, EnvUserID, EnvDeviceID, EnvSecret, EnvDBDriver, EnvDB, EnvAccessToken, EnvBindAddr, EnvSentryDsn, EnvOTLP,
	EnvOTLPUsername, EnvOTLPPassword, EnvPrometheus, EnvBindAddr, EnvLogLevel, EnvPollInterval)

func defaulting(in, dft string) string {
	if in == "" {
		return dft
	}
	return in
}

func main() {
	fmt.Printf("clientsync %s (%s)\n", version, GitCommit)
	flag.Parse()
	if err := godotenv.Load(*flagEnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Printf("failed to load %s: %s\n", *flagEnvFile, err)
		os.Exit(1)
	}
	args := map[string]string{
		EnvServer:       os.Getenv(EnvServer),
		EnvDBDriver:     defaulting(os.Getenv(EnvDBDriver), state.DriverSQLite),
		EnvDB:           defaulting(os.Getenv(EnvDB), "clientsync.db"),
		EnvUserID:       os.Getenv(EnvUserID),
		EnvDeviceID:     os.Getenv(EnvDeviceID),
		EnvAccessToken:  os.Getenv(EnvAccessToken),
		EnvSecret:       os.Getenv(EnvSecret),
		EnvBindAddr:     os.Getenv(EnvBindAddr),
		EnvSentryDsn:    os.Getenv(EnvSentryDsn),
		EnvOTLP:         os.Getenv(EnvOTLP),
		EnvOTLPUsername: os.Getenv(EnvOTLPUsername),
		EnvOTLPPassword: os.Getenv(EnvOTLPPassword),
		EnvPrometheus:   os.Getenv(EnvPrometheus),
		EnvLogLevel:     defaulting(os.Getenv(EnvLogLevel), "info"),
		EnvPollInterval: defaulting(os.Getenv(EnvPollInterval), "1s"),
	}
	requiredEnvVars := []string{EnvServer, EnvUserID, EnvDeviceID, EnvSecret}
	for _, requiredEnvVar := range requiredEnvVars {
		if args[requiredEnvVar] == "" {
			fmt.Print(helpMsg)
			fmt.Printf("\n%s is not set\n", requiredEnvVar)
			fmt.Printf("\n%s and %s must be set\n", strings.Join(requiredEnvVars[:len(requiredEnvVars)-1], ", "), requiredEnvVars[len(requiredEnvVars)-1])
			os.Exit(1)
		}
	}
	if args[EnvPrometheus] == "true" && args[EnvBindAddr] == "" {
		fmt.Printf("%s requires %s\n", EnvPrometheus, EnvBindAddr)
		os.Exit(1)
	}
	level, err := zerolog.ParseLevel(args[EnvLogLevel])
	if err != nil {
		fmt.Printf("%s: %s\n", EnvLogLevel, err)
		os.Exit(1)
	}
	zerolog.SetGlobalLevel(level)
	pollInterval, err := time.ParseDuration(args[EnvPollInterval])
	if err != nil {
		fmt.Printf("%s: %s\n", EnvPollInterval, err)
		os.Exit(1)
	}

	if args[EnvOTLP] != "" {
		fmt.Printf("Configuring OTLP to %s\n", args[EnvOTLP])
		shutdownOTLP, err := internal.ConfigureOTLP(internal.OTLPConfig{
			URL:      args[EnvOTLP],
			Username: args[EnvOTLPUsername],
			Password: args[EnvOTLPPassword],
			Version:  version,
		})
		if err != nil {
			panic(err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownOTLP(ctx); err != nil {
				logger.Warn().Err(err).Msg("failed to flush OTLP spans")
			}
		}()
	}
	if args[EnvSentryDsn] != "" {
		fmt.Printf("Configuring Sentry reporter...\n")
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              args[EnvSentryDsn],
			Release:          "clientsync@" + version,
			AttachStacktrace: true,
		})
		if err != nil {
			panic(err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	db, err := state.Open(args[EnvDBDriver], args[EnvDB])
	if err != nil {
		sentry.CaptureException(err)
		logger.Fatal().Err(err).Str("driver", args[EnvDBDriver]).Msg("failed to open database")
	}
	defer db.Close()

	engine, err := clientsync.New(clientsync.Config{
		UserID:           args[EnvUserID],
		DeviceID:         args[EnvDeviceID],
		HomeserverURL:    args[EnvServer],
		Secret:           args[EnvSecret],
		PollInterval:     pollInterval,
		EnablePrometheus: args[EnvPrometheus] == "true",
	}, nil, db)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create engine")
	}
	// tables exist now, bring older caches up to date
	if err = migrations.Up(db); err != nil {
		sentry.CaptureException(err)
		logger.Fatal().Err(err).Msg("failed to migrate local cache")
	}

	ctx := context.Background()
	if args[EnvAccessToken] != "" {
		if err = engine.SetAccessToken(ctx, args[EnvAccessToken]); err != nil {
			logger.Fatal().Err(err).Msg("failed to store access token")
		}
	}
	n, err := engine.LoadCache(ctx)
	if err != nil {
		logger.Err(err).Msg("failed to load local cache, starting empty")
		sentry.CaptureException(err)
	}
	logger.Info().Int("rooms", n).Msg("local cache loaded")

	for _, chanName := range []string{pubsub.ChanSync, pubsub.ChanHydration, pubsub.ChanBackfill} {
		ch, err := engine.Subscribe(chanName)
		if err != nil {
			logger.Fatal().Err(err).Str("chan", chanName).Msg("failed to subscribe")
		}
		go logProgress(ch)
	}
	engine.StartSync("")

	var srv *http.Server
	if args[EnvBindAddr] != "" {
		srv = &http.Server{
			Addr:    args[EnvBindAddr],
			Handler: newDebugServer(engine),
		}
		go func() {
			logger.Info().Msgf("debug server listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal().Err(err).Msg("failed to listen and serve")
			}
		}()
	}

	// Block forever
	WaitForShutdown(srv, engine)
}

func logProgress(ch <-chan pubsub.Payload) {
	for p := range ch {
		switch v := p.(type) {
		case pubsub.SyncStatus:
			e := logger.Debug()
			if v.Err != "" {
				e = logger.Warn().Str("err", v.Err)
			}
			if v.Unauthorized {
				e = logger.Error()
			}
			e.Bool("running", v.Running).Bool("unauthorized", v.Unauthorized).Str("since", v.NextBatch).Msg("sync status")
		case *pubsub.HydrationProgress:
			logger.Debug().Int("hydrated", v.Hydrated).Int("total", v.Total).Msg("hydration progress")
		case *pubsub.BackfillProgress:
			logger.Info().Str("room", v.RoomID).Int("done", v.Done).Int("total", v.Total).Bool("finished", v.Finished).Msg("backfill progress")
		}
	}
}

func WaitForShutdown(srv *http.Server, engine *clientsync.Engine) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	fmt.Printf("Received %s, shutting down...\n", sig)

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("debug server did not shut down cleanly")
		}
	}
	engine.Teardown()
	fmt.Printf("Exiting now\n")
}
