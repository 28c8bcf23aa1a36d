package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/syng-dev/syng-go/internal/apperrors"
	"github.com/syng-dev/syng-go/internal/client"
	"github.com/syng-dev/syng-go/internal/config"
	"github.com/syng-dev/syng-go/internal/gui"
	"github.com/syng-dev/syng-go/internal/logging"
	"github.com/syng-dev/syng-go/internal/server"
	"github.com/syng-dev/syng-go/internal/sources"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 transport failure.
const (
	exitOK        = 0
	exitConfig    = 1
	exitTransport = 2
)

// maxConnectAttempts bounds consecutive failed connections before the
// transport is declared dead. Retrying restarts once a registration went
// through.
const maxConnectAttempts = 5

var reconnectDelay = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	mode := "gui"
	if len(args) > 0 {
		switch args[0] {
		case "gui", "client", "server":
			mode = args[0]
			args = args[1:]
		case "-h", "--help", "help":
			usage()
			return exitOK
		}
	}

	switch mode {
	case "server":
		return runServer(args)
	case "client":
		return runClient(args, nil)
	default:
		return runGUI(args)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: syng [gui|client|server] [flags]

  gui     run the playback client with the venue screen (default)
  client  run the headless playback client
  server  run the relay server

Run 'syng <mode> -h' for mode flags.`)
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "syng.yaml"
	}
	return filepath.Join(dir, "syng", "syng.yaml")
}

// clientFlags declares the flags shared by client and gui mode.
func clientFlags(fs *flag.FlagSet) (cfgPath, room, secret, srv, key *string) {
	cfgPath = fs.String("config-file", defaultConfigPath(), "path to the YAML configuration")
	room = fs.String("room", "", "room code to register (empty lets the server pick)")
	secret = fs.String("secret", "", "room secret")
	srv = fs.String("server", "", "relay server URL")
	key = fs.String("key", "", "registration key for restricted servers")
	return
}

func loadClientConfig(fs *flag.FlagSet, args []string) (config.Config, string, int) {
	cfgPath, room, secret, srv, key := clientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return config.Config{}, "", exitConfig
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "syng:", err)
		return config.Config{}, "", exitConfig
	}
	if *room != "" {
		cfg.General.Room = *room
	}
	if *secret != "" {
		cfg.General.Secret = *secret
	}
	if *srv != "" {
		cfg.General.Server = *srv
	}
	if *key != "" {
		cfg.General.Key = *key
	}
	logging.Configure(logging.Config{Level: cfg.General.LogLevel})
	return cfg, *cfgPath, -1
}

func runClient(args []string, notifier client.Notifier) int {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	cfg, cfgPath, code := loadClientConfig(fs, args)
	if code >= 0 {
		return code
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return clientLoop(ctx, cfg, cfgPath, notifier)
}

// clientLoop reconnects on transport failures; registration refusals and
// configuration errors are terminal. A connection that never registers
// counts against maxConnectAttempts, after which the transport failure
// itself becomes the exit status.
func clientLoop(ctx context.Context, cfg config.Config, cfgPath string, notifier client.Notifier) int {
	log := logging.WithComponent("main")
	attempts := 0
	for {
		coord, err := client.New(cfg, cfgPath, sources.Builtin(), notifier)
		if err != nil {
			fmt.Fprintln(os.Stderr, "syng:", err)
			return exitConfig
		}
		err = coord.Run(ctx)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			return exitOK
		case apperrors.CodeOf(err) == apperrors.ErrorCodeTransport:
			if coord.Registered() {
				attempts = 0
			} else {
				attempts++
				if attempts >= maxConnectAttempts {
					log.Error().Err(err).Int("attempts", attempts).Msg("server unreachable, giving up")
					return exitTransport
				}
			}
			log.Warn().Err(err).Dur("retry_in", reconnectDelay).Msg("connection lost, reconnecting")
			select {
			case <-time.After(reconnectDelay):
			case <-ctx.Done():
				return exitOK
			}
			// The first registration may have saved a server-assigned room
			// code; pick it up so the reconnect reclaims the same room.
			if cfgPath != "" {
				if fresh, lerr := config.Load(cfgPath); lerr == nil {
					cfg = fresh
				}
			}
		default:
			log.Error().Err(err).Msg("client failed")
			return exitConfig
		}
	}
}

func runGUI(args []string) int {
	fs := flag.NewFlagSet("gui", flag.ContinueOnError)
	cfg, cfgPath, code := loadClientConfig(fs, args)
	if code >= 0 {
		return code
	}

	program, wait := gui.Run(cfg.General.NextUpTime, cfg.General.PreviewDuration)
	notifier := gui.NewNotifier(program)

	ctx, cancel := context.WithCancel(context.Background())
	clientDone := make(chan int, 1)
	go func() {
		clientDone <- clientLoop(ctx, cfg, cfgPath, notifier)
	}()

	if err := wait(); err != nil {
		fmt.Fprintln(os.Stderr, "syng:", err)
	}
	cancel()
	return <-clientDone
}

func runServer(args []string) int {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	host := fs.String("host", "localhost", "interface to listen on")
	port := fs.String("port", "8080", "port to listen on")
	rootFolder := fs.String("root-folder", "", "serve the web UI from this directory instead of the embedded copy")
	keyfile := fs.String("registration-keyfile", "", "restrict room creation to holders of keys signed with this file's secret")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warning, error)")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	logging.Configure(logging.Config{Level: *logLevel})
	log := logging.WithComponent("main")

	var keySecret []byte
	if *keyfile != "" {
		secret, err := server.LoadKeySecret(*keyfile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "syng:", err)
			return exitConfig
		}
		keySecret = secret
	}

	svc := server.NewService(sources.Builtin(), keySecret)
	stopExpiry := svc.StartExpiry()
	defer stopExpiry()

	addr := *host + ":" + *port
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.NewHandler(svc, *rootFolder),
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdownCh
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("shutdown error")
		}
	}()

	log.Info().Str("addr", addr).Msg("syng server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server failed")
		return exitTransport
	}
	return exitOK
}
