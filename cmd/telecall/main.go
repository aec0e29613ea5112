// Telecall party agent.
//
// It runs one party of the call system: the relay connection, the call
// directory, the incoming-call watcher, the call manager and the local HTTP
// control API. Without -headless it also offers an interactive prompt.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"

	"github.com/1ureka/telecall/internal/call"
	"github.com/1ureka/telecall/internal/config"
	"github.com/1ureka/telecall/internal/httpapi"
	"github.com/1ureka/telecall/internal/signaling"
	"github.com/1ureka/telecall/internal/util"
	"github.com/1ureka/telecall/internal/watcher"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := flag.String("config", "", "YAML config file")
	party := flag.String("party", "", "Local party id (overrides config)")
	relayURL := flag.String("relayUrl", "", "Relay WebSocket URL (overrides config)")
	token := flag.String("token", "", "Relay party token (overrides config)")
	synthetic := flag.Bool("synthetic", false, "Send a silent synthetic track instead of capturing devices")
	headless := flag.Bool("headless", false, "Serve the HTTP API only, no interactive prompt")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Flags are folded in through the environment so config.Load stays the
	// single place that validates.
	setEnv("TELECALL_PARTY_ID", *party)
	if *relayURL != "" {
		u, err := normalizeWSURL(*relayURL)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		setEnv("TELECALL_RELAY_URL", u)
	}
	setEnv("TELECALL_RELAY_TOKEN", *token)

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("invalid configuration:\n%v", err)
		os.Exit(1)
	}
	if *synthetic {
		cfg.Media.Synthetic = true
	}
	if *debugMode || cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Telecall v%s, party %s", version, cfg.PartyID))
	pterm.Println()

	if err := run(ctx, cfg, *headless); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("agent stopped")
}

func setEnv(key, value string) {
	if value != "" {
		os.Setenv(key, value)
	}
}

func run(ctx context.Context, cfg config.Config, headless bool) error {
	client, err := openRelay(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	store, err := openStore(ctx, cfg, client)
	if err != nil {
		return err
	}
	defer store.Close()

	mgr := call.NewManager(call.Config{
		Self:                 cfg.PartyID,
		RingTimeout:          cfg.Call.RingTimeout,
		ConnectTimeout:       cfg.Call.ConnectTimeout,
		EndedGrace:           cfg.Call.EndedGrace,
		NegotiationTolerance: cfg.Call.NegotiationTolerance,
		DirectoryTimeout:     cfg.Call.DirectoryTimeout,
		ProfileTimeout:       cfg.Call.ProfileTimeout,
	}, call.Deps{
		Directory: store.dir,
		Signaling: signaling.New(client),
		Links:     call.PeerLinks(peerConfig(cfg)),
		Media:     call.Endpoints(capturer(cfg), nil),
		Profiles:  store.profiles,
		Notifier: call.NotifierFunc(func(name string) {
			pterm.DefaultSection.Println(fmt.Sprintf("Incoming call from %s", name))
		}),
	})
	if err := mgr.Start(); err != nil {
		return err
	}
	defer mgr.Close()

	w := watcher.New(watcher.Config{Self: cfg.PartyID, Staleness: cfg.Call.IncomingStaleness}, client, mgr)
	if err := w.Start(); err != nil {
		return fmt.Errorf("watch incoming calls: %w", err)
	}
	defer w.Stop()

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(mgr),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		util.LogInfo("control API listening on http://%s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	if !headless {
		go printEvents(ctx, mgr)
		go prompt(ctx, mgr)
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
