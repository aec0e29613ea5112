// Telecall relay hub.
//
// Parties connect over WebSocket with a signed token and exchange call
// signaling and directory notifications through it. Run with -issue <party>
// to print a token for a party and exit.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"

	"github.com/1ureka/telecall/internal/relay"
	"github.com/1ureka/telecall/internal/util"
)

var version = "dev"

const issuer = "telecall-relay"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := flag.String("listen", ":8700", "Listen address")
	secret := flag.String("secret", os.Getenv("TELECALL_RELAY_SECRET"), "Token signing secret (default $TELECALL_RELAY_SECRET)")
	ttl := flag.Duration("ttl", 24*time.Hour, "Lifetime of issued tokens")
	issue := flag.String("issue", "", "Print a token for this party id and exit")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	auth, err := relay.NewAuth(*secret, issuer, *ttl, nil)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if *issue != "" {
		token, err := auth.Issue(*issue)
		if err != nil {
			util.LogError("issue token: %v", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	pterm.Info.Println(fmt.Sprintf("Telecall relay v%s", version))
	pterm.Println()

	if !*debugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", gin.WrapH(relay.NewServer(auth)))

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		util.LogInfo("relay listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		util.LogError("relay server: %v", err)
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		util.LogWarning("shutdown: %v", err)
	}
	util.LogInfo("relay stopped")
}
