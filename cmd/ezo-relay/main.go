// Command ezo-relay runs a store-and-forward relay for ezo clients.
//
// Settings come from flags or the environment (RELAY_PORT, RELAY_MAX_INBOX,
// RELAY_RATE, RELAY_BURST); a .env file in the working directory is loaded
// first if present.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/ezoterikus/ezo-go/internal/relay"
)

type options struct {
	Host     string  `long:"host" env:"RELAY_HOST" description:"Address to listen on" default:""`
	Port     int     `short:"p" long:"port" env:"RELAY_PORT" description:"Port to listen on" default:"8787"`
	MaxInbox int     `long:"max-inbox" env:"RELAY_MAX_INBOX" description:"Messages kept per inbox; the oldest is dropped beyond this" default:"1000"`
	Rate     float64 `long:"rate" env:"RELAY_RATE" description:"Requests per second allowed per connection (0 disables limiting)" default:"50"`
	Burst    int     `long:"burst" env:"RELAY_BURST" description:"Request burst allowed per connection" default:"100"`
	EnvFile  string  `long:"env-file" description:"Environment file to load" default:".env"`
	Verbose  bool    `short:"v" long:"verbose" description:"Log connections and queue events"`
}

func main() {
	// The env file has to be loaded before flag defaults are resolved.
	envFile := ".env"
	for i, a := range os.Args[1:] {
		if a == "--env-file" && i+2 < len(os.Args) {
			envFile = os.Args[i+2]
		}
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	logger := log.New(os.Stderr, "", log.LstdFlags)
	sopts := []relay.ServerOption{
		relay.WithMaxInbox(opts.MaxInbox),
		relay.WithRateLimit(rate.Limit(opts.Rate), opts.Burst),
	}
	if opts.Verbose {
		sopts = append(sopts, relay.WithServerLogger(logger))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("/", relay.NewServer(sopts...))

	srv := &http.Server{
		Addr:              net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		logger.Printf("relay listening on %s (max inbox %d, rate %g/s)", srv.Addr, opts.MaxInbox, opts.Rate)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Printf("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}
