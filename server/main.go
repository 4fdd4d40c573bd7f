package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/asadovsky/jupiter/server/config"
	"github.com/asadovsky/jupiter/server/hub"
	"github.com/asadovsky/jupiter/server/logging"
	"github.com/asadovsky/jupiter/server/store"
)

var (
	addr      = flag.String("addr", "", "listen address, overrides JUPITER_ADDR")
	storeURL  = flag.String("store", "", "store URL, overrides JUPITER_STORE")
	envFile   = flag.String("env", ".env", "file to load environment variables from")
	flush     = flag.Duration("flush", -1, "interval between document saves, overrides JUPITER_FLUSH_INTERVAL")
	advertise = flag.Bool("advertise", false, "advertise the host over mDNS")
)

func main() {
	flag.Parse()
	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatal(err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *storeURL != "" {
		cfg.Store = *storeURL
	}
	if *flush >= 0 {
		cfg.FlushInterval = *flush
	}
	if *advertise {
		cfg.Advertise = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	l, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		log.Fatal(err)
	}
	h := hub.New(hub.Options{
		Store:         st,
		Logger:        logging.New("hub"),
		FlushInterval: cfg.FlushInterval,
		Advertise:     cfg.Advertise,
		Service:       cfg.Service,
	})
	if err := h.Serve(ctx, l); err != nil {
		log.Print(err)
	}
}
