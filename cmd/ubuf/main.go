package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/go-log/log"
	"github.com/go-ubuf/ubuf"
)

func main() {
	cfg, err := parseArgs(os.Args[1:])
	switch {
	case errors.Is(err, errVersion):
		fmt.Fprintf(os.Stderr, "ubuf %s (%s)\n", ubuf.Version, runtime.Version())
		os.Exit(0)
	case errors.Is(err, flag.ErrHelp):
		os.Exit(0)
	case err != nil:
		log.Log(err)
		os.Exit(2)
	}

	ubuf.Debug = cfg.Debug
	if cfg.Quiet {
		ubuf.SetLogger(&ubuf.NopLogger{})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Logf("ubuf: %s", err)
		if phase, ok := ubuf.PhaseOf(err); ok {
			fmt.Fprintf(os.Stderr, "ubuf: %s failed\n", phase)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config) error {
	if (cfg.Send == "") == (cfg.Recv == "") {
		return errors.New("exactly one of -s and -r is required")
	}

	key, err := cfg.sessionKey()
	if err != nil {
		return err
	}
	opts := cfg.sessionOptions()

	if cfg.Send != "" {
		tr, err := cfg.transporter(key)
		if err != nil {
			return err
		}
		client := &ubuf.Client{
			Transporter: tr,
			Key:         key,
			Timeout:     cfg.timeout(),
			Options:     opts,
		}
		_, err = client.Send(ctx, cfg.Send, os.Stdin)
		return err
	}

	ln, err := cfg.listener(key)
	if err != nil {
		return err
	}
	log.Logf("[server] listening on %s (%s)", ln.Addr(), cfg.Transport)
	server := &ubuf.Server{
		Listener: ln,
		Key:      key,
		Options:  opts,
	}
	_, err = server.Receive(ctx, os.Stdout)
	return err
}
