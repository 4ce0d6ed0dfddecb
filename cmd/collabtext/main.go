// Command collabtext shares a text document between machines. One process
// serves a saved document through a websocket relay; others join it and see
// every edit as it is typed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"collabtext/internal/bridge"
	"collabtext/internal/config"
	"collabtext/internal/discovery"
	"collabtext/internal/editor"
	"collabtext/internal/logging"
	"collabtext/internal/session"
	"collabtext/internal/store"
)

const usage = `usage: collabtext <command> [flags]

commands:
  serve     host a saved document
  join      connect to a running relay
  discover  list relays advertised on the local network`

var errUsage = errors.New(usage)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	cfg, err := config.Load(".env")
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := logging.NewLogger(logging.Config{
		Format: cfg.LogFormat,
		Level:  cfg.LogLevel,
		Output: zapcore.Lock(os.Stderr),
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	switch args[0] {
	case "serve":
		return serve(ctx, cfg, logger, args[1:], in, out)
	case "join":
		return join(ctx, cfg, logger, args[1:], in, out)
	case "discover":
		return discover(ctx, cfg, logger, args[1:], out)
	}
	return errUsage
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		return store.OpenPostgres(ctx, cfg.DatabaseURL)
	}
	return store.OpenBolt(cfg.StorePath, cfg.ShutdownTimeout)
}

func statusPrinter(out io.Writer) func(string) {
	return func(s string) { fmt.Fprintf(out, "* %s\n", s) }
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	port := fs.Int("port", cfg.Port, "port to listen on")
	name := fs.String("doc", "untitled", "name of the document to serve")
	advertise := fs.Bool("mdns", true, "advertise the relay on the local network")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *port < config.MinPort || *port > config.MaxPort {
		return config.ErrInvalidPort
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	doc, err := editor.Open(ctx, st, *name)
	if errors.Is(err, store.ErrNotFound) {
		doc = editor.New("")
		err = doc.Save(ctx, st, *name)
	}
	if err != nil {
		return err
	}

	opts := session.OptionsFromConfig(cfg)
	opts.Logger = logger
	opts.Status = statusPrinter(out)

	var br *bridge.Redis
	if cfg.RedisAddr != "" {
		br, err = bridge.NewRedis(ctx, cfg.RedisAddr, cfg.RedisChannel, logger)
		if err != nil {
			return err
		}
		defer br.Close()
		opts.Mirror = br
	}

	sess := session.New(doc, opts)
	defer sess.Close()
	if err := sess.StartServer(*port); err != nil {
		return err
	}
	if br != nil {
		if err := br.Run(ctx, sess.Relay()); err != nil {
			return err
		}
	}
	if *advertise {
		adv, err := discovery.Advertise(cfg.MDNSService, *port, *name, logger)
		if err != nil {
			logger.Warn("mDNS advertisement failed", zap.Error(err))
		}
		defer adv.Shutdown()
	}

	return newConsole(doc, sess, st, out).run(ctx, in)
}

func join(ctx context.Context, cfg config.Config, logger *zap.Logger, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("join", flag.ContinueOnError)
	addr := fs.String("addr", "", "relay address host:port; browse the local network when empty")
	name := fs.String("doc", "", "with -addr empty, join the relay serving this document")
	browse := fs.Duration("browse", 2*time.Second, "how long to browse for relays")
	reconnect := fs.Bool("reconnect", false, "reconnect with backoff when the relay goes away")
	if err := fs.Parse(args); err != nil {
		return err
	}

	target := *addr
	if target == "" {
		found, err := findRelay(ctx, cfg, logger, *browse, *name)
		if err != nil {
			return err
		}
		target = found
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	dropped := make(chan struct{}, 1)
	status := statusPrinter(out)
	opts := session.OptionsFromConfig(cfg)
	opts.Logger = logger
	opts.Status = func(s string) {
		status(s)
		if s == session.StatusDisconnected {
			select {
			case dropped <- struct{}{}:
			default:
			}
		}
	}

	doc := editor.New("")
	sess := session.New(doc, opts)
	defer sess.Close()
	if err := sess.StartClient(ctx, target); err != nil {
		return err
	}

	if *reconnect {
		go redial(ctx, sess, target, dropped, logger)
	}
	return newConsole(doc, sess, st, out).run(ctx, in)
}

// redial restarts the client each time the relay drops it.
func redial(ctx context.Context, sess *session.Session, target string, dropped <-chan struct{}, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-dropped:
		}
		b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
		err := backoff.Retry(func() error {
			err := sess.StartClient(ctx, target)
			if errors.Is(err, session.ErrRoleActive) {
				return backoff.Permanent(err)
			}
			return err
		}, b)
		if err != nil {
			logger.Warn("Giving up on reconnect", zap.String("addr", target), zap.Error(err))
			return
		}
	}
}

func findRelay(ctx context.Context, cfg config.Config, logger *zap.Logger, wait time.Duration, name string) (string, error) {
	bctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	relays, err := discovery.Browse(bctx, cfg.MDNSService, logger)
	if err != nil {
		return "", err
	}
	for _, r := range relays {
		if name == "" || r.Document == name {
			return r.Addr, nil
		}
	}
	return "", errors.New("no relay found on the local network; pass -addr")
}

func discover(ctx context.Context, cfg config.Config, logger *zap.Logger, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	wait := fs.Duration("timeout", 3*time.Second, "how long to browse")
	if err := fs.Parse(args); err != nil {
		return err
	}

	bctx, cancel := context.WithTimeout(ctx, *wait)
	defer cancel()
	relays, err := discovery.Browse(bctx, cfg.MDNSService, logger)
	if err != nil {
		return err
	}
	if len(relays) == 0 {
		fmt.Fprintln(out, "no relays found")
		return nil
	}
	for _, r := range relays {
		fmt.Fprintf(out, "%s\t%s\t%s\n", r.Addr, r.Document, r.Instance)
	}
	return nil
}
