// Command pelikan-ping runs the minimal liveness-check protocol: the
// single verb "ping\r\n" is answered with "PONG\r\n". It carries no
// storage engine, so it bypasses internal/process and internal/server
// (both built around the full memcached ASCII grammar) in favor of a
// tiny dedicated accept loop.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
)

var version = "dev"

const defaultPort = 54321

type cli struct {
	Host    string           `help:"Listen host." default:"0.0.0.0"`
	Port    int              `help:"Listen port." default:"54321"`
	Version kong.VersionFlag `short:"v" help:"Print version and exit."`
}

func main() {
	var c cli
	kong.Parse(&c,
		kong.Name("pelikan-ping"),
		kong.Description("Minimal liveness-check server: ping in, pong out."),
		kong.Vars{"version": version},
	)

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "pelikan-ping: logger init:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(c, logger); err != nil {
		logger.Error("fatal", zap.Error(err))
		os.Exit(1)
	}
}

func run(c cli, logger *zap.Logger) error {
	addr := fmt.Sprintf("%s:%d", c.Host, c.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger.Info("starting pelikan-ping", zap.String("addr", addr))

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go serve(conn)
	}
}

func serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		switch strings.TrimSpace(line) {
		case "ping":
			if _, err := conn.Write([]byte("PONG\r\n")); err != nil {
				return
			}
		case "quit":
			return
		default:
			if _, err := conn.Write([]byte("CLIENT_ERROR unknown command\r\n")); err != nil {
				return
			}
		}
	}
}
