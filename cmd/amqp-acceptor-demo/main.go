// Command amqp-acceptor-demo runs a minimal accepting endpoint: it
// listens on a TCP port, authenticates clients with SCRAM-SHA-256,
// and completes the AMQP connection handshake.
package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"os"

	"github.com/pkg/errors"

	amqp "github.com/amqp-core/amqp"
)

func main() {
	amqp.RegisterLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run() error {
	addr := "localhost:5672"
	if v := os.Getenv("AMQP_LISTEN_ADDR"); v != "" {
		addr = v
	}

	creds, err := amqp.DeriveSCRAMSHA256Credentials("pencil", []byte("demo-salt"), 4096)
	if err != nil {
		return errors.Wrap(err, "deriving credentials")
	}
	store := map[string]amqp.SCRAMCredentials{"user": creds}

	acceptor := amqp.NewConnAcceptor(&amqp.ConnAcceptorOptions{
		ContainerID: "amqp-acceptor-demo",
		SASLMechanisms: []amqp.SASLServerMechanism{
			amqp.SASLServerSCRAMSHA256(func(username string) (amqp.SCRAMCredentials, bool) {
				c, ok := store[username]
				return c, ok
			}),
		},
	})

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "listening")
	}
	defer l.Close()
	log.Printf("listening on %s", addr)

	for {
		nc, err := l.Accept()
		if err != nil {
			return errors.Wrap(err, "accepting")
		}
		go func() {
			conn, err := acceptor.Accept(context.Background(), nc)
			if err != nil {
				log.Printf("handshake with %s failed: %v", nc.RemoteAddr(), err)
				return
			}
			log.Printf("connection from %s established", nc.RemoteAddr())
			// heartbeats are exchanged until the peer closes
			<-conn.Done()
			if err := conn.Err(); err != nil {
				log.Printf("connection from %s ended: %v", nc.RemoteAddr(), err)
			}
		}()
	}
}
