package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/Zereker/msgport"
)

const opEcho int32 = 1

// echoHandler answers every frame with its own payload.
type echoHandler struct{}

func (echoHandler) Handle(conn *msgport.Conn) {
	defer conn.Close()
	for {
		m, err := conn.Recv()
		if err != nil {
			return
		}
		if err := conn.Reply(m, msgport.NewMessage(m.Opcode(), m.Body())); err != nil {
			slog.Error("reply failed", "remote", conn.Remote(), "error", err)
			return
		}
	}
}

func runClient(addr string) {
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		slog.Error("dial failed", "error", err)
		return
	}

	conn, err := msgport.NewConn(raw)
	if err != nil {
		slog.Error("failed to wrap connection", "error", err)
		return
	}
	defer conn.Close()

	response, err := conn.Call(msgport.NewMessage(opEcho, []byte("ping")))
	if err != nil {
		slog.Error("call failed", "error", err)
		return
	}
	slog.Info("echoed", "body", string(response.Body()), "response_to", response.ResponseTo())
}

func main() {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:12345")
	if err != nil {
		panic(err)
	}

	server, err := msgport.NewServer(addr)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down server...")
		cancel()
	}()

	go runClient(addr.String())

	slog.Info("server start", "addr", addr.String())
	if err := server.Serve(ctx, echoHandler{}); err != nil {
		slog.Error("server error", "error", err)
	}
}
