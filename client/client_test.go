package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/obinexuscomputing/libpolycall/protocol"
	"github.com/obinexuscomputing/libpolycall/transport"
)

func TestClientConnectsAndSendsCommand(t *testing.T) {
	ln, err := transport.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer ln.Close()

	serverCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		echo := func(payload []byte) ([]byte, error) {
			return append([]byte("echo:"), payload...), nil
		}
		pctx, err := protocol.NewContext(conn, protocol.WithCommandHandler(echo))
		if err != nil {
			return
		}
		pctx.Run(serverCtx)
	}()

	c := New(ln.Addr().String(), WithDialTimeout(time.Second))
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go c.Run(runCtx)
	defer c.Close()

	deadline := time.Now().Add(3 * time.Second)
	var resp []byte
	var sendErr error
	for time.Now().Before(deadline) {
		cmdCtx, cmdCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		resp, sendErr = c.SendCommand(cmdCtx, []byte("hi"))
		cmdCancel()
		if sendErr == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if sendErr != nil {
		t.Fatalf("SendCommand never succeeded: %v", sendErr)
	}
	if string(resp) != "echo:hi" {
		t.Fatalf("response = %q, want %q", resp, "echo:hi")
	}
}

func TestMaxRetriesExceeded(t *testing.T) {
	// Port 1 is privileged and unlisted on a test host: dials fail
	// immediately with connection refused rather than timing out.
	c := New("127.0.0.1:1", WithDialTimeout(50*time.Millisecond), WithMaxRetries(1))

	runCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Run(runCtx)
	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Fatalf("Run() = %v, want ErrMaxRetriesExceeded", err)
	}
}

func TestReconnectDisabledStopsAfterDisconnect(t *testing.T) {
	ln, err := transport.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	c := New(ln.Addr().String(), WithDialTimeout(time.Second), WithReconnect(false))

	runCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := c.Run(runCtx); err != nil {
		t.Fatalf("Run() = %v, want nil (reconnect disabled, clean stop after disconnect)", err)
	}
}
