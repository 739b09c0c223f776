package gatt

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/cendern/toothpaste/internal/logging"
)

// Bridge frame type prefixes on server-to-client messages.
const (
	frameHello  = 0x00
	frameNotify = 0x01
)

// Bridge is a WebSocket stand-in for the BLE controller, used for
// development and integration testing. Clients connect to a local socket;
// every binary message they send is treated as a write on the data
// characteristic, and response notifications are pushed back with a one
// byte frame prefix. The first server message is a hello frame carrying
// the factory identifier and the advertised name.
type Bridge struct {
	logger *slog.Logger

	mu           sync.Mutex
	writeHandler func([]byte)
	connHandler  func(ConnEvent)
	name         string
	factoryID    [6]byte
	client       *websocket.Conn
	clientCancel context.CancelFunc

	listener net.Listener
	server   *http.Server
}

// NewBridge creates a bridge that will listen on addr when started.
func NewBridge(logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Bridge{
		logger: logger.With(logging.KeyComponent, "gatt-bridge"),
		name:   DefaultDeviceName,
	}
}

// SetWriteHandler implements Link.
func (b *Bridge) SetWriteHandler(h func([]byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeHandler = h
}

// SetConnectionHandler implements Link.
func (b *Bridge) SetConnectionHandler(h func(ConnEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connHandler = h
}

// Advertise implements Link. On the bridge it updates the hello payload
// future clients receive.
func (b *Bridge) Advertise(name string, factoryID [6]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if name != "" {
		b.name = name
	}
	b.factoryID = factoryID
	return nil
}

// Start begins listening on addr and serving connections.
func (b *Bridge) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handleWS)

	b.mu.Lock()
	b.listener = ln
	b.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := b.server
	b.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			b.logger.Error("bridge server stopped", logging.KeyError, err)
		}
	}()

	b.logger.Info("bridge listening", logging.KeyAddress, ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (b *Bridge) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		b.logger.Debug("accept failed", logging.KeyError, err)
		return
	}

	b.mu.Lock()
	if b.client != nil {
		// Single-central policy: a second client is turned away.
		b.mu.Unlock()
		conn.Close(websocket.StatusTryAgainLater, "central already connected")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.client = conn
	b.clientCancel = cancel
	name, factoryID := b.name, b.factoryID
	connHandler := b.connHandler
	b.mu.Unlock()

	hello := make([]byte, 1+len(factoryID)+len(name))
	hello[0] = frameHello
	copy(hello[1:], factoryID[:])
	copy(hello[1+len(factoryID):], name)
	if err := conn.Write(ctx, websocket.MessageBinary, hello); err != nil {
		b.dropClient(conn, false)
		return
	}

	if connHandler != nil {
		connHandler(ConnEvent{Connected: true})
	}

	// Read loop: every binary message is an attribute write.
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			b.dropClient(conn, ctx.Err() != nil)
			return
		}
		if msgType != websocket.MessageBinary || len(data) == 0 {
			continue
		}

		b.mu.Lock()
		handler := b.writeHandler
		b.mu.Unlock()
		if handler != nil {
			handler(data)
		}
	}
}

// dropClient clears the client slot and fires the disconnect event once.
func (b *Bridge) dropClient(conn *websocket.Conn, manual bool) {
	b.mu.Lock()
	if b.client != conn {
		b.mu.Unlock()
		return
	}
	b.client = nil
	cancel := b.clientCancel
	b.clientCancel = nil
	connHandler := b.connHandler
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	conn.Close(websocket.StatusNormalClosure, "link closed")
	if connHandler != nil {
		connHandler(ConnEvent{Connected: false, Manual: manual})
	}
}

// Notify implements Link: pushes an encoded ResponsePacket to the central.
func (b *Bridge) Notify(data []byte) error {
	b.mu.Lock()
	conn := b.client
	b.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	frame := make([]byte, 1+len(data))
	frame[0] = frameNotify
	copy(frame[1:], data)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// Close implements Link.
func (b *Bridge) Close() error {
	b.mu.Lock()
	conn := b.client
	server := b.server
	b.mu.Unlock()

	if conn != nil {
		b.dropClient(conn, true)
	}
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
	return nil
}
