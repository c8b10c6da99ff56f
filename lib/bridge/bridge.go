// Package bridge tunnels a browser WebSocket to an instance's display
// stream. Each instance gets one bridge listening on its own TCP port; an
// accepted upgrade is shuttled to the display socket as binary frames until
// either side closes. Lifecycle-relevant transitions are published as events
// so the coordinator can track liveness and reclaim abandoned instances.
package bridge

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vmparlor/parlor/lib/logger"
)

const upstreamDialTimeout = 5 * time.Second

// EventKind classifies bridge lifecycle events.
type EventKind string

const (
	// Attached fires on the first successful display-stream open.
	Attached EventKind = "attached"
	// Detached fires when the peer closes an attached WebSocket.
	Detached EventKind = "detached"
	// Exited fires once when the bridge stops serving for any reason.
	Exited EventKind = "exited"
)

// Event is published to the coordinator's event channel.
type Event struct {
	Kind       EventKind
	InstanceID string
	At         time.Time
}

// Config describes one bridge.
type Config struct {
	InstanceID string
	// Port to listen on; 0 picks an ephemeral port.
	Port int
	// UpstreamNetwork is "unix" or "tcp".
	UpstreamNetwork string
	UpstreamAddr    string
	// Events receives lifecycle events. The consumer must keep draining it
	// until Exited arrives.
	Events chan<- Event
}

// Bridge is a running WebSocket-to-stream tunnel for one instance.
type Bridge struct {
	cfg  Config
	srv  *http.Server
	ln   net.Listener
	port int

	attached atomic.Bool
	stopped  atomic.Bool
	quit     chan struct{}
	once     sync.Once
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// The console page is served from a different origin than the bridge
	// port, so origin enforcement happens at the auth layer instead.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Start binds the bridge port and begins serving upgrades. A bind failure is
// returned immediately so the caller can re-reserve a port and retry.
func Start(ctx context.Context, cfg Config) (*Bridge, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("bind bridge port %d: %w", cfg.Port, err)
	}

	b := &Bridge{
		cfg:  cfg,
		ln:   ln,
		port: ln.Addr().(*net.TCPAddr).Port,
		quit: make(chan struct{}),
	}
	b.srv = &http.Server{Handler: http.HandlerFunc(b.handle)}

	log := logger.FromContext(ctx)
	go func() {
		err := b.srv.Serve(ln)
		b.stopped.Store(true)
		if err != nil && err != http.ErrServerClosed {
			log.WarnContext(ctx, "bridge server stopped",
				"instance_id", cfg.InstanceID, "error", err)
		}
		b.emit(Exited)
		b.Close()
	}()
	return b, nil
}

// Port returns the bound port, which differs from Config.Port when an
// ephemeral port was requested.
func (b *Bridge) Port() int { return b.port }

// Close stops the listener and refuses further attaches. In-flight tunnels
// are cut by closing the server. Safe to call repeatedly.
func (b *Bridge) Close() error {
	b.once.Do(func() {
		close(b.quit)
		b.srv.Close()
	})
	return nil
}

// Terminate implements the stoppable-handle contract; a bridge has no
// gentler stop than closing it.
func (b *Bridge) Terminate() error { return b.Close() }

// Kill implements the stoppable-handle contract.
func (b *Bridge) Kill() error { return b.Close() }

// Alive reports whether the bridge is still serving.
func (b *Bridge) Alive() bool { return !b.stopped.Load() }

func (b *Bridge) emit(kind EventKind) {
	ev := Event{Kind: kind, InstanceID: b.cfg.InstanceID, At: time.Now().UTC()}
	if kind == Exited {
		// Exited must land even when the consumer already stopped selecting
		// on the quit channel.
		b.cfg.Events <- ev
		return
	}
	// Prefer delivery even when the bridge is closing; fall back to the quit
	// channel only if the consumer has no capacity left.
	select {
	case b.cfg.Events <- ev:
	default:
		select {
		case b.cfg.Events <- ev:
		case <-b.quit:
		}
	}
}

func (b *Bridge) handle(w http.ResponseWriter, r *http.Request) {
	// One active upstream connection per display socket. A second attach is
	// refused outright; the client owns retry-after-close.
	if !b.attached.CompareAndSwap(false, true) {
		http.Error(w, "display already attached", http.StatusConflict)
		return
	}
	defer b.attached.Store(false)

	log := logger.FromContext(r.Context())

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	up, err := net.DialTimeout(b.cfg.UpstreamNetwork, b.cfg.UpstreamAddr, upstreamDialTimeout)
	if err != nil {
		log.WarnContext(r.Context(), "display stream dial failed",
			"instance_id", b.cfg.InstanceID, "addr", b.cfg.UpstreamAddr, "error", err)
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "display unavailable"))
		return
	}
	defer up.Close()

	b.emit(Attached)
	log.InfoContext(r.Context(), "display attached", "instance_id", b.cfg.InstanceID)

	wsrw := &wsReadWriter{conn: ws}
	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(up, wsrw)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(wsrw, up)
		errc <- err
	}()

	select {
	case <-errc:
	case <-b.quit:
	}
	ws.Close()
	up.Close()

	b.emit(Detached)
	log.InfoContext(r.Context(), "display detached", "instance_id", b.cfg.InstanceID)
}

// wsReadWriter adapts a WebSocket connection to io.ReadWriter, spanning
// reads across message boundaries and writing binary frames.
type wsReadWriter struct {
	conn *websocket.Conn
	r    io.Reader
}

func (w *wsReadWriter) Read(p []byte) (int, error) {
	for {
		if w.r == nil {
			_, r, err := w.conn.NextReader()
			if err != nil {
				return 0, err
			}
			w.r = r
		}
		n, err := w.r.Read(p)
		if err == io.EOF {
			w.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (w *wsReadWriter) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
