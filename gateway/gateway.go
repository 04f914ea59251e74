// Package gateway is the websocket boundary of the daemon. Each connection
// gets its own dispatch.Dispatcher; the gateway's job is transport only:
// decode inbound JSON frames onto the loop, pump outbound frames back, and
// sever the connection when the dispatcher rules a protocol violation.
package gateway

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/srg/bluegate/dispatch"
	"github.com/srg/bluegate/internal/bluetooth"
)

// SelectionRecorder journals resolved device selections. Implementations must
// not block the caller; the gateway invokes it on the adapter loop.
type SelectionRecorder interface {
	RecordSelection(origin, address, name string)
}

// Server accepts websocket clients and binds each to a dispatcher. The
// clients map is concurrent: the HTTP accept goroutines insert while the loop
// and Close read.
type Server struct {
	log      *logrus.Logger
	loop     *bluetooth.Loop
	mgr      *bluetooth.AdapterManager
	dcfg     dispatch.Config
	recorder SelectionRecorder

	nextID  atomic.Uint64
	clients *hashmap.Map[uint64, *Client]
	closed  atomic.Bool
}

// NewServer wires the boundary onto a shared manager and loop. recorder may
// be nil when no grants journal is configured.
func NewServer(loop *bluetooth.Loop, mgr *bluetooth.AdapterManager, dcfg dispatch.Config, recorder SelectionRecorder, logger *logrus.Logger) *Server {
	return &Server{
		log:      logger,
		loop:     loop,
		mgr:      mgr,
		dcfg:     dcfg,
		recorder: recorder,
		clients:  hashmap.New[uint64, *Client](),
	}
}

// ServeHTTP upgrades the request and serves the client until it disconnects
// or is terminated. Origin is recorded for identification, not enforced: URL
// policy is outside this layer.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.WithError(err).Debug("websocket accept failed")
		return
	}
	if s.closed.Load() {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	conn.SetReadLimit(maxFrameSize)

	origin := r.RemoteAddr
	if o := r.Header.Get("Origin"); o != "" {
		origin = o + " (" + r.RemoteAddr + ")"
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		id:     s.nextID.Add(1),
		log:    s.log,
		server: s,
		loop:   s.loop,
		conn:   conn,
		origin: origin,
		out:    bluetooth.NewRingChannel[dispatch.Frame](outboundQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	s.clients.Set(c.id, c)
	s.log.WithFields(logrus.Fields{"client": c.id, "origin": origin}).Info("client connected")

	// The dispatcher is created on the loop before the read pump posts its
	// first request, so Handle never sees a nil dispatcher.
	s.loop.Post(func() {
		c.disp = dispatch.NewDispatcher(s.loop, s.mgr, c, s.dcfg, s.log)
	})

	go c.writePump()
	c.readPump()
}

// ClientCount reports the number of connected clients.
func (s *Server) ClientCount() int {
	return s.clients.Len()
}

// Close severs every client; new connections are refused afterwards.
func (s *Server) Close() {
	s.closed.Store(true)
	s.clients.Range(func(_ uint64, c *Client) bool {
		c.shutdown(websocket.StatusGoingAway, "server shutting down")
		return true
	})
}

func (s *Server) dropClient(c *Client) {
	if s.clients.Del(c.id) {
		s.log.WithFields(logrus.Fields{"client": c.id, "origin": c.origin}).Info("client disconnected")
	}
}
