package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/srg/bluegate/dispatch"
	"github.com/srg/bluegate/internal/bluetooth"
)

const (
	// maxFrameSize bounds one inbound frame. The largest legitimate request
	// is a writeValue carrying 512 bytes of payload (684 base64 characters);
	// everything beyond a small multiple of that is abuse.
	maxFrameSize = 8 * 1024

	// outboundQueueSize is the write pump's ring capacity. A consumer that
	// falls this far behind starts losing the oldest queued frames.
	outboundQueueSize = 128

	// writeTimeout bounds a single websocket write in the write pump.
	writeTimeout = 10 * time.Second

	// violationMalformedFrame is the gateway's own protocol violation: bytes
	// that do not decode as a request frame at all.
	violationMalformedFrame dispatch.Violation = "malformed_frame"
)

// Client is one websocket connection and its dispatcher. It implements
// dispatch.Caller: the dispatcher calls Send and Terminate on the loop, the
// pumps own the socket.
type Client struct {
	id     uint64
	log    *logrus.Logger
	server *Server
	loop   *bluetooth.Loop
	conn   *websocket.Conn
	origin string

	out *bluetooth.RingChannel[dispatch.Frame]

	// disp is set on the loop before the first request is handled and only
	// touched from loop turns.
	disp *dispatch.Dispatcher

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Origin implements dispatch.Caller.
func (c *Client) Origin() string { return c.origin }

// Send implements dispatch.Caller: queue the frame for the write pump without
// ever blocking the loop. Unsolicited value-change events ride the
// drop-oldest path, so a stalled consumer loses intermediate values rather
// than stalling the daemon. Responses are never displaced; a consumer whose
// queue is so far behind that a response cannot even be accepted is dropped
// on the spot, because every other client's dispatching shares this loop.
func (c *Client) Send(f dispatch.Frame) {
	if c.ctx.Err() != nil {
		return
	}
	if f.Op == dispatch.OpValueChanged {
		if c.out.Send(f) {
			c.log.WithFields(logrus.Fields{"client": c.id}).Debug("slow consumer, oldest event dropped")
		}
		return
	}
	if !c.out.TrySend(f) {
		c.log.WithFields(logrus.Fields{"client": c.id, "origin": c.origin}).Warn("write queue full, dropping client")
		c.shutdown(websocket.StatusGoingAway, "write queue stalled")
		return
	}
	if f.Op == dispatch.OpDeviceFound && f.Device != nil && c.server.recorder != nil {
		c.server.recorder.RecordSelection(c.origin, f.Device.ID, f.Device.Name)
	}
}

// Terminate implements dispatch.Caller: the dispatcher ruled the caller
// compromised; close with a policy-violation status and no further frames.
func (c *Client) Terminate(v dispatch.Violation) {
	c.shutdown(websocket.StatusPolicyViolation, string(v))
}

// readPump decodes inbound frames and posts them to the dispatcher. It runs
// on the HTTP handler goroutine and owns connection teardown for reads.
func (c *Client) readPump() {
	defer c.shutdown(websocket.StatusNormalClosure, "")
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		var req dispatch.Request
		if err := json.Unmarshal(data, &req); err != nil {
			// Not even a frame. The dispatcher never sees it; the gateway
			// applies the violation rule itself.
			c.log.WithFields(logrus.Fields{"client": c.id, "origin": c.origin}).
				WithError(err).Warn("undecodable frame, terminating caller")
			c.loop.Post(func() {
				if c.disp != nil {
					c.disp.Close()
				}
			})
			c.shutdown(websocket.StatusPolicyViolation, string(violationMalformedFrame))
			return
		}
		c.loop.Post(func() { c.disp.Handle(req) })
	}
}

// writePump drains the outbound ring onto the socket.
func (c *Client) writePump() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.out.C():
			data, err := json.Marshal(f)
			if err != nil {
				c.log.WithError(err).Error("outbound frame marshal failed")
				continue
			}
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err = c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.shutdown(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}

// shutdown severs the connection once: close the socket with the given
// status, stop both pumps, release the dispatcher on the loop and leave the
// server's registry. The close handshake can stall on the same dead peer
// that caused the shutdown, so it runs off the caller's goroutine; the
// cancel follows the close so the status frame goes out first.
func (c *Client) shutdown(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		go func() {
			c.conn.Close(status, reason)
			c.cancel()
		}()
		c.loop.Post(func() {
			if c.disp != nil {
				c.disp.Close()
			}
		})
		c.server.dropClient(c)
	})
}
