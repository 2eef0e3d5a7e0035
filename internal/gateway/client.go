package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	// Size of the per-client send buffer. A client that cannot drain this
	// is slower than the market and gets disconnected, not buffered.
	sendBufferSize = 256

	// Consecutive full-buffer drops before a client is cut off.
	slowClientStrikes = 3

	// Inbound message rate limit: sustained 10/sec with a burst of 100.
	inboundRateLimit = 10
	inboundRateBurst = 100
)

// Client is one downstream websocket connection. It implements
// registry.Subscriber so the fan-out path never touches gateway types.
type Client struct {
	id          string
	conn        net.Conn
	server      *Server
	send        chan []byte
	limiter     *rate.Limiter
	connectedAt time.Time

	strikes   int32
	closeOnce sync.Once
	dropping  int32
}

func newClient(conn net.Conn, server *Server) *Client {
	return &Client{
		id:          uuid.NewString(),
		conn:        conn,
		server:      server,
		send:        make(chan []byte, sendBufferSize),
		limiter:     rate.NewLimiter(rate.Limit(inboundRateLimit), inboundRateBurst),
		connectedAt: time.Now(),
	}
}

func (c *Client) ID() string { return c.id }

// Enqueue queues one serialized message without blocking. A full buffer
// counts a strike; three consecutive strikes disconnect the client from a
// separate goroutine so the fan-out path never stalls.
func (c *Client) Enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		atomic.StoreInt32(&c.strikes, 0)
		return true
	default:
		if atomic.AddInt32(&c.strikes, 1) >= slowClientStrikes {
			if atomic.CompareAndSwapInt32(&c.dropping, 0, 1) {
				go c.server.disconnectClient(c, "slow_client")
			}
		}
		return false
	}
}

func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}
