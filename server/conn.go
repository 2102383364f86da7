package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"hapkit/attrdb"
	"hapkit/crypto/ipsession"
	"hapkit/event"
	"hapkit/pairing"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

type listener struct {
	net.Listener
	srv *Server
}

func (l listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	sc := &serverConn{
		Conn: c,
		raw:  c,
		id:   uuid.NewString(),
		srv:  l.srv,
		vs:   pairing.NewVerifySession(l.srv.device, l.srv.pairings),
		done: make(chan struct{}),
	}
	l.srv.track(sc, true)
	glog.V(1).Infof("%s: accepted %s", sc.id, c.RemoteAddr())
	return sc, nil
}

// serverConn is an accessory connection. It starts in plaintext and switches
// to an encrypted session at the first idle point after pair-verify.
type serverConn struct {
	net.Conn
	raw net.Conn
	id  string
	srv *Server
	vs  *pairing.VerifySession

	nextConn net.Conn
	nextPeer *pairing.PairInfo

	// early holds ciphertext read from raw after Upgrade but before the
	// switch at idle, for the encrypted session to consume first.
	earlyMu   sync.Mutex
	upgrading bool
	early     bytes.Buffer

	mu   sync.Mutex
	peer *pairing.PairInfo

	// msg is held while an HTTP exchange is in progress so events are only
	// written between exchanges.
	msg    sync.Mutex
	active bool

	closeOnce sync.Once
	done      chan struct{}
}

func (c *serverConn) RemoteIdentity() string {
	host, _, err := net.SplitHostPort(c.raw.RemoteAddr().String())
	if err != nil {
		return c.raw.RemoteAddr().String()
	}
	return host
}

// Upgrade wraps the raw connection with a fresh session, so counters always
// start at zero.
func (c *serverConn) Upgrade(peer *pairing.PairInfo, sharedSecret []byte) {
	c.nextConn = ipsession.NewEncryptedConn(replayConn{Conn: c.raw, c: c}, sharedSecret)
	c.nextPeer = peer
	c.earlyMu.Lock()
	c.upgrading = true
	c.earlyMu.Unlock()
}

// Read diverts bytes that arrive on the plaintext connection once an upgrade
// is pending: net/http's background read may pick up the start of the
// controller's first encrypted request before the switch.
func (c *serverConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n == 0 || c.Conn != c.raw {
		return n, err
	}
	c.earlyMu.Lock()
	defer c.earlyMu.Unlock()
	if !c.upgrading {
		return n, err
	}
	c.early.Write(b[:n])
	return 0, err
}

// replayConn is the raw connection as seen by the encrypted session.
type replayConn struct {
	net.Conn
	c *serverConn
}

func (r replayConn) Read(b []byte) (int, error) {
	r.c.earlyMu.Lock()
	if r.c.early.Len() > 0 {
		n, _ := r.c.early.Read(b)
		r.c.earlyMu.Unlock()
		return n, nil
	}
	r.c.earlyMu.Unlock()
	return r.Conn.Read(b)
}

func (c *serverConn) Peer() (*pairing.PairInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer, c.peer != nil
}

func (c *serverConn) Authenticated() bool {
	_, ok := c.Peer()
	return ok
}

func (c *serverConn) HandleStateChange(s http.ConnState) {
	switch s {
	case http.StateActive:
		c.msg.Lock()
		c.active = true
	case http.StateIdle:
		if c.nextConn != nil {
			c.Conn = c.nextConn
			c.nextConn = nil
			c.earlyMu.Lock()
			c.upgrading = false
			c.earlyMu.Unlock()
			c.mu.Lock()
			first := c.peer == nil
			c.peer = c.nextPeer
			c.mu.Unlock()
			c.nextPeer = nil
			glog.Infof("%s: upgraded connection for %s", c.id, c.peer.PairingID)
			if first {
				go c.deliverEvents(c.srv.dispatcher.Register(c.id))
			}
		}
		c.release()
	case http.StateClosed, http.StateHijacked:
		c.release()
		c.closeOnce.Do(func() {
			close(c.done)
			c.srv.setup.Abort(c)
			c.srv.dispatcher.Unregister(c.id)
			c.srv.track(c, false)
			glog.V(1).Infof("%s: closed", c.id)
		})
	}
}

func (c *serverConn) release() {
	if c.active {
		c.active = false
		c.msg.Unlock()
	}
}

// closeAfterExchange closes the connection once the exchange in progress,
// if any, has been answered.
func (c *serverConn) closeAfterExchange() {
	go func() {
		c.msg.Lock()
		defer c.msg.Unlock()
		c.raw.Close()
	}()
}

func (c *serverConn) deliverEvents(q *event.Queue) {
	for {
		select {
		case <-c.done:
			return
		case <-q.Wake():
		}
		evs := q.Drain()
		if len(evs) == 0 {
			continue
		}
		if err := c.writeEvents(evs); err != nil {
			glog.Warningf("%s: event delivery: %v", c.id, err)
			return
		}
	}
}

func (c *serverConn) writeEvents(evs []event.Event) error {
	resp := attrdb.Response{Characteristics: make([]*attrdb.Characteristic, len(evs))}
	for i, e := range evs {
		resp.Characteristics[i] = &attrdb.Characteristic{AID: e.AID, IID: e.IID, Value: e.Value}
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "EVENT/1.0 200 OK\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n", contentTypeJSON, len(body))
	buf.Write(body)

	c.msg.Lock()
	defer c.msg.Unlock()
	select {
	case <-c.done:
		return nil
	default:
	}
	glog.V(2).Infof("%s: event %s", c.id, body)
	_, err = c.Write(buf.Bytes())
	return err
}
