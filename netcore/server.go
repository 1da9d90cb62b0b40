package netcore

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/bchhub/hub/util/panics"
)

const sessionGracePeriod = 4 * time.Second

// RouterInitializer builds the message handler wiring for a freshly
// accepted or dialed connection.
type RouterInitializer func(c *Connection)

// Server listens for inbound API connections, dials outbound ones, and
// owns the shared NetProtect, connection registry, and recycled-outbound
// free list.
type Server struct {
	protect *NetProtect

	spawn func(func())

	routerInitializer RouterInitializer

	listeners []net.Listener

	mu          sync.Mutex
	connections map[uint64]*Connection
	hasSession  map[uint64]time.Time // connection id -> time it was registered, for the reap grace period
	freeList    []*Connection

	nextID uint64 // atomic

	stop uint32 // atomic
}

// NewServer returns a Server backed by the given NetProtect.
func NewServer(protect *NetProtect) *Server {
	wrap := panics.GoroutineWrapperFunc(log)
	return &Server{
		protect:     protect,
		spawn:       wrap,
		connections: make(map[uint64]*Connection),
		hasSession:  make(map[uint64]time.Time),
	}
}

// SetRouterInitializer installs the per-connection wiring callback.
func (s *Server) SetRouterInitializer(f RouterInitializer) { s.routerInitializer = f }

// Listen binds addr and starts accepting inbound connections on it.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "netcore: listening on %s", addr)
	}
	s.listeners = append(s.listeners, ln)
	s.spawn(func() { s.acceptLoop(ln) })
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for atomic.LoadUint32(&s.stop) == 0 {
		conn, err := ln.Accept()
		if err != nil {
			if atomic.LoadUint32(&s.stop) != 0 {
				return
			}
			log.Warnf("netcore: accept on %s failed: %s", ln.Addr(), err)
			continue
		}

		host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
		ip := net.ParseIP(host)
		if err != nil || ip == nil || !s.protect.ShouldAccept(ip, time.Now()) {
			_ = conn.Close()
			continue
		}

		s.registerInbound(conn)
	}
}

func (s *Server) registerInbound(conn net.Conn) {
	id := atomic.AddUint64(&s.nextID, 1)
	c := NewConnection(id, conn, false, "")

	s.mu.Lock()
	s.connections[id] = c
	s.mu.Unlock()

	if s.routerInitializer != nil {
		s.routerInitializer(c)
	}
	c.Start(s.spawn)

	s.spawn(func() {
		<-c.Stopped()
		s.unregister(id)
	})
}

// Dial establishes an outbound connection, recycling a connection object
// from the free list when one is available (spec §4.D.5).
func (s *Server) Dial(addr string) (*Connection, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "netcore: dialing %s", addr)
	}

	c := s.takeFromFreeList()
	if c != nil {
		c.Reset(conn, addr)
	} else {
		id := atomic.AddUint64(&s.nextID, 1)
		c = NewConnection(id, conn, true, addr)
	}

	s.mu.Lock()
	s.connections[c.ID()] = c
	s.mu.Unlock()

	if s.routerInitializer != nil {
		s.routerInitializer(c)
	}
	c.ResetReconnectBackoff()
	c.Start(s.spawn)

	s.spawn(func() { s.watchOutbound(c, addr) })

	return c, nil
}

// watchOutbound waits for c to disconnect and, unless the server is
// shutting down, reschedules a reconnect with backoff and recycles c
// onto the free list per spec §4.D.1/§4.D.5.
func (s *Server) watchOutbound(c *Connection, addr string) {
	<-c.Stopped()
	s.unregister(c.ID())

	if atomic.LoadUint32(&s.stop) != 0 {
		return
	}

	s.mu.Lock()
	s.freeList = append(s.freeList, c)
	s.mu.Unlock()

	delay := c.NextReconnectDelay()
	time.AfterFunc(delay, func() {
		if atomic.LoadUint32(&s.stop) != 0 {
			return
		}
		if _, err := s.Dial(addr); err != nil {
			log.Warnf("netcore: reconnect to %s failed: %s", addr, err)
		}
	})
}

func (s *Server) takeFromFreeList() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.freeList)
	if n == 0 {
		return nil
	}
	c := s.freeList[n-1]
	s.freeList = s.freeList[:n-1]
	return c
}

func (s *Server) unregister(id uint64) {
	s.mu.Lock()
	delete(s.connections, id)
	delete(s.hasSession, id)
	s.mu.Unlock()
}

// NoteSessionRegistered records that connection id now has a session
// attached, exempting it from reapIdleSessions's grace-period check.
func (s *Server) NoteSessionRegistered(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasSession[id] = time.Now()
}

// reapIdleSessions logs (at debug level) any connection that is still
// open sessionGracePeriod after being accepted without ever registering a
// session, per the Hub's APIServer::onTimer and SUPPLEMENTED FEATURES #5.
// It does not itself disconnect the connection; the ordinary idle-timeout
// watchdog still owns that.
func (s *Server) reapIdleSessions() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.connections {
		if _, hasSession := s.hasSession[id]; hasSession {
			continue
		}
		if now.Sub(connectionRegisteredAt(c)) > sessionGracePeriod {
			log.Debugf("netcore: connection %d (%s) has no session %s after accept", id, c.Addr(), sessionGracePeriod)
		}
	}
}

// StartSessionReaper runs reapIdleSessions on a low-frequency tick until
// the server stops.
func (s *Server) StartSessionReaper(interval time.Duration, stopCh <-chan struct{}) {
	s.spawn(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				s.reapIdleSessions()
			}
		}
	})
}

// connectionRegisteredAt approximates a connection's accept time via its
// idle watchdog's last-received timestamp when no session has registered
// yet (no message implies no time has passed since accept).
func connectionRegisteredAt(c *Connection) time.Time {
	return c.lastPingReceived.Load().(time.Time)
}

// Stop closes every listener and open connection.
func (s *Server) Stop() error {
	if !atomic.CompareAndSwapUint32(&s.stop, 0, 1) {
		return errors.New("netcore: server stopped more than once")
	}
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return nil
}

// PunishConnection applies ban/flood-protection punishment points to the
// remote IP behind c, per spec §4.D.4's punishNode.
func (s *Server) PunishConnection(c *Connection, points int) {
	host, _, err := net.SplitHostPort(c.Addr())
	if err != nil {
		return
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return
	}
	s.protect.Punish(ip, points, time.Now())
}
