package engine

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgelink/gwsock/internal/poller"
	"github.com/edgelink/gwsock/internal/status"
)

// testClient records end events in order and lets each test script the
// begin events through hooks.
type testClient struct {
	props Properties

	beginSend   func(ev *Event)
	beginRecv   func(ev *Event)
	beginAccept func(ev *Event)

	mu     sync.Mutex
	events []Event
	evCh   chan Event
}

func newTestClient(props Properties) *testClient {
	return &testClient{props: props, evCh: make(chan Event, 32)}
}

func (c *testClient) Properties() *Properties { return &c.props }

func (c *testClient) OnEvent(ev *Event) {
	switch ev.Kind {
	case EventBeginSend:
		if c.beginSend != nil {
			c.beginSend(ev)
		}
	case EventBeginRecv:
		if c.beginRecv != nil {
			c.beginRecv(ev)
		}
	case EventBeginAccept:
		if c.beginAccept != nil {
			c.beginAccept(ev)
		}
	default:
		c.mu.Lock()
		c.events = append(c.events, *ev)
		c.mu.Unlock()
		c.evCh <- *ev
	}
}

// waitKind reads events until one of the wanted kind arrives, skipping
// everything else.
func (c *testClient) waitKind(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.evCh:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

// eventOrder returns the recorded positions of two kinds (-1 if absent).
func (c *testClient) eventOrder(a, b EventKind) (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ia, ib := -1, -1
	for i, ev := range c.events {
		if ev.Kind == a && ia < 0 {
			ia = i
		}
		if ev.Kind == b && ib < 0 {
			ib = i
		}
	}
	return ia, ib
}

func mustPoller(t *testing.T) *poller.Poller {
	t.Helper()
	p, err := poller.New(2)
	if err != nil {
		t.Fatalf("poller.New: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func assertQuiescent(t *testing.T, s *Socket) {
	t.Helper()
	if n := s.openOp.pending.Load(); n != 0 {
		t.Errorf("open op pending = %d after close", n)
	}
	if n := s.sendOp.pending.Load(); n != 0 {
		t.Errorf("send op pending = %d after close", n)
	}
	if n := s.recvOp.pending.Load(); n != 0 {
		t.Errorf("recv op pending = %d after close", n)
	}
	if s.fd() >= 0 {
		t.Error("descriptor still valid after close")
	}
}

func loopbackProps(typ SockType, flags PropFlags, port uint16) Properties {
	return Properties{
		Family: FamilyInet4,
		Type:   typ,
		Flags:  flags,
		Addr: AddressSpec{
			Kind: AddrInet4,
			IP:   net.IPv4(127, 0, 0, 1).To4(),
			Port: port,
		},
	}
}

func TestListenerAcceptFlow(t *testing.T) {
	port := mustPoller(t)

	lc := newTestClient(loopbackProps(TypeStream, FlagPassive, 0))
	s, err := New(port, nil, lc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.Open(nil); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if ev := lc.waitKind(t, EventOpened); ev.Status != status.OK {
		t.Fatalf("opened status = %v", ev.Status)
	}
	local := s.LocalAddr()
	if local == nil || local.Port == 0 {
		t.Fatalf("listener local addr = %v", local)
	}

	acceptedClients := make(chan *testClient, 4)
	lc.beginAccept = func(ev *Event) {
		ac := newTestClient(Properties{Type: TypeStream})
		acceptedClients <- ac
		ev.AcceptClient = ac
	}
	if err := s.CanRecv(true); err != nil {
		t.Fatalf("CanRecv: %v", err)
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", local.Port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ev := lc.waitKind(t, EventEndAccept)
	if ev.Status != status.OK || ev.Accepted == nil {
		t.Fatalf("end-accept: status=%v accepted=%v", ev.Status, ev.Accepted)
	}
	peer := ev.Accepted.PeerAddr()
	if peer == nil || peer.Port == 0 {
		t.Fatalf("accepted peer addr = %v", peer)
	}
	if ev.Accepted.Properties().Family != FamilyInet4 {
		t.Fatal("accepted properties not rewritten")
	}

	ac := <-acceptedClients
	if err := ev.Accepted.Close(nil); err != nil {
		t.Fatalf("close accepted: %v", err)
	}
	ac.waitKind(t, EventClosed)
	assertQuiescent(t, ev.Accepted)

	if err := s.Close(nil); err != nil {
		t.Fatalf("close listener: %v", err)
	}
	lc.waitKind(t, EventClosed)
	assertQuiescent(t, s)
}

func TestStreamConnectSuccess(t *testing.T) {
	port := mustPoller(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(time.Second)
		}
	}()
	lport := uint16(ln.Addr().(*net.TCPAddr).Port)

	c := newTestClient(loopbackProps(TypeStream, 0, lport))
	s, err := New(port, nil, c)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.Open(nil); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if ev := c.waitKind(t, EventOpened); ev.Status != status.OK {
		t.Fatalf("opened status = %v", ev.Status)
	}
	if s.LocalAddr() == nil || s.PeerAddr() == nil {
		t.Fatal("local/peer not cached after connect")
	}
	if s.PeerAddr().Port != lport {
		t.Fatalf("peer port = %d, want %d", s.PeerAddr().Port, lport)
	}
	if s.addrs != nil {
		t.Fatal("address list not freed after open")
	}

	s.Close(nil)
	c.waitKind(t, EventClosed)
	assertQuiescent(t, s)
}

// deadPorts returns ports that were just bound and released, so connecting
// to them is refused.
func deadPorts(t *testing.T, n int) []uint16 {
	t.Helper()
	ports := make([]uint16, 0, n)
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		ports = append(ports, uint16(ln.Addr().(*net.TCPAddr).Port))
		ln.Close()
	}
	return ports
}

type stubResolver struct {
	addrs   []AddressSpec
	calls   atomic.Int32
	passive atomic.Bool
}

func (r *stubResolver) Resolve(_ string, _ uint16, _ Family, passive bool) ([]AddressSpec, error) {
	r.calls.Add(1)
	r.passive.Store(passive)
	return r.addrs, nil
}

func TestConnectCascadeExhaustsAddresses(t *testing.T) {
	port := mustPoller(t)

	var specs []AddressSpec
	for _, p := range deadPorts(t, 3) {
		specs = append(specs, AddressSpec{
			Kind: AddrInet4,
			IP:   net.IPv4(127, 0, 0, 1).To4(),
			Port: p,
		})
	}
	res := &stubResolver{addrs: specs}

	c := newTestClient(Properties{
		Family: FamilyInet4,
		Type:   TypeStream,
		Addr:   AddressSpec{Kind: AddrName, Host: "unreachable.test", Port: 1},
	})
	s, err := New(port, res, c)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.Open(nil); err != nil {
		t.Fatalf("Open: %v", err)
	}
	ev := c.waitKind(t, EventOpened)
	if ev.Status != status.Connecting {
		t.Fatalf("opened status = %v, want connecting", ev.Status)
	}
	if res.calls.Load() != 1 || res.passive.Load() {
		t.Fatalf("resolver calls=%d passive=%v", res.calls.Load(), res.passive.Load())
	}
	if s.addrs != nil {
		t.Fatal("address list not freed after exhausted cascade")
	}

	s.Close(nil)
	c.waitKind(t, EventClosed)
	assertQuiescent(t, s)
}

func TestEmptyResolutionFailsWithConnecting(t *testing.T) {
	port := mustPoller(t)
	res := &stubResolver{}

	c := newTestClient(Properties{
		Family: FamilyInet4,
		Type:   TypeStream,
		Addr:   AddressSpec{Kind: AddrName, Host: "nowhere.test", Port: 1},
	})
	s, _ := New(port, res, c)
	s.Open(nil)

	if ev := c.waitKind(t, EventOpened); ev.Status != status.Connecting {
		t.Fatalf("opened status = %v, want connecting", ev.Status)
	}
	s.Close(nil)
	c.waitKind(t, EventClosed)
}

func TestSendThenCloseOrdering(t *testing.T) {
	port := mustPoller(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			buf := make([]byte, 256)
			for {
				if _, err := conn.Read(buf); err != nil {
					return
				}
			}
		}
	}()

	c := newTestClient(loopbackProps(TypeStream, 0, uint16(ln.Addr().(*net.TCPAddr).Port)))
	s, _ := New(port, nil, c)
	s.Open(nil)
	if ev := c.waitKind(t, EventOpened); ev.Status != status.OK {
		t.Fatalf("opened status = %v", ev.Status)
	}

	supplied := make(chan struct{})
	var once sync.Once
	payload := make([]byte, 100)
	c.beginSend = func(ev *Event) {
		once.Do(func() {
			ev.Buf = payload
			close(supplied)
		})
	}

	if err := s.CanSend(true); err != nil {
		t.Fatalf("CanSend: %v", err)
	}
	<-supplied
	s.Close(nil)

	end := c.waitKind(t, EventEndSend)
	switch end.Status {
	case status.OK:
		if end.N != 100 {
			t.Fatalf("end-send n = %d, want 100", end.N)
		}
	case status.Aborted:
	default:
		t.Fatalf("end-send status = %v, want ok or aborted", end.Status)
	}

	c.waitKind(t, EventClosed)
	ia, ib := c.eventOrder(EventEndSend, EventClosed)
	if ia < 0 || ib < 0 || ia > ib {
		t.Fatalf("event order end-send=%d closed=%d, want end-send first", ia, ib)
	}
	assertQuiescent(t, s)
}

func TestRecvDeliversData(t *testing.T) {
	port := mustPoller(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	serverConn := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			serverConn <- conn
		}
	}()

	c := newTestClient(loopbackProps(TypeStream, 0, uint16(ln.Addr().(*net.TCPAddr).Port)))
	s, _ := New(port, nil, c)
	s.Open(nil)
	if ev := c.waitKind(t, EventOpened); ev.Status != status.OK {
		t.Fatalf("opened status = %v", ev.Status)
	}

	var supplies atomic.Int32
	c.beginRecv = func(ev *Event) {
		if supplies.Add(1) <= 1 {
			ev.Buf = make([]byte, 64)
		}
	}
	s.CanRecv(true)

	conn := <-serverConn
	defer conn.Close()
	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("server write: %v", err)
	}

	ev := c.waitKind(t, EventEndRecv)
	if ev.Status != status.OK || ev.N != 5 || string(ev.Buf[:ev.N]) != "hello" {
		t.Fatalf("end-recv: status=%v n=%d buf=%q", ev.Status, ev.N, ev.Buf[:ev.N])
	}

	s.Close(nil)
	c.waitKind(t, EventClosed)
	assertQuiescent(t, s)
}

func TestDatagramSendRecv(t *testing.T) {
	port := mustPoller(t)

	peer, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen packet: %v", err)
	}
	defer peer.Close()
	peerAddr := peer.LocalAddr().(*net.UDPAddr)

	c := newTestClient(loopbackProps(TypeDgram, 0, 0))
	s, _ := New(port, nil, c)
	s.Open(nil)
	if ev := c.waitKind(t, EventOpened); ev.Status != status.OK {
		t.Fatalf("opened status = %v", ev.Status)
	}
	local := s.LocalAddr()
	if local == nil || local.Port == 0 {
		t.Fatalf("dgram local addr = %v", local)
	}

	// Outbound: sendto the peer.
	dest := &AddressSpec{Kind: AddrInet4, IP: peerAddr.IP.To4(), Port: uint16(peerAddr.Port)}
	var sendOnce sync.Once
	c.beginSend = func(ev *Event) {
		sendOnce.Do(func() {
			ev.Buf = []byte("ping")
			ev.Addr = dest
		})
	}
	s.CanSend(true)
	if ev := c.waitKind(t, EventEndSend); ev.Status != status.OK || ev.N != 4 {
		t.Fatalf("end-send: status=%v n=%d", ev.Status, ev.N)
	}

	buf := make([]byte, 64)
	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, from, err := peer.ReadFrom(buf)
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("peer read: %q, %v", buf[:n], err)
	}
	_ = from

	// Inbound: recvfrom carries the source address.
	var recvOnce sync.Once
	c.beginRecv = func(ev *Event) {
		recvOnce.Do(func() { ev.Buf = make([]byte, 64) })
	}
	s.CanRecv(true)
	if _, err := peer.WriteTo([]byte("pong"), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(local.Port)}); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	ev := c.waitKind(t, EventEndRecv)
	if ev.Status != status.OK || string(ev.Buf[:ev.N]) != "pong" {
		t.Fatalf("end-recv: status=%v buf=%q", ev.Status, ev.Buf[:ev.N])
	}
	if ev.Addr == nil || ev.Addr.Port != uint16(peerAddr.Port) {
		t.Fatalf("end-recv source addr = %v, want port %d", ev.Addr, peerAddr.Port)
	}

	s.Close(nil)
	c.waitKind(t, EventClosed)
	assertQuiescent(t, s)
}

func TestCanSendOnClosedSocket(t *testing.T) {
	port := mustPoller(t)
	c := newTestClient(loopbackProps(TypeStream, 0, 1))
	s, _ := New(port, nil, c)

	if err := s.CanSend(true); err != status.Closed {
		t.Fatalf("CanSend before open = %v, want closed", err)
	}
	if err := s.CanSend(false); err != nil {
		t.Fatalf("CanSend(false) = %v, want nil", err)
	}

	s.Close(nil)
	c.waitKind(t, EventClosed)
	if err := s.CanRecv(true); err != status.Closed {
		t.Fatalf("CanRecv after close = %v, want closed", err)
	}
	if err := s.Close(nil); err != status.Closed {
		t.Fatalf("second Close = %v, want closed", err)
	}
}

func TestShutdownSilencesDirection(t *testing.T) {
	port := mustPoller(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		if conn, err := ln.Accept(); err == nil {
			defer conn.Close()
			time.Sleep(time.Second)
		}
	}()

	c := newTestClient(loopbackProps(TypeStream, 0, uint16(ln.Addr().(*net.TCPAddr).Port)))
	s, _ := New(port, nil, c)
	s.Open(nil)
	if ev := c.waitKind(t, EventOpened); ev.Status != status.OK {
		t.Fatalf("opened status = %v", ev.Status)
	}

	if err := s.SetOption(OptShutdown, ShutWrite); err != nil {
		t.Fatalf("shutdown(write): %v", err)
	}

	var solicited atomic.Bool
	c.beginSend = func(ev *Event) { solicited.Store(true) }
	s.CanSend(true)
	time.Sleep(100 * time.Millisecond)
	if solicited.Load() {
		t.Fatal("begin-send solicited on a silenced direction")
	}

	s.Close(nil)
	c.waitKind(t, EventClosed)
	assertQuiescent(t, s)
}

func TestOptionSpecialCases(t *testing.T) {
	port := mustPoller(t)

	lc := newTestClient(loopbackProps(TypeStream, FlagPassive, 0))
	s, _ := New(port, nil, lc)
	s.Open(nil)
	if ev := lc.waitKind(t, EventOpened); ev.Status != status.OK {
		t.Fatalf("opened status = %v", ev.Status)
	}

	if err := s.SetOption(OptNonblocking, 0); err != nil {
		t.Fatalf("nonblocking set should be ignored, got %v", err)
	}
	if v, err := s.GetOption(OptNonblocking); err != nil || v != 1 {
		t.Fatalf("nonblocking get = %d, %v", v, err)
	}
	if err := s.SetOption(OptAcceptConn, 1); err != status.NotSupported {
		t.Fatalf("acceptconn = %v, want not supported", err)
	}
	// A listening socket has no receive queue; the byte-count query fails.
	if _, err := s.GetOption(OptAvailable); err == nil {
		t.Fatal("available on a listener should fail")
	}
	if err := s.SetOption(OptLinger, 5); err != nil {
		t.Fatalf("linger set: %v", err)
	}
	if v, err := s.GetOption(OptLinger); err != nil || v != 5 {
		t.Fatalf("linger get = %d, %v", v, err)
	}
	if err := s.SetOption(OptReuseAddr, 1); err != nil {
		t.Fatalf("reuseaddr: %v", err)
	}

	s.Close(nil)
	lc.waitKind(t, EventClosed)
}

func TestNetResolverEmptyHost(t *testing.T) {
	r := NewNetResolver()

	passive, err := r.Resolve("", 8080, FamilyInet4, true)
	if err != nil || len(passive) != 1 || !passive[0].IP.Equal(net.IPv4zero) {
		t.Fatalf("passive empty host = %v, %v", passive, err)
	}
	active, err := r.Resolve("", 8080, FamilyInet4, false)
	if err != nil || len(active) != 1 || !active[0].IP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("active empty host = %v, %v", active, err)
	}
	if passive[0].Port != 8080 || active[0].Port != 8080 {
		t.Fatal("resolver dropped the port")
	}
}
