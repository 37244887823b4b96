package testutil

import (
	"context"
	"net"
	"sync"

	"golang.org/x/xerrors"
)

type Addr struct {
	network string
	addr    string
}

func (a Addr) Network() string {
	return a.network
}

func (a Addr) String() string {
	return a.addr
}

// InProcNet is an in-memory network of net.Pipe connections. It satisfies
// the dialer interface the proxy uses to reach upstream servers, so tests can
// stand up fake origins by name.
type InProcNet struct {
	sync.Mutex

	listeners map[string]*inProcListener
	dials     map[string]int
}

type inProcListener struct {
	c chan net.Conn
	n *InProcNet
	a Addr
	o sync.Once
}

func NewInProcNet() *InProcNet {
	return &InProcNet{
		listeners: make(map[string]*inProcListener),
		dials:     make(map[string]int),
	}
}

func (n *InProcNet) Listen(address string) (net.Listener, error) {
	n.Lock()
	defer n.Unlock()
	if _, ok := n.listeners[address]; ok {
		return nil, xerrors.Errorf("%s: busy", address)
	}
	l := &inProcListener{
		c: make(chan net.Conn),
		n: n,
		a: Addr{network: "inproc", addr: address},
	}
	n.listeners[address] = l
	return l, nil
}

func (n *InProcNet) DialContext(ctx context.Context, _, address string) (net.Conn, error) {
	n.Lock()
	defer n.Unlock()
	n.dials[address]++
	l, ok := n.listeners[address]
	if !ok {
		return nil, xerrors.Errorf("nothing listening on %s", address)
	}
	x, y := net.Pipe()
	select {
	case <-ctx.Done():
		_ = x.Close()
		_ = y.Close()
		return nil, ctx.Err()
	case l.c <- x:
		return y, nil
	}
}

// Dials reports how many dials were attempted to address.
func (n *InProcNet) Dials(address string) int {
	n.Lock()
	defer n.Unlock()
	return n.dials[address]
}

func (l *inProcListener) Accept() (net.Conn, error) {
	c, ok := <-l.c
	if !ok {
		return nil, net.ErrClosed
	}
	return c, nil
}

func (l *inProcListener) Close() error {
	l.o.Do(func() {
		l.n.Lock()
		defer l.n.Unlock()
		delete(l.n.listeners, l.a.addr)
		close(l.c)
	})
	return nil
}

func (l *inProcListener) Addr() net.Addr {
	return l.a
}
