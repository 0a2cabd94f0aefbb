package registry

import "net"

// WrapListener returns a net.Listener that inserts every accepted
// connection into r as a KindClient socket and removes it when the
// connection is closed, so the outer proxy server's accept loop is
// automatically accounted for by the Socket Registry.
func WrapListener(ln net.Listener, r *Registry) net.Listener {
	return &trackedListener{Listener: ln, registry: r}
}

type trackedListener struct {
	net.Listener
	registry *Registry
}

func (l *trackedListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	id, _ := l.registry.Insert(KindClient, conn)
	return &trackedConn{Conn: conn, registry: l.registry, id: id}, nil
}

type trackedConn struct {
	net.Conn
	registry *Registry
	id       uint64
}

func (c *trackedConn) Close() error {
	c.registry.Remove(c.id)
	return c.Conn.Close()
}
