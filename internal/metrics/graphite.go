// Package metrics forwards the aggregate rate to external collectors. Every
// sink is best-effort: failures are dropped, never reported to callers.
package metrics

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	GraphiteMetric   = "mqbench.msgrate"
	graphiteAttempts = 5
	graphiteTimeout  = 2 * time.Second
)

// Graphite writes one plaintext-protocol line per sample over a fresh TCP
// connection.
type Graphite struct {
	addr string
	path string
	dial func(network, address string, timeout time.Duration) (net.Conn, error)
}

// NewGraphite returns nil when host is empty, which disables the sink.
func NewGraphite(host string, port int, root string) *Graphite {
	if host == "" {
		return nil
	}

	if root == "" {
		root = "default"
	}

	return &Graphite{
		addr: net.JoinHostPort(host, strconv.Itoa(port)),
		path: root + "." + GraphiteMetric,
		dial: net.DialTimeout,
	}
}

// Line renders a sample in the plaintext protocol.
func (g *Graphite) Line(value float64, ts time.Time) string {
	return fmt.Sprintf("%s %f %d\n", g.path, value, ts.Unix())
}

// Send delivers one sample. Connecting is retried a few times; a failed
// write is not.
func (g *Graphite) Send(value float64, ts time.Time) {
	if g == nil {
		return
	}

	var (
		conn net.Conn
		err  error
	)

	for attempt := 0; attempt < graphiteAttempts; attempt++ {
		conn, err = g.dial("tcp", g.addr, graphiteTimeout)
		if err == nil {
			break
		}
	}

	if err != nil {
		return
	}

	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(graphiteTimeout))
	_, _ = conn.Write([]byte(g.Line(value, ts)))
}
