// Package hbnet implements the UDP datagram transport for the heartbeat
// protocol.
package hbnet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/hapulse/hapulse/pkg/hostname"
)

// BufferSize is the receive buffer for a single datagram. Heartbeat headers
// are far smaller; anything longer is truncated by the kernel.
const BufferSize = 4096

var ErrServerClosed = errors.New("hbnet: server closed")

// Server owns a UDP socket bound to INADDR_ANY:port, runs a background
// receive goroutine that dispatches datagrams through a Registry, and sends
// outbound requests from the same socket so source and destination ports stay
// symmetric.
type Server struct {
	port     uint16
	registry *Registry
	log      zerolog.Logger

	mu      sync.Mutex
	conn    *net.UDPConn // bound socket, nil when stopped
	closing bool
	serve   <-chan struct{} // closed when the receive loop exits

	metrics struct {
		rx struct {
			datagrams atomic.Uint64
			invalid   atomic.Uint64
			unhandled atomic.Uint64
		}
		tx struct {
			requests atomic.Uint64
			replies  atomic.Uint64
			errors   atomic.Uint64
		}
	}
}

// NewServer creates a server for port using the given registry. Start must be
// called before any traffic flows.
func NewServer(port uint16, registry *Registry, log zerolog.Logger) *Server {
	return &Server{
		port:     port,
		registry: registry,
		log:      log,
	}
}

// Start binds the socket and launches the receive goroutine. It fails if the
// server is already running or the port cannot be bound.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return fmt.Errorf("hbnet: already started")
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(s.port)})
	if err != nil {
		return fmt.Errorf("bind datagram socket: %w", err)
	}
	if s.port == 0 {
		// keep outbound calls symmetric with whatever port the kernel picked
		s.port = uint16(conn.LocalAddr().(*net.UDPAddr).Port)
	}

	serve := make(chan struct{})
	s.conn = conn
	s.closing = false
	s.serve = serve

	go s.recvLoop(conn, serve)
	return nil
}

// Stop closes the socket, which unblocks the receive loop, and waits for it
// to exit. Stopping an already stopped server is a no-op.
func (s *Server) Stop() {
	var serve <-chan struct{}

	s.mu.Lock()
	if s.conn != nil {
		s.closing = true
		s.conn.Close()
		serve = s.serve
	}
	s.mu.Unlock()

	if serve != nil {
		<-serve
	}
}

// LocalAddr returns the bound address, or nil when stopped.
func (s *Server) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *Server) recvLoop(conn *net.UDPConn, serve chan<- struct{}) {
	defer close(serve)

	for {
		// the buffer can't be reused: request bodies are views into it and
		// handlers may retain them past this iteration
		buf := make([]byte, BufferSize)

		n, addr, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			s.mu.Lock()
			s.conn = nil
			s.mu.Unlock()
			return
		}
		if n == 0 {
			continue
		}
		s.metrics.rx.datagrams.Add(1)

		if n < 4 {
			s.metrics.rx.invalid.Add(1)
			continue
		}
		req := &Request{
			Type: MessageType(binary.LittleEndian.Uint32(buf)),
			Body: buf[4:n],
			From: netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()),
		}

		resp, ok := s.registry.Dispatch(req)
		if !ok {
			s.metrics.rx.unhandled.Add(1)
			continue
		}
		if resp.Empty() {
			continue
		}

		// replies ride the unreliable channel too: a lost one is recovered by
		// the peer's next heartbeat
		if _, err := conn.WriteToUDPAddrPort(resp.Bytes(), addr); err != nil {
			s.metrics.tx.errors.Add(1)
			s.log.Debug().
				Err(err).
				Stringer("to", addr).
				Msg("send reply")
		} else {
			s.metrics.tx.replies.Add(1)
		}
	}
}

// RemoteCall resolves dest and sends payload to dest:port from the bound
// socket.
func (s *Server) RemoteCall(dest hostname.Name, payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	closing := s.closing
	s.mu.Unlock()

	if conn == nil || closing {
		return ErrServerClosed
	}

	addr, err := dest.ResolveUDP(s.port)
	if err != nil {
		s.metrics.tx.errors.Add(1)
		return err
	}

	if _, err := conn.WriteToUDPAddrPort(payload, addr); err != nil {
		s.metrics.tx.errors.Add(1)
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	s.metrics.tx.requests.Add(1)
	return nil
}

// WritePrometheus writes transport metrics to w.
func (s *Server) WritePrometheus(w io.Writer) {
	fmt.Fprintln(w, `hapulse_udp_rx_datagrams_total`, s.metrics.rx.datagrams.Load())
	fmt.Fprintln(w, `hapulse_udp_rx_invalid_total`, s.metrics.rx.invalid.Load())
	fmt.Fprintln(w, `hapulse_udp_rx_unhandled_total`, s.metrics.rx.unhandled.Load())
	fmt.Fprintln(w, `hapulse_udp_tx_requests_total`, s.metrics.tx.requests.Load())
	fmt.Fprintln(w, `hapulse_udp_tx_replies_total`, s.metrics.tx.replies.Load())
	fmt.Fprintln(w, `hapulse_udp_tx_errors_total`, s.metrics.tx.errors.Load())
}
