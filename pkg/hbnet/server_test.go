package hbnet

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hapulse/hapulse/pkg/wire"
)

// echoRecord is a minimal wire record for transport tests.
type echoRecord struct {
	Text string
}

func (r *echoRecord) PackedSize(offset int) int {
	return wire.SizeString(r.Text, offset)
}

func (r *echoRecord) Pack(p *wire.Packer) {
	p.PackString(r.Text)
}

func (r *echoRecord) Unpack(u *wire.Unpacker) error {
	s, err := u.String()
	if err != nil {
		return err
	}
	r.Text = s
	return nil
}

func startTestServer(t *testing.T, reg *Registry) *Server {
	t.Helper()
	s := NewServer(0, reg, zerolog.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func dialTestServer(t *testing.T, s *Server) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp4", nil, s.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestDispatchAndReply(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Heartbeat, func(req *Request, resp *Response) {
		var rec echoRecord
		if err := rec.Unpack(wire.NewUnpacker(req.Body)); err != nil {
			return
		}
		rec.Text = "re: " + rec.Text
		resp.SetBody(Heartbeat, &rec)
	})
	s := startTestServer(t, reg)
	conn := dialTestServer(t, s)

	if _, err := conn.Write(Marshal(Heartbeat, &echoRecord{Text: "ping"})); err != nil {
		t.Fatalf("send: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, BufferSize)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}

	if binary.LittleEndian.Uint32(buf[:n]) != uint32(Heartbeat) {
		t.Errorf("reply type tag = %v", buf[:4])
	}
	var rec echoRecord
	if err := rec.Unpack(wire.NewUnpacker(buf[4:n])); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if rec.Text != "re: ping" {
		t.Errorf("reply = %q", rec.Text)
	}
}

func TestNoReplyCases(t *testing.T) {
	got := make(chan struct{}, 1)

	reg := NewRegistry()
	reg.Register(Heartbeat, func(req *Request, resp *Response) {
		// no body set: no reply datagram
		got <- struct{}{}
	})
	s := startTestServer(t, reg)
	conn := dialTestServer(t, s)

	// unhandled type: dropped silently
	unknown := make([]byte, 8)
	binary.LittleEndian.PutUint32(unknown, 99)
	if _, err := conn.Write(unknown); err != nil {
		t.Fatalf("send: %v", err)
	}

	// handled, but the handler leaves the response empty
	if _, err := conn.Write(Marshal(Heartbeat, &echoRecord{Text: "x"})); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never invoked")
	}

	conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
	if n, err := conn.Read(make([]byte, BufferSize)); err == nil {
		t.Errorf("got an unexpected %d-byte reply", n)
	}
}

func TestRemoteCallSelf(t *testing.T) {
	got := make(chan string, 1)

	reg := NewRegistry()
	reg.Register(Heartbeat, func(req *Request, resp *Response) {
		var rec echoRecord
		if rec.Unpack(wire.NewUnpacker(req.Body)) == nil {
			got <- rec.Text
		}
	})
	s := startTestServer(t, reg)

	// the loopback address resolves to the server's own bound port, so the
	// datagram comes right back to us
	if err := s.RemoteCall("127.0.0.1", Marshal(Heartbeat, &echoRecord{Text: "loop"})); err != nil {
		t.Fatalf("remote call: %v", err)
	}

	select {
	case text := <-got:
		if text != "loop" {
			t.Errorf("received %q", text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("datagram never arrived")
	}
}

func TestRemoteCallErrors(t *testing.T) {
	s := startTestServer(t, NewRegistry())

	if err := s.RemoteCall("no-such-host.invalid", []byte{0, 0, 0, 0}); err == nil {
		t.Error("remote call to an unresolvable host succeeded")
	}

	s.Stop()
	if err := s.RemoteCall("127.0.0.1", []byte{0, 0, 0, 0}); err != ErrServerClosed {
		t.Errorf("remote call after stop = %v, want ErrServerClosed", err)
	}
}

func TestStop(t *testing.T) {
	s := startTestServer(t, NewRegistry())

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stop did not unblock the receive loop")
	}

	if s.LocalAddr() != nil {
		t.Error("socket still bound after stop")
	}

	// stopping again is a no-op
	s.Stop()
}

func TestMarshalLayout(t *testing.T) {
	b := Marshal(Heartbeat, &echoRecord{Text: "ab"})
	want := []byte{
		0, 0, 0, 0,
		2, 0, 0, 0, 'a', 'b', 0, 0,
	}
	if !bytes.Equal(b, want) {
		t.Errorf("marshal = %v, want %v", b, want)
	}
}
