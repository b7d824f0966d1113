package hbnet

import (
	"net/netip"

	"github.com/hapulse/hapulse/pkg/wire"
)

// MessageType tags the payload kind of a datagram. It travels as the leading
// 4 bytes of every message.
type MessageType uint32

const (
	// Heartbeat is the only message type spoken today; the registry leaves
	// room for more.
	Heartbeat MessageType = 0
)

// Request is a received datagram with the type tag already consumed.
type Request struct {
	Type MessageType
	Body []byte
	From netip.AddrPort
}

// Response accumulates the reply payload for a request. A response with no
// body set produces no reply datagram.
type Response struct {
	buf []byte
}

// SetBody packs the type tag followed by rec into the response buffer.
func (r *Response) SetBody(t MessageType, rec wire.Packable) {
	r.buf = Marshal(t, rec)
}

// Empty reports whether a body has been set.
func (r *Response) Empty() bool {
	return len(r.buf) == 0
}

// Bytes returns the packed reply, or nil if none was set.
func (r *Response) Bytes() []byte {
	return r.buf
}

// Marshal packs the 4-byte type tag followed by rec.
func Marshal(t MessageType, rec wire.Packable) []byte {
	p := wire.NewPacker(wire.SizeInt(0) + rec.PackedSize(wire.SizeInt(0)))
	p.PackInt(int32(t))
	rec.Pack(p)
	return p.Bytes()
}

// Handler processes a request and optionally fills in a reply.
type Handler func(req *Request, resp *Response)

// Registry maps message types to handlers. It is populated before the server
// starts and read-only afterwards.
type Registry struct {
	handlers map[MessageType]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[MessageType]Handler)}
}

// Register installs the handler for t, replacing any previous one.
func (r *Registry) Register(t MessageType, h Handler) {
	r.handlers[t] = h
}

// Dispatch invokes the handler for the request's type and returns the
// response. Requests with no registered handler are dropped and (nil, false)
// is returned.
func (r *Registry) Dispatch(req *Request) (*Response, bool) {
	h, ok := r.handlers[req.Type]
	if !ok {
		return nil, false
	}
	var resp Response
	h(req, &resp)
	return &resp, true
}
