package cluster

import (
	"github.com/hapulse/hapulse/pkg/hostname"
	"github.com/hapulse/hapulse/pkg/wire"
)

// Header is the sole payload of heartbeat request and response datagrams.
// Every message carries the sender's complete current state, so the protocol
// tolerates arbitrary reorder and loss.
type Header struct {
	IsRequest bool
	State     NodeState
	GroupID   string
	Orig      hostname.Name
	Dest      hostname.Name
}

func (h *Header) PackedSize(offset int) int {
	size := wire.SizeBool(offset)
	size += wire.SizeInt(offset + size)
	size += wire.SizeString(h.GroupID, offset+size)
	size += h.Orig.PackedSize(offset + size)
	size += h.Dest.PackedSize(offset + size)
	return size
}

func (h *Header) Pack(p *wire.Packer) {
	p.PackBool(h.IsRequest)
	p.PackInt(int32(h.State))
	p.PackString(h.GroupID)
	h.Orig.Pack(p)
	h.Dest.Pack(p)
}

func (h *Header) Unpack(u *wire.Unpacker) error {
	var err error
	if h.IsRequest, err = u.Bool(); err != nil {
		return err
	}
	state, err := u.Int()
	if err != nil {
		return err
	}
	h.State = NodeState(state)
	if h.GroupID, err = u.String(); err != nil {
		return err
	}
	if err = h.Orig.Unpack(u); err != nil {
		return err
	}
	return h.Dest.Unpack(u)
}
