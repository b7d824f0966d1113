package cluster

import (
	"github.com/rs/zerolog"

	"github.com/hapulse/hapulse/pkg/hbnet"
	"github.com/hapulse/hapulse/pkg/hostname"
	"github.com/hapulse/hapulse/pkg/wire"
)

// Service is the heartbeat protocol layer: it turns cluster state into
// request headers and inbound datagrams into cluster updates.
type Service struct {
	cluster *Cluster
	log     zerolog.Logger
}

// NewService creates the heartbeat service for c.
func NewService(c *Cluster, log zerolog.Logger) *Service {
	return &Service{cluster: c, log: log}
}

// Register installs the heartbeat handler on reg. The registry is handed to
// the transport by the caller; the service never touches process globals.
func (s *Service) Register(reg *hbnet.Registry) {
	reg.Register(hbnet.Heartbeat, s.onHeartbeatRequest)
}

// SendHeartbeatRequest sends a single heartbeat request to dest.
func (s *Service) SendHeartbeatRequest(dest hostname.Name) error {
	return s.cluster.SendHeartbeatRequest(dest)
}

// onHeartbeatRequest decodes the header, applies it to the cluster, and, for
// accepted requests, fills the response with this node's current state. The
// reply must always be sent for accepted requests (unless the node is hiding
// to demote): an unreplied request would let two nodes each believe they are
// master during a transient partition.
func (s *Service) onHeartbeatRequest(req *hbnet.Request, resp *hbnet.Response) {
	var hdr Header
	if err := hdr.Unpack(wire.NewUnpacker(req.Body)); err != nil {
		s.log.Debug().
			Err(err).
			Stringer("from", req.From).
			Msg("drop malformed heartbeat")
		return
	}

	accepted := s.cluster.OnHeartbeat(&hdr, req.From.Addr())

	if accepted && hdr.IsRequest && !s.cluster.HideToDemote() {
		reply := s.cluster.BuildHeader(false, hdr.Orig)
		resp.SetBody(hbnet.Heartbeat, &reply)
	}
}
