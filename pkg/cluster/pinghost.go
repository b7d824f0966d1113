package cluster

import (
	"errors"
	"os/exec"
	"strconv"
	"time"

	"github.com/hapulse/hapulse/pkg/hostname"
)

// PingResult is the outcome of probing an external reachability witness.
type PingResult int

const (
	PingUnknown     PingResult = -1
	PingSuccess     PingResult = 0
	PingUselessHost PingResult = 1
	PingSysErr      PingResult = 2
	PingFailure     PingResult = 3
)

func (r PingResult) String() string {
	switch r {
	case PingUnknown:
		return "unknown"
	case PingSuccess:
		return "success"
	case PingUselessHost:
		return "useless-host"
	case PingSysErr:
		return "sys-err"
	case PingFailure:
		return "failure"
	default:
		return "invalid"
	}
}

// MarshalText encodes the result by name for JSON output.
func (r PingResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// PingHost is an external host probed to tell local isolation apart from peer
// failure: when no peer heartbeats arrive but a ping host still answers, the
// peers are down, not us.
type PingHost struct {
	Hostname hostname.Name
	Result   PingResult
}

// Ping probes the host once and records the result.
func (h *PingHost) Ping(p Prober) {
	h.Result = p.Probe(h.Hostname)
}

// Successful reports whether the last probe reached the host.
func (h *PingHost) Successful() bool {
	return h.Result == PingSuccess
}

// Prober checks whether a host answers ICMP echo.
type Prober interface {
	Probe(host hostname.Name) PingResult
}

// ExecProber probes by shelling out to ping(8).
type ExecProber struct {
	// Timeout is the per-probe deadline handed to ping -w. Zero means one
	// second.
	Timeout time.Duration
}

func (p ExecProber) Probe(host hostname.Name) PingResult {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	secs := int((timeout + time.Second - 1) / time.Second)

	cmd := exec.Command("ping", "-c", "1", "-w", strconv.Itoa(secs), host.String())
	if err := cmd.Run(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return PingFailure
		}
		return PingSysErr
	}
	return PingSuccess
}
