// Command hapulse-probe sends a single heartbeat request to a hapulse node
// and prints the reply.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/hapulse/hapulse/pkg/cluster"
	"github.com/hapulse/hapulse/pkg/hbnet"
	"github.com/hapulse/hapulse/pkg/hostname"
	"github.com/hapulse/hapulse/pkg/wire"
)

var opt struct {
	Port    int
	Group   string
	Orig    string
	Timeout time.Duration
	Help    bool
}

func init() {
	pflag.IntVarP(&opt.Port, "port", "p", 59901, "Heartbeat UDP port")
	pflag.StringVarP(&opt.Group, "group", "g", "", "Group id to claim")
	pflag.StringVarP(&opt.Orig, "orig", "o", "", "Hostname to claim as sender (default: local hostname)")
	pflag.DurationVarP(&opt.Timeout, "timeout", "t", time.Second*3, "Amount of time to wait for a response")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() != 1 || opt.Help {
		fmt.Printf("usage: %s [options] host\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	dest := hostname.Name(pflag.Arg(0))

	orig := hostname.Name(opt.Orig)
	if orig == "" {
		h, err := hostname.Local()
		if err != nil {
			fmt.Fprintf(os.Stderr, "fatal: find local hostname: %v\n", err)
			os.Exit(2)
		}
		orig = h
	}

	addr, err := dest.ResolveUDP(uint16(opt.Port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: resolve %s: %v\n", dest, err)
		os.Exit(2)
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	hdr := cluster.Header{
		IsRequest: true,
		State:     cluster.StateUnknown,
		GroupID:   opt.Group,
		Orig:      orig,
		Dest:      dest,
	}
	if _, err := conn.WriteToUDPAddrPort(hbnet.Marshal(hbnet.Heartbeat, &hdr), addr); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: send heartbeat: %v\n", err)
		os.Exit(1)
	}

	conn.SetReadDeadline(time.Now().Add(opt.Timeout))

	buf := make([]byte, hbnet.BufferSize)
	n, from, err := conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: no reply: %v\n", dest, err)
		os.Exit(1)
	}

	u := wire.NewUnpacker(buf[:n])
	if tag, err := u.Int(); err != nil || hbnet.MessageType(tag) != hbnet.Heartbeat {
		fmt.Fprintf(os.Stderr, "%s: unexpected reply from %s\n", dest, from)
		os.Exit(1)
	}
	var reply cluster.Header
	if err := reply.Unpack(u); err != nil {
		fmt.Fprintf(os.Stderr, "%s: malformed reply from %s: %v\n", dest, from, err)
		os.Exit(1)
	}

	fmt.Printf("%s: state=%s group=%s orig=%s\n", dest, reply.State, reply.GroupID, reply.Orig)
}
