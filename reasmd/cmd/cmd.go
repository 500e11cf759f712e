// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package cmd holds implementations of the reasmd commands.
package cmd

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/time/rate"
	"gvisor.dev/reasm/pkg/log"
	"gvisor.dev/reasm/pkg/tcpip"
	"gvisor.dev/reasm/pkg/tcpip/network/fragmentation"
	"gvisor.dev/reasm/pkg/tcpip/network/ipv4"
	"gvisor.dev/reasm/pkg/tcpip/stack"
	"gvisor.dev/reasm/reasmd/config"
)

// nicID is the NIC reasmd stamps on the packets it reads.
const nicID tcpip.NICID = 1

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL ERROR: "+format, args...)
	fmt.Fprintf(os.Stderr, "reasmd: "+format+"\n", args...)
	os.Exit(128)
}

// newEndpoint creates the IPv4 endpoint configured by conf. Whole datagrams
// go to dispatcher and ICMP errors to icmp; either may be nil.
func newEndpoint(conf *config.Config, clock tcpip.Clock, dispatcher stack.TransportDispatcher, icmp stack.LinkWriter) *ipv4.Endpoint {
	opts := ipv4.Options{
		Reassembly: fragmentation.Options{
			HighLimit: conf.HighLimit,
			LowLimit:  conf.LowLimit,
			Timeout:   conf.ReassemblyTimeout,
			Clock:     clock,
		},
		Dispatcher: dispatcher,
		Writer:     icmp,
		ICMPLimit:  rate.Limit(conf.ICMPRateLimit),
		ICMPBurst:  conf.ICMPBurst,
	}
	return ipv4.NewEndpoint(opts)
}

// linkDeliverer hands whole datagrams to a link writer.
type linkDeliverer struct {
	w      stack.LinkWriter
	logger log.Logger
	errors tcpip.StatCounter
}

var _ stack.TransportDispatcher = (*linkDeliverer)(nil)

func newLinkDeliverer(w stack.LinkWriter) *linkDeliverer {
	return &linkDeliverer{w: w, logger: log.BasicRateLimitedLogger(time.Second)}
}

// DeliverTransportPacket implements stack.TransportDispatcher.
func (d *linkDeliverer) DeliverTransportPacket(pkt *stack.PacketBuffer) {
	if err := d.w.WritePacket(pkt); err != nil {
		d.errors.Increment()
		d.logger.Warningf("writing reassembled datagram (%d bytes): %v", pkt.Size(), err)
	}
}
