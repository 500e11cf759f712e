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


package cmd

import (
	"gvisor.dev/reasm/pkg/metric"
	"gvisor.dev/reasm/pkg/tcpip"
	"gvisor.dev/reasm/pkg/tcpip/network/ipv4"
)

func counter(c *tcpip.StatCounter) func(...string) uint64 {
	return func(...string) uint64 { return c.Value() }
}

// newRegistry registers the counters and gauges of ep.
func newRegistry(ep *ipv4.Endpoint) *metric.Registry {
	r := metric.NewRegistry()
	stats := ep.Stats()
	frag := ep.Fragmentation()

	r.MustRegisterCustomUint64Metric("/reasm/ip/packets_received", true, "IPv4 packets received.", counter(stats.IP.PacketsReceived))
	r.MustRegisterCustomUint64Metric("/reasm/ip/packets_delivered", true, "Whole IPv4 datagrams delivered.", counter(stats.IP.PacketsDelivered))
	r.MustRegisterCustomUint64Metric("/reasm/ip/malformed_packets_received", true, "IPv4 packets dropped for a bad header or checksum.", counter(stats.IP.MalformedPacketsReceived))
	r.MustRegisterCustomUint64Metric("/reasm/ip/malformed_fragments_received", true, "IPv4 fragments dropped for bad offsets or lengths.", counter(stats.IP.MalformedFragmentsReceived))

	rs := stats.IP.Reassembly
	r.MustRegisterCustomUint64Metric("/reasm/reassembly/requested", true, "Fragments offered to reassembly.", counter(rs.Requested))
	r.MustRegisterCustomUint64Metric("/reasm/reassembly/succeeded", true, "Datagrams reassembled.", counter(rs.Succeeded))
	r.MustRegisterCustomUint64Metric("/reasm/reassembly/failed", true, "Fragments dropped by reassembly.", counter(rs.Failed))
	r.MustRegisterCustomUint64Metric("/reasm/reassembly/released", true, "Incomplete datagrams discarded, by reason.", func(fields ...string) uint64 {
		switch fields[0] {
		case "timeout":
			return rs.TimedOut.Value()
		case "evicted":
			return rs.Evicted.Value()
		default:
			return 0
		}
	}, metric.NewField("reason", []string{"timeout", "evicted"}))
	r.MustRegisterCustomUint64Metric("/reasm/reassembly/memory_bytes", false, "Bytes charged to reassembly.", func(...string) uint64 {
		return uint64(frag.MemoryInUse())
	})
	r.MustRegisterCustomUint64Metric("/reasm/reassembly/queues", false, "Datagrams being reassembled.", func(...string) uint64 {
		return uint64(frag.QueueCount())
	})
	r.MustRegisterCustomUint64Metric("/reasm/reassembly/limit_bytes", false, "Reassembly memory limits.", func(fields ...string) uint64 {
		high, low, _ := frag.Limits()
		if fields[0] == "high" {
			return uint64(high)
		}
		return uint64(low)
	}, metric.NewField("watermark", []string{"high", "low"}))

	r.MustRegisterCustomUint64Metric("/reasm/icmp/time_exceeded_sent", true, "ICMP reassembly timeout messages sent.", counter(stats.ICMP.TimeExceededSent))
	r.MustRegisterCustomUint64Metric("/reasm/icmp/rate_limited", true, "ICMP messages suppressed by the rate limiter.", counter(stats.ICMP.RateLimited))
	r.MustRegisterCustomUint64Metric("/reasm/icmp/send_errors", true, "ICMP messages that could not be written.", counter(stats.ICMP.SendErrors))
	return r
}
