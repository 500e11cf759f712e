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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"golang.org/x/term"
	"gvisor.dev/reasm/pkg/log"
	"gvisor.dev/reasm/pkg/metric"
	"gvisor.dev/reasm/pkg/tcpip/faketime"
	"gvisor.dev/reasm/pkg/tcpip/link/pcapfile"
	"gvisor.dev/reasm/pkg/tcpip/stack"
	"gvisor.dev/reasm/reasmd/config"
	"gvisor.dev/reasm/reasmd/flag"
)

// Replay implements subcommands.Command for the "replay" command.
type Replay struct {
	output     string
	icmpOutput string
	summary    string
}

// Name implements subcommands.Command.Name.
func (*Replay) Name() string {
	return "replay"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Replay) Synopsis() string {
	return "reassemble the IPv4 fragments of a capture file"
}

// Usage implements subcommands.Command.Usage.
func (*Replay) Usage() string {
	return `replay [flags] <capture.pcap> - feeds every IPv4 packet of the capture to the reassembler, in capture time.

Timeouts are driven by the capture timestamps. Datagrams still incomplete at the
end of the capture time out after --reassembly-timeout.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Replay) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.output, "out", "", "pcap file receiving the whole datagrams.")
	f.StringVar(&r.icmpOutput, "icmp-out", "", "pcap file receiving the ICMP time exceeded messages.")
	f.StringVar(&r.summary, "summary", "auto", "summary format: text, prometheus, or auto (text on a terminal).")
}

// Execute implements subcommands.Command.Execute.
func (r *Replay) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	summary := r.summary
	if summary == "auto" {
		summary = "prometheus"
		if term.IsTerminal(int(os.Stdout.Fd())) {
			summary = "text"
		}
	}
	if summary != "text" && summary != "prometheus" {
		Fatalf("invalid summary format %q, must be 'text', 'prometheus' or 'auto'", r.summary)
	}

	if err := r.run(conf, f.Arg(0), summary, os.Stdout); err != nil {
		Fatalf("replay: %v", err)
	}
	return subcommands.ExitSuccess
}

// capture is a pcap file being written.
type capture struct {
	f  *os.File
	bw *bufio.Writer
	w  *pcapfile.Writer
}

func createCapture(path string, clock *faketime.ManualClock) (*capture, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriter(f)
	w, err := pcapfile.NewWriter(bw, pcapfile.DefaultSnaplen, clock)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &capture{f: f, bw: bw, w: w}, nil
}

func (c *capture) close() error {
	if err := c.bw.Flush(); err != nil {
		c.f.Close()
		return err
	}
	return c.f.Close()
}

func (r *Replay) run(conf *config.Config, input, summary string, out io.Writer) error {
	in, err := os.Open(input)
	if err != nil {
		return err
	}
	defer in.Close()
	reader, err := pcapfile.NewReader(bufio.NewReader(in))
	if err != nil {
		return fmt.Errorf("%s: %w", input, err)
	}

	clock := faketime.NewManualClock()
	var (
		dispatcher stack.TransportDispatcher
		deliverer  *linkDeliverer
		icmp       stack.LinkWriter
		captures   []*capture
	)
	defer func() {
		for _, c := range captures {
			c.f.Close()
		}
	}()
	if r.output != "" {
		c, err := createCapture(r.output, clock)
		if err != nil {
			return err
		}
		captures = append(captures, c)
		deliverer = newLinkDeliverer(c.w)
		dispatcher = deliverer
	}
	if r.icmpOutput != "" {
		c, err := createCapture(r.icmpOutput, clock)
		if err != nil {
			return err
		}
		captures = append(captures, c)
		icmp = c.w
	}

	ep := newEndpoint(conf, clock, dispatcher, icmp)
	defer ep.Close()

	var records uint64
	for {
		p, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: %w", input, err)
		}
		records++
		// Captures may be slightly out of order; time never goes back.
		if d := p.Timestamp.Sub(clock.Now()); d > 0 {
			clock.Advance(d)
		}
		pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{Payload: p.Data})
		pkt.NICID = nicID
		ep.HandlePacket(pkt)
		pkt.DecRef()
	}
	// Let the datagrams still waiting time out.
	clock.Advance(conf.ReassemblyTimeout)
	log.Infof("Replayed %d IPv4 packets from %s (%s), skipped %d records", records, input, reader.LinkType(), reader.Skipped)

	for _, c := range captures {
		if err := c.close(); err != nil {
			return err
		}
	}
	captures = nil

	reg := newRegistry(ep)
	reg.MustRegisterCustomUint64Metric("/reasm/replay/skipped_records", true, "Capture records that did not hold IPv4.", func(...string) uint64 {
		return reader.Skipped
	})
	if deliverer != nil {
		reg.MustRegisterCustomUint64Metric("/reasm/replay/write_errors", true, "Datagrams that could not be written to --out.", counter(&deliverer.errors))
	}
	if summary == "prometheus" {
		return reg.Write(out)
	}
	return writeTextSummary(out, reg)
}

// writeTextSummary writes one line per metric value.
func writeTextSummary(out io.Writer, reg *metric.Registry) error {
	tw := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	for _, mf := range reg.Snapshot() {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, l := range m.GetLabel() {
				name += fmt.Sprintf("{%s=%s}", l.GetName(), l.GetValue())
			}
			v := m.GetCounter().GetValue()
			if m.GetGauge() != nil {
				v = m.GetGauge().GetValue()
			}
			fmt.Fprintf(tw, "%s\t%d\t\n", name, uint64(v))
		}
	}
	return tw.Flush()
}
