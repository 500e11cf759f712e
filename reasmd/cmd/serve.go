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


//go:build linux
// +build linux

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
	"gvisor.dev/reasm/pkg/log"
	"gvisor.dev/reasm/pkg/tcpip"
	"gvisor.dev/reasm/pkg/tcpip/link/fdbased"
	"gvisor.dev/reasm/pkg/tcpip/link/tun"
	"gvisor.dev/reasm/pkg/tcpip/network/ipv4"
	"gvisor.dev/reasm/reasmd/config"
	"gvisor.dev/reasm/reasmd/flag"
)

// Serve implements subcommands.Command for the "serve" command.
type Serve struct{}

// Name implements subcommands.Command.Name.
func (*Serve) Name() string {
	return "serve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Serve) Synopsis() string {
	return "reassemble the IPv4 datagrams routed to a TUN device"
}

// Usage implements subcommands.Command.Usage.
func (*Serve) Usage() string {
	return `serve - reads IPv4 packets from the --tun device and writes whole datagrams back to it.

Fragments are held until their datagram is complete. ICMP time exceeded
messages for datagrams that time out are written to the device too.
SIGHUP re-reads --config and applies the reassembly, ICMP and debug settings.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Serve) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (s *Serve) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	ctx, stop := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer stop()
	if err := s.run(ctx, conf); err != nil {
		Fatalf("serve: %v", err)
	}
	return subcommands.ExitSuccess
}

func (s *Serve) run(ctx context.Context, conf *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(conf.LockFile), 0755); err != nil {
		return err
	}
	lock := flock.New(conf.LockFile)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking %q: %w", conf.LockFile, err)
	}
	if !locked {
		return fmt.Errorf("%q is locked, another reasmd is serving %s", conf.LockFile, conf.Device)
	}
	defer lock.Unlock()

	fd, err := openTUN(ctx, conf.Device, conf.OpenTimeout)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	if err := tun.Configure(conf.Device, conf.Address, conf.MTU); err != nil {
		return err
	}

	link, err := fdbased.New(&fdbased.Options{
		FD:    fd,
		MTU:   uint32(conf.MTU),
		NICID: nicID,
		ClosedFunc: func(err error) {
			if err != nil {
				log.Warningf("Dispatch loop of %s stopped: %v", conf.Device, err)
			}
		},
	})
	if err != nil {
		return err
	}
	defer link.Close()

	deliverer := newLinkDeliverer(link)
	ep := newEndpoint(conf, tcpip.NewStdClock(), deliverer, link)
	defer ep.Close()
	link.Attach(ep)

	reg := newRegistry(ep)
	reg.MustRegisterCustomUint64Metric("/reasm/link/skipped_packets", true, "Packets read from the device that were not IPv4.", func(...string) uint64 {
		return link.Skipped()
	})
	reg.MustRegisterCustomUint64Metric("/reasm/link/write_errors", true, "Datagrams that could not be written back to the device.", counter(&deliverer.errors))

	// Listen before starting so that a bad address fails the command.
	var ln net.Listener
	if conf.MetricsAddr != "" {
		if ln, err = net.Listen("tcp", conf.MetricsAddr); err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return link.Run(ctx)
	})
	if ln != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", reg)
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		log.Infof("Serving metrics on http://%s/metrics", ln.Addr())
	}
	g.Go(func() error {
		reloadOnHangup(ctx, conf, ep)
		return nil
	})

	log.Infof("Reassembling on %s, mtu %d", conf.Device, conf.MTU)
	sdNotify(daemon.SdNotifyReady)
	err = g.Wait()
	sdNotify(daemon.SdNotifyStopping)
	log.Infof("Stopped serving %s", conf.Device)
	return err
}

// openTUN opens the device, retrying with exponential backoff for up to
// timeout while the device is busy (e.g. still held by a previous reasmd).
func openTUN(ctx context.Context, name string, timeout time.Duration) (int, error) {
	var fd int
	op := func() error {
		var err error
		fd, err = tun.Open(name)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EBUSY), errors.Is(err, unix.EAGAIN):
			log.Infof("TUN device %s is busy, retrying: %v", name, err)
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if timeout > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.MaxElapsedTime = timeout
		b = eb
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return -1, fmt.Errorf("opening TUN device %q: %w", name, err)
	}
	return fd, nil
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, conf *config.Config, ep *ipv4.Endpoint) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, unix.SIGHUP)
	defer signal.Stop(hup)

	cur := conf
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		sdNotify(daemon.SdNotifyReloading)
		next, err := config.Reload(flag.CommandLine)
		if err != nil {
			log.Warningf("Reloading config failed, keeping the current one: %v", err)
		} else {
			cur = applyReload(cur, next, ep)
		}
		sdNotify(daemon.SdNotifyReady)
	}
}

// applyReload applies the settings of next that can change at runtime and
// returns the configuration now in effect. cur is not modified.
func applyReload(cur, next *config.Config, ep *ipv4.Endpoint) *config.Config {
	applied := cur.Copy()
	applied.Debug = next.Debug
	applied.HighLimit = next.HighLimit
	applied.LowLimit = next.LowLimit
	applied.ReassemblyTimeout = next.ReassemblyTimeout
	applied.ICMPRateLimit = next.ICMPRateLimit
	applied.ICMPBurst = next.ICMPBurst

	for _, d := range config.Diff(cur, applied) {
		log.Infof("Config reloaded: %s", d)
	}
	for _, d := range config.Diff(applied, next) {
		log.Warningf("Config setting %s requires a restart, ignored", d)
	}

	if applied.Debug {
		log.SetLevel(log.Debug)
	} else {
		log.SetLevel(log.Info)
	}
	ep.Fragmentation().SetLimits(applied.HighLimit, applied.LowLimit, applied.ReassemblyTimeout)
	ep.SetICMPLimits(rate.Limit(applied.ICMPRateLimit), applied.ICMPBurst)
	return applied
}

func sdNotify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debugf("sd_notify(%q): %v", state, err)
	}
}
