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


// Package config provides basic infrastructure to set configuration settings
// for reasmd. Each setting is exposed as a command line flag and may also be
// given in a config file.
package config

import (
	"fmt"
	"time"

	"github.com/mohae/deepcopy"
	"gvisor.dev/reasm/pkg/log"
)

// Config holds configuration that is not part of a single subcommand.
type Config struct {
	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: "text", "json", "json-k8s" or "logrus".
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// AlsoLogToStderr allows to send log messages to stderr in addition to
	// the log file.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// ConfigFile is the TOML or YAML file read for settings that were not
	// given on the command line.
	ConfigFile string `flag:"config"`

	// HighLimit is the number of bytes of reassembly memory above which the
	// oldest datagrams are evicted.
	HighLimit int `flag:"high-limit"`

	// LowLimit is the number of bytes eviction brings reassembly memory
	// down to.
	LowLimit int `flag:"low-limit"`

	// ReassemblyTimeout is how long an incomplete datagram waits for its
	// next fragment.
	ReassemblyTimeout time.Duration `flag:"reassembly-timeout"`

	// ICMPRateLimit is the number of ICMP messages sent per second.
	ICMPRateLimit int `flag:"icmp-rate-limit"`

	// ICMPBurst is the number of ICMP messages that may be sent at once.
	ICMPBurst int `flag:"icmp-burst"`

	// Device is the name of the TUN device served by "serve".
	Device string `flag:"tun"`

	// Address is assigned to Device in CIDR form, if not empty.
	Address string `flag:"tun-addr"`

	// MTU is the MTU of Device.
	MTU int `flag:"mtu"`

	// OpenTimeout bounds the retries of opening Device.
	OpenTimeout time.Duration `flag:"open-timeout"`

	// MetricsAddr is the address the Prometheus endpoint listens on, if not
	// empty.
	MetricsAddr string `flag:"metrics-addr"`

	// LockFile is held while "serve" runs so that two daemons don't serve
	// the same device.
	LockFile string `flag:"lock-file"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "json-k8s", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', 'json-k8s' or 'logrus'", c.LogFormat)
	}
	if c.HighLimit <= 0 {
		return fmt.Errorf("high-limit must be positive, got %d", c.HighLimit)
	}
	if c.LowLimit <= 0 || c.LowLimit > c.HighLimit {
		return fmt.Errorf("low-limit must be in (0, %d], got %d", c.HighLimit, c.LowLimit)
	}
	if c.ReassemblyTimeout <= 0 {
		return fmt.Errorf("reassembly-timeout must be positive, got %v", c.ReassemblyTimeout)
	}
	if c.ICMPRateLimit <= 0 || c.ICMPBurst <= 0 {
		return fmt.Errorf("icmp-rate-limit and icmp-burst must be positive, got %d and %d", c.ICMPRateLimit, c.ICMPBurst)
	}
	// 68 is the smallest MTU an IPv4 link may have (RFC 791).
	if c.MTU < 68 || c.MTU > 65535 {
		return fmt.Errorf("mtu must be in [68, 65535], got %d", c.MTU)
	}
	return nil
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	for _, f := range c.ToFlags() {
		log.Infof("  %s", f)
	}
}

// Diff returns the settings that differ between prev and next, in the
// "--name=value" form of next.
func Diff(prev, next *Config) []string {
	before := make(map[string]string)
	for _, s := range prev.settings() {
		before[s.name] = s.value
	}
	var changed []string
	for _, s := range next.settings() {
		if before[s.name] != s.value {
			changed = append(changed, fmt.Sprintf("--%s=%s", s.name, s.value))
		}
	}
	return changed
}
