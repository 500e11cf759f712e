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


package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"

	"gvisor.dev/reasm/pkg/tcpip/network/fragmentation"
	"gvisor.dev/reasm/reasmd/flag"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Logging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.String("log-format", "text", "log format: text (default), json, json-k8s or logrus.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr in addition to --log.")
	flagSet.String("config", "", "TOML (.toml) or YAML (.yaml, .yml) file with flag values. Flags given on the command line take precedence. Re-read on SIGHUP by 'serve'.")

	// Flags that control reassembly.
	flagSet.Int("high-limit", fragmentation.HighFragThreshold, "bytes of reassembly memory above which the oldest datagrams are evicted.")
	flagSet.Int("low-limit", fragmentation.LowFragThreshold, "bytes of reassembly memory that eviction brings usage down to.")
	flagSet.Duration("reassembly-timeout", fragmentation.DefaultReassembleTimeout, "time an incomplete datagram waits for its next fragment.")
	flagSet.Int("icmp-rate-limit", 1000, "ICMP messages sent per second.")
	flagSet.Int("icmp-burst", 50, "ICMP messages that may be sent at once.")

	// Flags that control the device.
	flagSet.String("tun", "reasm0", "name of the TUN device served by 'serve'.")
	flagSet.String("tun-addr", "", "address assigned to the TUN device in CIDR form (e.g. 10.0.0.1/24). Empty leaves addresses alone.")
	flagSet.Int("mtu", 1500, "MTU of the TUN device.")
	flagSet.Duration("open-timeout", 0, "time to keep retrying to open the TUN device. Zero tries once.")
	flagSet.String("metrics-addr", "", "address of the Prometheus metrics endpoint (e.g. localhost:9110). Empty disables it.")
	flagSet.String("lock-file", "", "file locked while 'serve' runs, default is <run dir>/reasmd/<tun>.lock.")
}

// NewFromFlags creates a new Config with values coming from command line flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(flag.Get(fl.Value))
		obj.Field(i).Set(x)
	}

	if len(conf.LockFile) == 0 {
		conf.LockFile = DefaultLockFile(conf.Device)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// DefaultLockFile returns the lock file used for device when --lock-file is
// not set.
func DefaultLockFile(device string) string {
	dir := "/var/run"
	// NOTE: empty values for XDG_RUNTIME_DIR should be ignored.
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		dir = runtimeDir
	}
	return filepath.Join(dir, "reasmd", device+".lock")
}

type setting struct {
	name  string
	value string
}

// settings returns the value of every flag field of c, in field order.
func (c *Config) settings() []setting {
	var rv []setting
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		rv = append(rv, setting{name: name, value: getVal(obj.Field(i))})
	}
	return rv
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	for _, s := range c.settings() {
		flag := flagSet.Lookup(s.name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", s.name))
		}
		if s.value == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, s.value))
	}
	return rv
}

// Override writes a new value to a flag.
func (c *Config) Override(flagSet *flag.FlagSet, name string, value string) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		fieldName, ok := f.Tag.Lookup("flag")
		if !ok || fieldName != name {
			// Not a flag field, or flag name doesn't match.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			// Flag must exist if there is a field match above.
			panic(fmt.Sprintf("Flag %q not found", name))
		}

		// Use flag to convert the string value to the underlying flag type, using
		// the same rules as the command-line for consistency.
		if err := fl.Value.Set(value); err != nil {
			return fmt.Errorf("error setting flag %s=%q: %w", name, value, err)
		}
		x := reflect.ValueOf(flag.Get(fl.Value))
		obj.Field(i).Set(x)

		// Validates the config again to ensure it's left in a consistent state.
		return c.validate()
	}
	return fmt.Errorf("flag %q not found. Cannot set it to %q", name, value)
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
