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
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"gvisor.dev/reasm/reasmd/flag"
)

// Load applies the config file named by --config, if any, to flagSet and
// creates a Config from the result.
func Load(flagSet *flag.FlagSet) (*Config, error) {
	if path := flagSet.Lookup("config").Value.String(); path != "" {
		if err := ApplyFile(flagSet, path); err != nil {
			return nil, err
		}
	}
	return NewFromFlags(flagSet)
}

// Reload re-reads the config file on top of the flags that were set on
// cmdline, and creates a Config from the result. Settings that were removed
// from the file go back to their defaults. cmdline is not modified.
func Reload(cmdline *flag.FlagSet) (*Config, error) {
	fresh := flag.NewFlagSet("reload", flag.ContinueOnError)
	RegisterFlags(fresh)

	var err error
	cmdline.Visit(func(f *flag.Flag) {
		if err != nil || fresh.Lookup(f.Name) == nil {
			return
		}
		err = fresh.Set(f.Name, f.Value.String())
	})
	if err != nil {
		return nil, err
	}
	return Load(fresh)
}

// ApplyFile sets the flags named in the TOML or YAML file at path. Flags that
// were already set on flagSet (e.g. on the command line) keep their value.
//
// Keys are flag names. Underscores may be used in place of dashes.
func ApplyFile(flagSet *flag.FlagSet, path string) error {
	values, err := readFile(path)
	if err != nil {
		return err
	}

	known := flag.NewFlagSet("known", flag.ContinueOnError)
	RegisterFlags(known)
	explicit := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		name := strings.ReplaceAll(key, "_", "-")
		if name == "config" {
			return fmt.Errorf("%s: %q cannot be set from a config file", path, key)
		}
		fl := flagSet.Lookup(name)
		if fl == nil || known.Lookup(name) == nil {
			return fmt.Errorf("%s: unknown setting %q", path, key)
		}
		if explicit[name] {
			continue
		}
		s, err := stringify(values[key])
		if err != nil {
			return fmt.Errorf("%s: setting %q: %w", path, key, err)
		}
		// Set the value without marking the flag as set, so a later
		// ApplyFile still sees it as coming from a file.
		if err := fl.Value.Set(s); err != nil {
			return fmt.Errorf("%s: setting %s=%q: %w", path, key, s, err)
		}
	}
	return nil
}

func readFile(path string) (map[string]any, error) {
	values := make(map[string]any)
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, &values); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &values); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config file %q has unknown extension %q, want .toml, .yaml or .yml", path, ext)
	}
	return values, nil
}

// stringify converts a scalar decoded from TOML or YAML to the form the
// corresponding flag parses.
func stringify(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return "", fmt.Errorf("%v is not an integer", v)
		}
		return strconv.FormatInt(int64(v), 10), nil
	default:
		return "", fmt.Errorf("unsupported value of type %T", v)
	}
}
