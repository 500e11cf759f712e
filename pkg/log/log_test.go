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

package log

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	want := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("written lines mismatch (-want +got):\n%s", diff)
	}
}

func TestWriterAppendsNewline(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	w.Emit(0, Info, time.Time{}, "no newline %d", 1)
	if diff := cmp.Diff([]string{"no newline 1", "\n"}, tw.lines); diff != "" {
		t.Errorf("written lines mismatch (-want +got):\n%s", diff)
	}
}

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: &buf}}

	l.Debugf("debug")
	l.Infof("info")
	l.Warningf("warning")
	if got, want := buf.String(), "info\nwarning\n"; got != want {
		t.Errorf("got output %q, want %q", got, want)
	}

	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Errorf("got IsLogging(Debug) = false after SetLevel(Debug)")
	}
}

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "warning", want: Warning},
		{in: "WARN", want: Warning},
		{in: "Info", want: Info},
		{in: "debug", want: Debug},
		{in: "trace", wantErr: true},
	} {
		got, err := ParseLevel(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseLevel(%q) got err %v, want err %t", tc.in, err, tc.wantErr)
			continue
		}
		if err == nil && got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestGoogleEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := GoogleEmitter{&Writer{Next: &buf}}
	ts := time.Date(2024, time.March, 7, 13, 4, 5, 6000, time.UTC)
	e.Emit(0, Warning, ts, "hello %s", "world")

	re := regexp.MustCompile(`^W0307 13:04:05\.000006 +\d+ log_test\.go:\d+\] hello world\n$`)
	if got := buf.String(); !re.MatchString(got) {
		t.Errorf("got %q, want match for %q", got, re)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	var buf bytes.Buffer
	base := &BasicLogger{Level: Debug, Emitter: &Writer{Next: &buf}}
	l := RateLimitedLogger(base, time.Hour)

	l.Warningf("first")
	l.Warningf("second")
	l.Warningf("third")
	if got, want := buf.String(), "first\n"; got != want {
		t.Errorf("got output %q, want %q", got, want)
	}
	rl := l.(*rateLimitedLogger)
	if got, want := rl.suppressed.Load(), uint64(2); got != want {
		t.Errorf("got %d suppressed statements, want %d", got, want)
	}
}

func TestLogrusEmitter(t *testing.T) {
	var buf bytes.Buffer
	lr := logrus.New()
	lr.SetOutput(&buf)
	lr.SetLevel(logrus.InfoLevel)
	lr.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})

	l := &BasicLogger{Level: Debug, Emitter: NewLogrusEmitter(lr)}
	l.Debugf("hidden")
	l.Infof("queue %d released", 7)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug statement leaked through info level logrus logger: %q", out)
	}
	if !strings.Contains(out, `level=info msg="queue 7 released"`) {
		t.Errorf("got %q, want the info statement", out)
	}
}

func TestOpenFilePattern(t *testing.T) {
	dir := t.TempDir()
	opts := PatternOpts{
		Command:   "serve",
		Timestamp: time.Date(2024, time.March, 7, 13, 4, 5, 0, time.UTC),
	}
	f, err := OpenFile(filepath.Join(dir, "sub", "reasmd.%COMMAND%.%TIMESTAMP%.log"), os.O_WRONLY|os.O_CREATE, opts)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer f.Close()
	if got, want := filepath.Base(f.Name()), "reasmd.serve.20240307-130405.000000.log"; got != want {
		t.Errorf("got file %q, want %q", got, want)
	}

	if f, err := OpenFile("", 0, opts); f != nil || err != nil {
		t.Errorf("OpenFile with empty pattern = (%v, %v), want (nil, nil)", f, err)
	}
}
