package monitoring

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got []string
	SetLogger(func(format string, v ...interface{}) {
		got = append(got, format)
	})
	Logf("starting iteration %d", 1)
	if len(got) != 1 || got[0] != "starting iteration %d" {
		t.Errorf("custom logger not called: %v", got)
	}

	// nil installs a no-op.
	SetLogger(nil)
	Logf("bundle has converged")
	if len(got) != 1 {
		t.Errorf("no-op logger forwarded a message: %v", got)
	}
}

func TestSetOutput(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var buf bytes.Buffer
	SetOutput(&buf)
	Logf("iteration %d: %d%% of points processed", 2, 50)
	line := buf.String()
	if !strings.HasPrefix(line, "[jigsaw] ") {
		t.Errorf("missing prefix: %q", line)
	}
	if !strings.HasSuffix(line, "iteration 2: 50% of points processed\n") {
		t.Errorf("unexpected line: %q", line)
	}

	SetOutput(nil)
	Logf("muted")
	if strings.Contains(buf.String(), "muted") {
		t.Error("nil output should mute the log")
	}
}

func TestLogf_Default(t *testing.T) {
	if Logf == nil {
		t.Fatal("Logf should not be nil by default")
	}
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Logf panicked: %v", r)
		}
	}()
	Logf("test message: %s", "value")
}
