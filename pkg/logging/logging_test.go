package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSetLoggerOverride(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	SetLogger(l)
	defer SetLogger(nil)

	Infof("pool bucket %s drained", "example.com:443")

	if !strings.Contains(buf.String(), "pool bucket example.com:443 drained") {
		t.Fatalf("expected log output to contain message, got %q", buf.String())
	}
}

func TestSetLoggerNilRestoresDefault(t *testing.T) {
	SetLogger(nil)
	if current() == nil {
		t.Fatalf("expected a default logger to be installed")
	}
}
