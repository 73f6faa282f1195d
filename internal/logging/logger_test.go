package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrNopHandlesTypedNil(t *testing.T) {
	var typed *writerLogger
	var iface Logger = typed

	assert.True(t, IsNil(iface))
	assert.NotPanics(t, func() {
		OrNop(nil).Info("dropped")
		OrNop(iface).Info("dropped")
	})
}

func TestWriterLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "poller")
	log.Warn("task %s is slow", "t-1")

	line := buf.String()
	assert.Contains(t, line, "[WARN]")
	assert.Contains(t, line, "[poller]")
	assert.Contains(t, line, "task t-1 is slow")
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestWriterLoggerWithoutComponent(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, "").Error("boom")
	assert.Contains(t, buf.String(), "[ERROR] boom")
}

func TestMultiFansOut(t *testing.T) {
	var a, b bytes.Buffer
	log := Multi(NewWriter(&a, ""), nil, NewWriter(&b, ""))
	log.Info("hello")

	assert.Contains(t, a.String(), "hello")
	assert.Contains(t, b.String(), "hello")
}

func TestMultiCollapsesSingleLogger(t *testing.T) {
	var buf bytes.Buffer
	inner := NewWriter(&buf, "")
	assert.Equal(t, inner, Multi(nil, inner))
	assert.Equal(t, Nop(), Multi(nil, nil))
}
