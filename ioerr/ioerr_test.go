package ioerr

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestErrorLine(t *testing.T) {
	e := New(URingQueueFull, "submission queue full")
	assert.Equal(t, "Error: submission queue full (Code: 6)", e.Line())
}

func TestCodeFatal(t *testing.T) {
	assert.True(t, SocketBindFailed.Fatal())
	assert.True(t, URingInitFailed.Fatal())
	assert.False(t, URingQueueFull.Fatal())
	assert.False(t, ConnectionLimitReached.Fatal())
	assert.False(t, InvalidArgument.Fatal())
}

func TestFormatterRendersErrorLine(t *testing.T) {
	buf := &bytes.Buffer{}
	log := logrus.New()
	log.SetFormatter(Formatter{})
	log.SetOutput(buf)

	log.WithField(ErrorField, New(ConnectionLimitReached, "max connections reached")).Error("runtime")

	assert.Equal(t, "Error: max connections reached (Code: 7)\n", buf.String())
}

func TestWrapUnwrap(t *testing.T) {
	cause := assert.AnError
	e := Wrap(SocketCreateFailed, "socket() failed", cause)
	assert.Equal(t, cause, e.Unwrap())
	assert.Contains(t, e.Error(), "socket() failed")
}
