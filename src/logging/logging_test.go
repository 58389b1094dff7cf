package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	log, err := New("debug", true)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)

	_, err = New("loud", false)
	assert.Error(t, err)
}

func TestComponent(t *testing.T) {
	log, err := New("info", true)
	require.NoError(t, err)
	var buf bytes.Buffer
	log.SetOutput(&buf)

	Component(log, "syncer").Info("cycle done")
	assert.Contains(t, buf.String(), `"component":"syncer"`)
}
