package logging

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cst "wuyrush.io/snap/constants"
)

func TestServiceFormatter(t *testing.T) {
	f := NewServiceFormatter("snap-writer")
	e := log.NewEntry(log.New())
	e.Time = time.Unix(1, 500*int64(time.Millisecond))
	e.Message = "hello"
	e.Level = log.InfoLevel
	b, err := f.Format(e)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "snap-writer", m["service"])
	assert.Equal(t, float64(1500), m["epochTimeMillis"])
	assert.Equal(t, "hello", m["msg"])
	_, hasTime := m["time"]
	assert.False(t, hasTime, "zonal timestamp should have been disabled")
}

func TestWithFuncName(t *testing.T) {
	e := WithFuncName()
	name, ok := e.Data[cst.LogFieldFuncName].(string)
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(name, "TestWithFuncName"), "got func name %s", name)
}
