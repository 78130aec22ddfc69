package klog

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"capos/kernel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	specs := []struct {
		cfg    Config
		expErr bool
	}{
		{DefaultConfig(), false},
		{Config{Level: "debug", Development: true}, false},
		{Config{Level: "chatty"}, true},
	}

	for specIndex, spec := range specs {
		l, err := New(spec.cfg)
		if spec.expErr {
			assert.Error(t, err, "[spec %d]", specIndex)
			continue
		}
		require.NoError(t, err, "[spec %d]", specIndex)
		assert.NotNil(t, l.Logger, "[spec %d]", specIndex)
	}
}

func TestNewWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.log")
	l, err := New(Config{Level: "info", OutputPaths: []string{path}})
	require.NoError(t, err)

	l.Named("sched").Info("switch", zap.Uint32("task", 3))
	l.Debug("dropped")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"logger":"sched"`)
	assert.Contains(t, out, `"task":3`)
	assert.False(t, strings.Contains(out, "dropped"))
}

func TestPanic(t *testing.T) {
	defer func(orig func()) { haltFn = orig }(haltFn)

	var halted int
	haltFn = func() { halted++ }

	specs := []struct {
		input     interface{}
		expModule string
		expMsg    string
	}{
		{&kernel.Error{Module: "vmm", Message: "out of tables"}, "vmm", "out of tables"},
		{"boom", "rt", "boom"},
		{errors.New("go error"), "rt", "go error"},
	}

	for specIndex, spec := range specs {
		core, logs := observer.New(zapcore.DebugLevel)
		Panic(Wrap(zap.New(core)), spec.input)

		entries := logs.All()
		require.Len(t, entries, 2, "[spec %d]", specIndex)
		fields := entries[0].ContextMap()
		assert.Equal(t, spec.expModule, fields["module"], "[spec %d]", specIndex)
		assert.Equal(t, spec.expMsg, fields["error"], "[spec %d]", specIndex)
		assert.Equal(t, "kernel panic: system halted", entries[1].Message, "[spec %d]", specIndex)
	}
	assert.Equal(t, len(specs), halted)

	core, logs := observer.New(zapcore.DebugLevel)
	Panic(Wrap(zap.New(core)), nil)
	assert.Equal(t, 1, logs.Len())
}
