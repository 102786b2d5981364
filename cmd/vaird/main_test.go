package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudapex/vair/mqrpc"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionAndModules(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, Version, strings.TrimSpace(out))

	out, err = run(t, "modules")
	require.NoError(t, err)
	assert.Equal(t, []string{"block_device", "image", "network", "storage", "template", "vm", "volume"},
		strings.Fields(out))
}

func TestSelectModules(t *testing.T) {
	mods, err := selectModules([]string{"volume", "vm"})
	require.NoError(t, err)
	require.Len(t, mods, 2)
	assert.Equal(t, "volume", mods[0].GetType())
	assert.Equal(t, "vm", mods[1].GetType())

	all, err := selectModules(nil)
	require.NoError(t, err)
	assert.Len(t, all, len(registry))

	_, err = selectModules([]string{"gpu"})
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestRequestOptions(t *testing.T) {
	r := &requestFlags{manager: `{"storage_type":"nfs"}`, priority: 3}
	opts, err := r.options([]string{"storage", "get_storage", `{"storage_id":"s1"}`})
	require.NoError(t, err)
	o := mqrpc.NewCallOptions(1, 0, opts...)
	assert.Equal(t, 3, o.Priority)

	_, err = r.options([]string{"storage", "get_storage", `[1,2]`})
	assert.True(t, errors.Is(err, errors.NotValid))

	_, err = run(t, "call", "volume")
	assert.Error(t, err)
}
