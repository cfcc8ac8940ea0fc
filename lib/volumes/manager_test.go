package volumes

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/kernel/vmagent/lib/tools"
	"github.com/kernel/vmagent/lib/tools/toolstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// setupClone creates a base image and an existing destination volume.
func setupClone(t *testing.T) (base, dest string) {
	t.Helper()
	dir := t.TempDir()
	base = filepath.Join(dir, "ubuntu-22.04.qcow2")
	dest = filepath.Join(dir, "vm-1.qcow2")
	require.NoError(t, os.WriteFile(base, []byte("base image"), 0644))
	require.NoError(t, os.WriteFile(dest, []byte("old disk"), 0644))
	require.NoError(t, os.Chmod(dest, 0640))
	return base, dest
}

func TestRoundUpGiB(t *testing.T) {
	tests := []struct {
		name string
		in   datasize.ByteSize
		want datasize.ByteSize
	}{
		{"zero", 0, 1 * datasize.GB},
		{"one byte", 1, 1 * datasize.GB},
		{"exact", 20 * datasize.GB, 20 * datasize.GB},
		{"just over", 20*datasize.GB + 1, 21 * datasize.GB},
		{"mib", 2560 * datasize.MB, 3 * datasize.GB},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RoundUpGiB(tt.in))
		})
	}
	assert.Equal(t, "20G", sizeArg(20*datasize.GB))
}

func TestCloneVolumePreservesOwnership(t *testing.T) {
	runner := toolstest.New()
	runner.EmulateQemuImg()
	mgr := NewManager(runner)
	base, dest := setupClone(t)

	var before unix.Stat_t
	require.NoError(t, unix.Stat(dest, &before))

	err := mgr.CloneVolume(context.Background(), base, dest, 20*datasize.GB)
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "base image", string(data))

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())

	var after unix.Stat_t
	require.NoError(t, unix.Stat(dest, &after))
	assert.Equal(t, before.Uid, after.Uid)
	assert.Equal(t, before.Gid, after.Gid)

	_, err = os.Stat(dest + ".tmp")
	assert.True(t, os.IsNotExist(err))

	calls := runner.Calls("qemu-img")
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"convert", "-O", "qcow2", base, dest + ".tmp"}, calls[0].Args)
	assert.Equal(t, []string{"resize", dest + ".tmp", "20G"}, calls[1].Args)
}

func TestCloneVolumeNewDestination(t *testing.T) {
	runner := toolstest.New()
	runner.EmulateQemuImg()
	mgr := NewManager(runner)
	base, _ := setupClone(t)
	dest := filepath.Join(filepath.Dir(base), "fresh.qcow2")

	require.NoError(t, mgr.CloneVolume(context.Background(), base, dest, 10*datasize.GB))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "base image", string(data))
}

func TestCloneVolumePreconditions(t *testing.T) {
	base, dest := setupClone(t)

	t.Run("missing source", func(t *testing.T) {
		runner := toolstest.New()
		runner.EmulateQemuImg()
		err := NewManager(runner).CloneVolume(context.Background(), base+".missing", dest, datasize.GB)
		require.ErrorIs(t, err, ErrSourceNotFound)
		assert.Empty(t, runner.Calls(""))
	})

	t.Run("tool unavailable", func(t *testing.T) {
		runner := toolstest.New()
		err := NewManager(runner).CloneVolume(context.Background(), base, dest, datasize.GB)
		require.ErrorIs(t, err, tools.ErrToolUnavailable)
	})
}

func TestCloneVolumeToolFailureLeavesDestination(t *testing.T) {
	for _, sub := range []string{"convert", "resize"} {
		t.Run(sub, func(t *testing.T) {
			runner := toolstest.New()
			runner.EmulateQemuImg()
			runner.FailSubcommand("qemu-img", sub, 1)
			base, dest := setupClone(t)

			err := NewManager(runner).CloneVolume(context.Background(), base, dest, 20*datasize.GB)
			require.ErrorIs(t, err, tools.ErrExternalToolFailure)

			var toolErr *tools.ToolError
			require.True(t, errors.As(err, &toolErr))
			assert.Equal(t, "qemu-img", toolErr.Tool)
			assert.Equal(t, 1, toolErr.ExitCode)

			data, err := os.ReadFile(dest)
			require.NoError(t, err)
			assert.Equal(t, "old disk", string(data))
			_, err = os.Stat(dest + ".tmp")
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestVirtualSize(t *testing.T) {
	runner := toolstest.New()
	runner.EmulateQemuImg()
	runner.SetVirtualSize("/pool/vm-1.qcow2", uint64(20*datasize.GB)+512)

	size, err := NewManager(runner).VirtualSize(context.Background(), "/pool/vm-1.qcow2")
	require.NoError(t, err)
	assert.Equal(t, 21*datasize.GB, size)
}

func TestCreateVolume(t *testing.T) {
	runner := toolstest.New()
	runner.EmulateQemuImg()
	path := filepath.Join(t.TempDir(), "pool", "vm-2.qcow2")

	require.NoError(t, NewManager(runner).CreateVolume(context.Background(), path, 8*datasize.GB))
	_, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(8*datasize.GB), runner.VirtualSize(path))

	require.ErrorIs(t, NewManager(runner).CreateVolume(context.Background(), path, 0), ErrInvalidSize)
}
