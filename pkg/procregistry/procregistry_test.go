package procregistry

import (
	"context"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeProcess(exitAfter time.Duration) (signal func(syscall.Signal) error, wait func() error, sigCount *int32) {
	var sigs int32
	waitCh := make(chan struct{})
	go func() {
		time.Sleep(exitAfter)
		close(waitCh)
	}()
	return func(sig syscall.Signal) error {
			atomic.AddInt32(&sigs, 1)
			return nil
		}, func() error {
			<-waitCh
			return nil
		}, &sigs
}

func TestRegisterUnregister(t *testing.T) {
	r := New()
	signal, wait, _ := fakeProcess(time.Hour)
	r.Register(1, 1234, signal, wait)

	assert.Equal(t, 1, r.Len())
	r.Unregister(1)
	assert.Equal(t, 0, r.Len())
}

func TestTerminateGracefulExit(t *testing.T) {
	r := New()
	signal, wait, sigs := fakeProcess(10 * time.Millisecond)
	r.Register(1, 1234, signal, wait)

	err := r.Terminate(context.Background(), 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(1), *sigs)
	assert.Equal(t, 0, r.Len())
}

func TestTerminateEscalatesToForceKill(t *testing.T) {
	r := New()
	signal, wait, sigs := fakeProcess(500 * time.Millisecond)
	r.Register(1, 1234, signal, wait)

	err := r.Terminate(context.Background(), 1, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int32(2), *sigs) // SIGTERM then SIGKILL
	assert.Equal(t, 0, r.Len())
}

func TestTerminateUnknownChunkIsNoop(t *testing.T) {
	r := New()
	err := r.Terminate(context.Background(), 99, time.Second)
	assert.NoError(t, err)
}

func TestTerminateAllDrainsEverything(t *testing.T) {
	r := New()
	for i := uint64(1); i <= 3; i++ {
		signal, wait, _ := fakeProcess(5 * time.Millisecond)
		r.Register(i, int(i), signal, wait)
	}

	r.TerminateAll(context.Background(), time.Second)
	assert.Equal(t, 0, r.Len())
}
