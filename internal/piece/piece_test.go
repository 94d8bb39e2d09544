package piece

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"torrentstream/internal/xerr"
)

func TestAwaitFinished_AlreadyFinished(t *testing.T) {
	p := New(0, 0, 1024, Finished)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, p.AwaitFinished(ctx))
}

func TestAwaitFinished_SignalsWaiters(t *testing.T) {
	p := New(0, 0, 1024, Downloading)

	done := make(chan error, 1)
	go func() {
		done <- p.AwaitFinished(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("await returned before piece finished")
	case <-time.After(20 * time.Millisecond):
	}

	p.SetState(Finished)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("await did not wake up after SetState(Finished)")
	}
}

func TestAwaitFinished_Monotonic(t *testing.T) {
	p := New(0, 0, 1024, Finished)

	for i := 0; i < 3; i++ {
		require.NoError(t, p.AwaitFinished(context.Background()))
	}
}

func TestAwaitFinished_Cancelled(t *testing.T) {
	p := New(0, 0, 1024, Downloading)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.AwaitFinished(ctx)
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.Cancelled))
}

func TestSetState_FailedCanRetryToDownloading(t *testing.T) {
	p := New(0, 0, 1024, Failed)
	p.SetState(Downloading)
	assert.Equal(t, Downloading, p.State())
}

func TestSetState_FinishedIsIdempotent(t *testing.T) {
	p := New(0, 0, 1024, Downloading)
	p.SetState(Finished)
	p.SetState(Finished)
	assert.Equal(t, Finished, p.State())
}
