package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsilvestrini/shardcoord/pkg/workerproto"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l.WithField("test", true)
}

func TestSpawn_PanicsOnEmptyShardID(t *testing.T) {
	sup := New(Config{WorkerEntrypoint: "/bin/true"}, testLogger())
	assert.Panics(t, func() {
		_, _ = sup.Spawn(workerproto.Options{})
	})
}

func TestSpawn_TracksHandleUntilCleanExit(t *testing.T) {
	sup := New(Config{WorkerEntrypoint: "/bin/true", GraceDuration: time.Second}, testLogger())

	h, err := sup.Spawn(workerproto.Options{ShardID: "shard-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, sup.Count())

	select {
	case <-h.exitC:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit in time")
	}
	assert.Equal(t, Exited, h.State())
	assert.Equal(t, 0, sup.Count())
}

func TestStop_KillsAfterGraceOnUnresponsiveWorker(t *testing.T) {
	// /bin/cat ignores the shutdown message and keeps running until its
	// stdin is closed or it is killed; exercises the grace-period escalation.
	sup := New(Config{WorkerEntrypoint: "/bin/cat", GraceDuration: 50 * time.Millisecond}, testLogger())

	h, err := sup.Spawn(workerproto.Options{ShardID: "shard-1"})
	require.NoError(t, err)

	select {
	case <-sup.Stop(h):
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not resolve after grace period")
	}
	assert.Equal(t, Exited, h.State())
}

func TestOldest_ReturnsEarliestStartedHandle(t *testing.T) {
	sup := New(Config{WorkerEntrypoint: "/bin/cat", GraceDuration: time.Second}, testLogger())

	h1, err := sup.Spawn(workerproto.Options{ShardID: "shard-1"})
	require.NoError(t, err)
	h2, err := sup.Spawn(workerproto.Options{ShardID: "shard-2"})
	require.NoError(t, err)
	h2.StartedAt = h1.StartedAt.Add(time.Second)

	oldest, ok := sup.Oldest()
	require.True(t, ok)
	assert.Equal(t, h1.ID, oldest.ID)

	sup.Stop(h1)
	sup.Stop(h2)
}

func TestStopAll_StopsEveryLiveHandleConcurrently(t *testing.T) {
	sup := New(Config{WorkerEntrypoint: "/bin/cat", GraceDuration: time.Second}, testLogger())

	_, err := sup.Spawn(workerproto.Options{ShardID: "shard-1"})
	require.NoError(t, err)
	_, err = sup.Spawn(workerproto.Options{ShardID: "shard-2"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = sup.StopAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sup.Count())
}
