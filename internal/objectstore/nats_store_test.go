package objectstore_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/musicgen/internal/objectstore"
)

// startTestServer starts an in-process JetStream-enabled NATS server.
func startTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		natsServer.Shutdown()
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	t.Cleanup(func() {
		natsConnection.Close()
		natsServer.Shutdown()
	})
	return natsServer, natsConnection
}

func TestNatsObjectStore_PutGet(t *testing.T) {
	_, nc := startTestServer(t)
	js, err := nc.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(js, "GENERATED_MUSIC")
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("RIFF"), 4096)
	ref, err := store.Put(context.Background(), "generated_music_abc.wav", bytes.NewReader(payload), "audio/wav")
	require.NoError(t, err)
	assert.Equal(t, "nats://GENERATED_MUSIC/generated_music_abc.wav", ref)

	rc, err := store.Get(context.Background(), "generated_music_abc.wav")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestNatsObjectStore_BindsExistingBucket(t *testing.T) {
	_, nc := startTestServer(t)
	js, err := nc.JetStream()
	require.NoError(t, err)

	_, err = objectstore.New(js, "GENERATED_MUSIC")
	require.NoError(t, err)
	_, err = objectstore.New(js, "GENERATED_MUSIC")
	require.NoError(t, err)
}

func TestNatsObjectStore_Missing(t *testing.T) {
	_, nc := startTestServer(t)
	js, err := nc.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(js, "GENERATED_MUSIC")
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "nope.wav")
	assert.ErrorIs(t, err, objectstore.ErrObjectNotFound)
}
