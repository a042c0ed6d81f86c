package pubsub_test

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	pspublisher "github.com/JakeFAU/docharvest/internal/publisher/pubsub"
)

func newFakeServer(t *testing.T) (*pstest.Server, option.ClientOption) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return srv, option.WithGRPCConn(conn)
}

func TestPublishDeliversPayload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv, opt := newFakeServer(t)

	client, err := pubsub.NewClient(ctx, "proj", opt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	_, err = client.CreateTopic(ctx, "artifacts")
	require.NoError(t, err)

	pub := pspublisher.New(client, nil)
	id, err := pub.Publish(ctx, "artifacts", []byte(`{"id":42}`))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, pub.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"id":42}`, string(msgs[0].Data))
	assert.Equal(t, "application/json", msgs[0].Attributes["content_type"])
}

func TestOpenChecksTopic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, opt := newFakeServer(t)

	_, err := pspublisher.Open(ctx, "proj", "missing", nil, opt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestOpenOwnsClient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv, opt := newFakeServer(t)
	admin, err := pubsub.NewClient(ctx, "proj", opt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = admin.Close() })
	_, err = admin.CreateTopic(ctx, "artifacts")
	require.NoError(t, err)

	pub, err := pspublisher.Open(ctx, "proj", "artifacts", nil, opt)
	require.NoError(t, err)
	_, err = pub.Publish(ctx, "artifacts", []byte("{}"))
	require.NoError(t, err)
	assert.NoError(t, pub.Close())
	assert.Len(t, srv.Messages(), 1)
}
