package network_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/bitrise-io/go-transferbridge/transfer/failure"
	"github.com/bitrise-io/go-transferbridge/transfer/network"
	"github.com/bitrise-io/go-transferbridge/transfer/network/networktest"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResumable(t *testing.T) (*networktest.ResumableServer, *network.ResumableClient) {
	t.Helper()
	server := networktest.NewResumableServer()
	t.Cleanup(server.Close)

	config := server.Config()
	config.FolderID = "folder-1"
	return server, network.NewResumableClient(config, log.NewLogger())
}

func TestResumableClient_Upload(t *testing.T) {
	server, client := newResumable(t)
	ctx := context.Background()

	session, err := client.Open(ctx, network.OpenParams{Name: "report.pdf", ContentType: "application/pdf", SizeHint: 7, ChunkSize: 4})
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/session/1", session.ID())
	assert.Equal(t, "report.pdf", server.Name("1"))
	assert.Equal(t, []string{"folder-1"}, server.Parents("1"))
	assert.Zero(t, server.MissingSharedDrives())

	res, err := session.PutChunk(ctx, 0, []byte("abcd"), false)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Committed)
	assert.Nil(t, res.Object)

	status, err := session.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), status.Committed)

	res, err = session.PutChunk(ctx, 4, []byte("efg"), true)
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Committed)
	require.NotNil(t, res.Object)
	assert.Equal(t, "1", res.Object.ID)
	assert.Equal(t, int64(7), res.Object.Size)
	assert.Equal(t, server.URL+"/download/1", res.Object.Link)
	assert.Equal(t, "abcdefg", string(server.Data("1")))

	status, err = session.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, status.Object)
	assert.Equal(t, int64(7), status.Committed)
}

func TestResumableClient_EmptyFinalChunk(t *testing.T) {
	server, client := newResumable(t)
	ctx := context.Background()

	session, err := client.Open(ctx, network.OpenParams{Name: "empty.bin", SizeHint: -1, ChunkSize: 4})
	require.NoError(t, err)

	res, err := session.PutChunk(ctx, 0, nil, true)
	require.NoError(t, err)
	require.NotNil(t, res.Object)
	assert.Equal(t, int64(0), res.Object.Size)
	assert.True(t, server.Complete("1"))

	_, err = session.PutChunk(ctx, 0, nil, false)
	assert.True(t, failure.Is(err, failure.InvalidInput))
}

func TestResumableClient_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantKind failure.Kind
	}{
		{name: "server error", status: http.StatusServiceUnavailable, wantKind: failure.UploadChunkFailure},
		{name: "rate limited", status: http.StatusTooManyRequests, wantKind: failure.UploadChunkFailure},
		{name: "forbidden", status: http.StatusForbidden, wantKind: failure.UploadRejected},
		{name: "expired session", status: http.StatusGone, wantKind: failure.UploadRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, client := newResumable(t)
			server.Failures[0] = []int{tt.status}

			session, err := client.Open(context.Background(), network.OpenParams{Name: "a", SizeHint: -1, ChunkSize: 4})
			require.NoError(t, err)

			_, err = session.PutChunk(context.Background(), 0, []byte("abcd"), false)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, failure.KindOf(err))
		})
	}
}

func TestResumableClient_OffsetMismatch(t *testing.T) {
	_, client := newResumable(t)
	ctx := context.Background()

	session, err := client.Open(ctx, network.OpenParams{Name: "a", SizeHint: -1, ChunkSize: 4})
	require.NoError(t, err)

	_, err = session.PutChunk(ctx, 4, []byte("efgh"), false)
	require.Error(t, err)
	e, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, failure.OffsetMismatch, e.Kind)
	assert.Equal(t, int64(-1), e.Committed)
}

func TestResumableClient_PartialAcceptance(t *testing.T) {
	server, client := newResumable(t)
	server.MaxAccept = 3
	ctx := context.Background()

	session, err := client.Open(ctx, network.OpenParams{Name: "a", SizeHint: -1, ChunkSize: 4})
	require.NoError(t, err)

	res, err := session.PutChunk(ctx, 0, []byte("abcd"), false)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Committed)
}

func TestResumableClient_Open(t *testing.T) {
	t.Run("rejected", func(t *testing.T) {
		server, client := newResumable(t)
		server.OpenStatus = http.StatusForbidden

		_, err := client.Open(context.Background(), network.OpenParams{Name: "a", SizeHint: -1, ChunkSize: 4})
		require.Error(t, err)
		assert.Equal(t, failure.SessionOpenFailure, failure.KindOf(err))
		assert.Contains(t, err.Error(), "HTTP 403")
	})

	t.Run("unaligned chunk size", func(t *testing.T) {
		server := networktest.NewResumableServer()
		defer server.Close()
		config := server.Config()
		config.ChunkAlignment = network.DefaultChunkAlignment

		_, err := network.NewResumableClient(config, log.NewLogger()).Open(context.Background(),
			network.OpenParams{Name: "a", SizeHint: -1, ChunkSize: 5 * 1000 * 1000})
		assert.True(t, failure.Is(err, failure.InvalidInput))
	})
}

func TestResumableClient_Abort(t *testing.T) {
	server, client := newResumable(t)

	session, err := client.Open(context.Background(), network.OpenParams{Name: "a", SizeHint: -1, ChunkSize: 4})
	require.NoError(t, err)
	require.NoError(t, session.Abort(context.Background()))
	assert.True(t, server.Aborted("1"))
}

func TestResumablePublisher(t *testing.T) {
	server, client := newResumable(t)
	publisher := network.NewResumablePublisher(client)
	object := network.Object{ID: "42", Link: "https://example.com/42"}

	require.NoError(t, publisher.EnsureVisible(context.Background(), object, "shared-folder"))
	assert.Equal(t, "shared-folder", server.Folder("42"))

	link, err := publisher.GrantRead(context.Background(), object)
	require.NoError(t, err)
	assert.Equal(t, object.Link, link)
	assert.Equal(t, []string{"42"}, server.Grants())

	require.NoError(t, publisher.EnsureVisible(context.Background(), network.Object{ID: "43"}, ""))
	assert.Empty(t, server.Folder("43"))
	assert.Len(t, server.Permissions(), 1, "no owner configured")
	assert.Zero(t, server.MissingSharedDrives())
}

func newPublisherWithOwner(t *testing.T, email string) (*networktest.ResumableServer, *network.ResumablePublisher) {
	t.Helper()
	server := networktest.NewResumableServer()
	t.Cleanup(server.Close)

	config := server.Config()
	config.OwnerEmail = email
	return server, network.NewResumablePublisher(network.NewResumableClient(config, log.NewLogger()))
}

func TestResumablePublisher_TransfersOwnership(t *testing.T) {
	server, publisher := newPublisherWithOwner(t, "owner@example.com")

	require.NoError(t, publisher.EnsureVisible(context.Background(), network.Object{ID: "42"}, ""))

	perms := server.Permissions()
	require.Len(t, perms, 1)
	assert.Equal(t, networktest.Permission{
		FileID:            "42",
		Type:              "user",
		Role:              "owner",
		EmailAddress:      "owner@example.com",
		TransferOwnership: true,
		Status:            http.StatusOK,
	}, perms[0])
	assert.Zero(t, server.MissingSharedDrives())
}

func TestResumablePublisher_FallsBackToWriter(t *testing.T) {
	t.Run("writer granted", func(t *testing.T) {
		server, publisher := newPublisherWithOwner(t, "owner@example.com")
		server.OwnerStatus = http.StatusForbidden

		require.NoError(t, publisher.EnsureVisible(context.Background(), network.Object{ID: "42"}, "shared-folder"))

		perms := server.Permissions()
		require.Len(t, perms, 2)
		assert.Equal(t, "owner", perms[0].Role)
		assert.Equal(t, http.StatusForbidden, perms[0].Status)
		assert.Equal(t, "writer", perms[1].Role)
		assert.Equal(t, "owner@example.com", perms[1].EmailAddress)
		assert.False(t, perms[1].TransferOwnership)
		assert.Equal(t, http.StatusOK, perms[1].Status)
		assert.Equal(t, "shared-folder", server.Folder("42"))
		assert.Zero(t, server.MissingSharedDrives())
	})

	t.Run("writer refused too", func(t *testing.T) {
		server, publisher := newPublisherWithOwner(t, "owner@example.com")
		server.OwnerStatus = http.StatusForbidden
		server.WriterStatus = http.StatusBadRequest

		require.NoError(t, publisher.EnsureVisible(context.Background(), network.Object{ID: "42"}, ""))
		assert.Len(t, server.Permissions(), 2)
	})
}
