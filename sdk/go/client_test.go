package casetracksdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casetrack/internal/config"
	"casetrack/internal/db"
	"casetrack/internal/engine"
	"casetrack/internal/migrate"
	"casetrack/internal/server"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(ctx, conn, nil)
	require.NoError(t, err)
	cfg := config.Default()
	e := engine.New(conn, cfg)
	_, err = e.ImportCatalog(ctx, cfg, "sdk-user")
	require.NoError(t, err)
	require.NoError(t, e.GrantRole(ctx, "sdk-user", "owner", "sdk-user"))

	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{AllowLegacyActorHeader: true}})
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	c := New(ts.URL + "/")
	c.ActorID = "sdk-user"
	return c
}

func TestClientCaseFlow(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	cs, err := client.CreateCase(ctx, "direct-award", "", "Printer toner")
	require.NoError(t, err)
	assert.Equal(t, "open", cs.Status)

	art, cs, err := client.AddArtifact(ctx, cs.ID, "da-requisition", "requisition.pdf")
	require.NoError(t, err)
	assert.Equal(t, "da-requisition", art.StageID)
	assert.Equal(t, 25, cs.CompletionPercentage)

	p, err := client.GetProgress(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, p.Percentage)
	assert.Equal(t, 4, p.TotalCount)
	assert.Equal(t, []string{"da-quotes", "da-justification", "da-order"}, p.Pending)

	cs, err = client.RemoveArtifact(ctx, cs.ID, art.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, cs.CompletionPercentage)

	cs, err = client.Recalculate(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, "open", cs.Status)

	cs, err = client.Reject(ctx, cs.ID, "vendor withdrew")
	require.NoError(t, err)
	assert.Equal(t, "rejected", cs.Status)

	got, err := client.GetCase(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, "vendor withdrew", got.RejectionReason)
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	_, err := client.GetProgress(ctx, "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)

	cs, err := client.CreateCase(ctx, "direct-award", "", "")
	require.NoError(t, err)
	_, err = client.Reject(ctx, cs.ID, "")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	client.ActorID = ""
	_, err = client.GetCase(ctx, cs.ID)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}
