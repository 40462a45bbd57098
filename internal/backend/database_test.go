package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDatabaseIdempotentOnExists(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"detail": "database already exists"}`))
	}))
	defer server.Close()

	client := testClient(t, server, nil)
	result, err := client.CreateDatabase(context.Background(), CreateDatabaseRequest{
		GraphID:    "kg0123456789abcdef",
		SchemaType: "entity",
	})
	require.NoError(t, err)
	assert.Equal(t, "exists", result.Status)
	assert.Equal(t, "kg0123456789abcdef", result.GraphID)
}

func TestCreateDatabasePassesIsSubgraph(t *testing.T) {
	var got CreateDatabaseRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"graph_id": "kg0123456789abcdef_dev", "status": "created"}`))
	}))
	defer server.Close()

	client := testClient(t, server, nil)
	result, err := client.CreateDatabase(context.Background(), CreateDatabaseRequest{
		GraphID:    "kg0123456789abcdef_dev",
		SchemaType: "entity",
		IsSubgraph: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "created", result.Status)
	assert.True(t, got.IsSubgraph, "is_subgraph bypasses the max_databases check on the worker")
}

func TestDeleteDatabaseIdempotent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"detail": "database already deleted"}`))
	}))
	defer server.Close()

	client := testClient(t, server, nil)
	err := client.DeleteDatabase(context.Background(), "kg0123456789abcdef")
	assert.NoError(t, err, "delete is idempotent on a deleted database")
}

func TestDatabaseExists(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/databases/kg0123456789abcdef" {
			w.Write([]byte(`{"graph_id": "kg0123456789abcdef"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := testClient(t, server, nil)

	exists, err := client.DatabaseExists(context.Background(), "kg0123456789abcdef")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = client.DatabaseExists(context.Background(), "kgffffffffffffffff")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestInstallSchemaMutuallyExclusive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := testClient(t, server, nil)
	ctx := context.Background()

	err := client.InstallSchema(ctx, "kg0123456789abcdef", "entity", nil, "CREATE NODE TABLE T(id INT64, PRIMARY KEY(id))")
	assert.Error(t, err, "base schema and DDL together must be rejected")

	err = client.InstallSchema(ctx, "kg0123456789abcdef", "", nil, "")
	assert.Error(t, err, "one of base schema or DDL is required")

	err = client.InstallSchema(ctx, "kg0123456789abcdef", "entity", []string{"sec"}, "")
	assert.NoError(t, err)
}

func TestInstallSchemaBodies(t *testing.T) {
	var got SchemaInstallRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := testClient(t, server, nil)
	ctx := context.Background()

	require.NoError(t, client.InstallSchema(ctx, "kg0123456789abcdef", "entity", []string{"sec", "esg"}, ""))
	assert.Equal(t, "custom", got.Type)
	require.NotNil(t, got.Metadata)
	assert.Equal(t, "entity", got.Metadata.BaseSchema)
	assert.Equal(t, []string{"sec", "esg"}, got.Metadata.Extensions)

	require.NoError(t, client.InstallSchema(ctx, "kg0123456789abcdef", "", nil, "CREATE NODE TABLE T(id INT64, PRIMARY KEY(id))"))
	assert.Equal(t, "ddl", got.Type)
	assert.NotEmpty(t, got.DDL)
}

func TestForkFromParent(t *testing.T) {
	var got ForkRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/databases/kg0123456789abcdef/fork", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"status": "completed", "tables_copied": ["Entity", "Transaction"], "total_rows": 420}`))
	}))
	defer server.Close()

	client := testClient(t, server, nil)
	result, err := client.ForkFromParent(context.Background(), "kg0123456789abcdef", "kg0123456789abcdef_dev",
		[]string{"Entity", "Transaction"}, nil, false)
	require.NoError(t, err)

	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, []string{"Entity", "Transaction"}, result.TablesCopied)
	assert.Equal(t, int64(420), result.TotalRows)
	assert.Equal(t, "kg0123456789abcdef_dev", got.SubgraphID)
}
