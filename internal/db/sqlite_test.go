package db

import (
	"context"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pysugar/completion-gateway/internal/apierr"
	"github.com/pysugar/completion-gateway/internal/db/models"
)

const testVaultKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// every pooled connection would otherwise get its own empty database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, Migrate(db))
	return db
}

func newTestStores(t *testing.T) *Stores {
	t.Helper()
	vault, err := NewVault(testVaultKey)
	require.NoError(t, err)
	return NewStores(newTestDB(t), vault)
}

func openAIConnection() *models.Connection {
	return &models.Connection{
		WorkspaceID:   "ws",
		EnvironmentID: "prod",
		ConnectionID:  "oa",
		Name:          "OpenAI",
		Provider:      "OpenAI",
		Capacity:      []models.CapacityEntry{{Period: models.PeriodMinute, Tokens: 1000, Enabled: true}},
	}
}

func TestVaultRoundTrip(t *testing.T) {
	vault, err := NewVault(testVaultKey)
	require.NoError(t, err)

	sealed, err := vault.Seal(map[string]any{"apiKey": "sk-live"}, "oa")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, sealedPrefix))
	assert.NotContains(t, sealed, "sk-live")

	cfg, err := vault.Open(sealed, "oa")
	require.NoError(t, err)
	assert.Equal(t, "sk-live", cfg["apiKey"])

	plain, err := vault.Open(`{"apiKey":"legacy"}`, "oa")
	require.NoError(t, err)
	assert.Equal(t, "legacy", plain["apiKey"])

	_, err = (&Vault{}).Open(sealed, "oa")
	assert.Error(t, err)

	_, err = NewVault("zz")
	assert.Error(t, err)
}

func TestVaultBindsConnectionID(t *testing.T) {
	vault, err := NewVault(testVaultKey)
	require.NoError(t, err)

	sealed, err := vault.Seal(map[string]any{"apiKey": "sk-live"}, "oa")
	require.NoError(t, err)

	_, err = vault.Open(sealed, "other")
	assert.Error(t, err)
	_, err = vault.Open(sealed, "")
	assert.Error(t, err)
}

func TestConnectionStoreRejectsConfigOfAnotherConnection(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	vault, err := NewVault(testVaultKey)
	require.NoError(t, err)
	stores := NewStores(database, vault)

	require.NoError(t, stores.Connections.Save(ctx, openAIConnection(), map[string]any{"apiKey": "sk-live"}))
	other := openAIConnection()
	other.ConnectionID = "copy"
	require.NoError(t, stores.Connections.Save(ctx, other, map[string]any{"apiKey": "sk-other"}))

	var source models.Connection
	require.NoError(t, database.Where("connection_id = ?", "oa").First(&source).Error)
	require.NoError(t, database.Model(&models.Connection{}).
		Where("connection_id = ?", "copy").
		Update("config", source.Config).Error)
	stores.Connections.Invalidate("ws", "prod", "copy")

	_, err = stores.Connections.Get(ctx, "ws", "prod", "copy")
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 500, apiErr.StatusCode)
}

func TestConnectionStoreNotifiesConfigChanges(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)

	type change struct {
		provider          string
		previous, current map[string]any
	}
	var changes []change
	stores.Connections.OnConfigChange(func(conn *models.Connection, previous, current map[string]any) {
		changes = append(changes, change{conn.Provider, previous, current})
	})

	require.NoError(t, stores.Connections.Save(ctx, openAIConnection(), map[string]any{"apiKey": "sk-1"}))
	require.NoError(t, stores.Connections.Save(ctx, openAIConnection(), map[string]any{"apiKey": "sk-2"}))

	require.Len(t, changes, 2)
	assert.Nil(t, changes[0].previous)
	assert.Equal(t, "sk-1", changes[0].current["apiKey"])
	assert.Equal(t, "sk-1", changes[1].previous["apiKey"])
	assert.Equal(t, "sk-2", changes[1].current["apiKey"])
	assert.Equal(t, "openai", changes[1].provider)
}

func TestConnectionStore(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)

	require.NoError(t, stores.Connections.Save(ctx, openAIConnection(), map[string]any{"apiKey": "sk-live"}))

	conn, err := stores.Connections.Get(ctx, "ws", "prod", "oa")
	require.NoError(t, err)
	assert.Equal(t, "openai", conn.Provider)
	assert.Equal(t, "sk-live", conn.DecryptedConfig["apiKey"])
	assert.NotContains(t, conn.Config, "sk-live")

	// callers may scribble on their copy
	conn.DecryptedConfig["apiKey"] = "changed"
	again, err := stores.Connections.Get(ctx, "ws", "prod", "oa")
	require.NoError(t, err)
	assert.Equal(t, "sk-live", again.DecryptedConfig["apiKey"])

	_, err = stores.Connections.Get(ctx, "ws", "prod", "missing")
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 404, apiErr.StatusCode)
	assert.Equal(t, apierr.CodeConnectionNotFound, apiErr.Code)
}

func TestConnectionStoreRejectsIncompleteConfig(t *testing.T) {
	stores := newTestStores(t)
	err := stores.Connections.Save(context.Background(), openAIConnection(), map[string]any{})
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, 400, apiErr.StatusCode)
	assert.Equal(t, apierr.CodeConnectionInvalid, apiErr.Code)
	assert.Contains(t, apiErr.Message, "apiKey")
}

func TestConnectionStoreDiscoveredCapacity(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)
	require.NoError(t, stores.Connections.Save(ctx, openAIConnection(), map[string]any{"apiKey": "sk-live"}))

	// warm the cache so the update has to invalidate it
	_, err := stores.Connections.Get(ctx, "ws", "prod", "oa")
	require.NoError(t, err)

	entries := []models.CapacityEntry{{Period: models.PeriodMinute, Requests: 500, Tokens: 30000, Enabled: true}}
	require.NoError(t, stores.Connections.UpdateDiscoveredCapacity(ctx, "ws", "prod", "oa", "gpt-4o", entries))
	require.NoError(t, stores.Connections.UpdateDiscoveredCapacity(ctx, "ws", "prod", "oa", "gpt-4o-mini", entries[:1]))

	conn, err := stores.Connections.Get(ctx, "ws", "prod", "oa")
	require.NoError(t, err)
	assert.Equal(t, entries, conn.ModelCapacity("gpt-4o"))
	assert.Len(t, conn.ModelCapacity("gpt-4o-mini"), 1)
	assert.Nil(t, conn.ModelCapacity("o3"))
	assert.Equal(t, "sk-live", conn.DecryptedConfig["apiKey"])
}

func TestResourceStore(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)

	res := &models.Resource{
		WorkspaceID:   "ws",
		EnvironmentID: "prod",
		Resource:      "chat",
		Model:         models.ModelSelector{Provider: "openai", Model: "gpt-4o", ConnectionID: "oa"},
	}
	require.NoError(t, stores.Resources.Save(ctx, res))

	got, err := stores.Resources.Get(ctx, "ws", "prod", "chat")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", got.Model.Model)

	res.Model.Model = "gpt-4o-mini"
	require.NoError(t, stores.Resources.Save(ctx, res))
	got, err = stores.Resources.Get(ctx, "ws", "prod", "chat")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", got.Model.Model)

	_, err = stores.Resources.Get(ctx, "ws", "dev", "chat")
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeResourceNotFound, apiErr.Code)
}

func TestAPIKeyStore(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)

	key := &models.APIKey{WorkspaceID: "ws", EnvironmentID: "prod", Name: "ci", Enabled: true, Resources: []string{"chat"}}
	secret, err := stores.APIKeys.Create(ctx, key)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(secret, "sk-"))
	assert.Len(t, secret, 35)
	assert.NotEmpty(t, key.APIKeyID)
	assert.Equal(t, MaskAPIKey(secret), key.MaskedKey)

	got, err := stores.APIKeys.Verify(ctx, secret)
	require.NoError(t, err)
	assert.Equal(t, key.APIKeyID, got.APIKeyID)
	assert.True(t, got.AllowsResource("chat"))
	assert.False(t, got.AllowsResource("other"))

	for _, bad := range []string{"", "sk-unknown"} {
		_, err := stores.APIKeys.Verify(ctx, bad)
		apiErr, ok := apierr.As(err)
		require.True(t, ok, bad)
		assert.Equal(t, 401, apiErr.StatusCode)
	}

	require.NoError(t, stores.APIKeys.Disable(ctx, key.APIKeyID))
	_, err = stores.APIKeys.Verify(ctx, secret)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, "API key is disabled", apiErr.Message)
}

func TestWorkspaceAndPoolStores(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)

	w, err := stores.Workspaces.Get(ctx, "ws")
	require.NoError(t, err)
	assert.Nil(t, w)
	p, err := stores.Pools.GetPool(ctx, "ws", "prod")
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, stores.Workspaces.Save(ctx, &models.Workspace{
		WorkspaceID: "ws",
		Quota:       []models.CapacityEntry{{Period: models.PeriodMonth, Tokens: 1_000_000, Enabled: true}},
	}))
	require.NoError(t, stores.Pools.Save(ctx, &models.PoolDefinition{
		WorkspaceID:   "ws",
		EnvironmentID: "prod",
		Definition:    []models.PoolDefinitionEntry{{Name: "gold", Rank: 1, MinReservation: 50, MaxReservation: 100, Resources: []string{"chat"}}},
	}))

	w, err = stores.Workspaces.Get(ctx, "ws")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, int64(1_000_000), w.Quota[0].Tokens)

	p, err = stores.Pools.GetPool(ctx, "ws", "prod")
	require.NoError(t, err)
	entry, ok := p.EntryForResource("chat")
	require.True(t, ok)
	assert.Equal(t, "gold", entry.Name)
}

const seedYAML = `
workspaces:
  - workspaceId: ws
    quota:
      - period: day
        tokens: 50000
        enabled: true
connections:
  - workspaceId: ws
    environmentId: prod
    connectionId: oa
    provider: openai
    config:
      apiKey: sk-upstream
resources:
  - workspaceId: ws
    environmentId: prod
    resource: chat
    model:
      provider: openai
      model: gpt-4o
      connectionId: oa
apiKeys:
  - workspaceId: ws
    environmentId: prod
    name: local
    key: sk-local-development
    enabled: true
    resources: ["*"]
`

func TestSeed(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)

	seed, err := ParseSeed([]byte(seedYAML))
	require.NoError(t, err)
	require.NoError(t, stores.Seed(ctx, seed))
	stores.Purge()

	conn, err := stores.Connections.Get(ctx, "ws", "prod", "oa")
	require.NoError(t, err)
	assert.Equal(t, "sk-upstream", conn.DecryptedConfig["apiKey"])

	res, err := stores.Resources.Get(ctx, "ws", "prod", "chat")
	require.NoError(t, err)
	assert.Equal(t, "oa", res.Model.ConnectionID)

	key, err := stores.APIKeys.Verify(ctx, "sk-local-development")
	require.NoError(t, err)
	assert.True(t, key.AllowsResource("anything"))

	w, err := stores.Workspaces.Get(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, int64(50000), w.Quota[0].Tokens)
}

func TestSeedRequiresAPIKeySecret(t *testing.T) {
	seed, err := ParseSeed([]byte("apiKeys:\n  - name: broken\n"))
	require.NoError(t, err)
	assert.Error(t, newTestStores(t).Seed(context.Background(), seed))
}
