package sessions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/gophupload/internal/server/config"
)

func TestNew_SelectsDriver(t *testing.T) {
	var cfg config.Config
	cfg.LoadDefaults()

	store, err := New(context.Background(), &cfg)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	cfg.Sessions.Driver = "redis"
	cfg.Sessions.RedisAddr = "127.0.0.1:0"
	store, err = New(context.Background(), &cfg)
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, store)
	_ = store.Close()

	cfg.Sessions.Driver = "dynamodb"
	cfg.Sessions.DynamoTable = "upload_sessions"
	store, err = New(context.Background(), &cfg)
	require.NoError(t, err)
	assert.Equal(t, "sessions[dynamodb:upload_sessions]", store.Name())

	cfg.Sessions.Driver = "postgres"
	_, err = New(context.Background(), &cfg)
	assert.Error(t, err)

	cfg.Sessions.Driver = "etcd"
	_, err = New(context.Background(), &cfg)
	assert.Error(t, err)
}
