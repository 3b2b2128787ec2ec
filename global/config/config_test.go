package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VeChat/tools/errs"
)

func TestLoadDefaultsNeedSecret(t *testing.T) {
	t.Setenv("VECHAT_JWT_SECRET", "")
	_, err := Load("")
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.Code(err))
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vechat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9090
jwt:
  secret: s3cret
store:
  driver: mongo
  mongoUri: mongodb://localhost:27017
registry:
  staleAfter: 2m
`), 0o600))

	t.Setenv("VECHAT_NATS_SERVERS", "nats://a:4222, nats://b:4222")
	t.Setenv("VECHAT_SWEEP_EVERY", "30s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, StoreMongo, cfg.Store.Driver)
	assert.Equal(t, "vechat", cfg.Store.MongoDatabase)
	assert.Equal(t, 2*time.Minute, cfg.Registry.StaleAfter)
	assert.Equal(t, 30*time.Second, cfg.Registry.SweepEvery)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.Nats.Servers)
}

func TestNodeNameFromHostAndNodeID(t *testing.T) {
	cfg := Default()
	cfg.NodeID = 7
	cfg.fillNodeName(func() (string, error) { return "chat-a", nil })
	assert.Equal(t, "chat-a-7", cfg.NodeName)

	cfg = Default()
	cfg.NodeID = 3
	cfg.fillNodeName(func() (string, error) { return "", &errs.ErrInternal })
	assert.Equal(t, "vechat-3", cfg.NodeName)

	cfg.NodeName = "edge"
	cfg.fillNodeName(func() (string, error) { return "chat-a", nil })
	assert.Equal(t, "edge", cfg.NodeName)
}

func TestLoadDerivesNodeName(t *testing.T) {
	t.Setenv("VECHAT_JWT_SECRET", "s")
	t.Setenv("VECHAT_NODE_ID", "12")
	t.Setenv("VECHAT_NODE_NAME", "")
	cfg, err := Load("")
	require.NoError(t, err)
	host, _ := os.Hostname()
	if host == "" {
		host = "vechat"
	}
	assert.Equal(t, host+"-12", cfg.NodeName)
}

func TestValidate(t *testing.T) {
	base := Default()
	base.JWT.Secret = "s"
	require.NoError(t, base.Validate())

	cases := map[string]func(c *AppConfig){
		"mongo without uri":    func(c *AppConfig) { c.Store.Driver = StoreMongo },
		"postgres without url": func(c *AppConfig) { c.Store.Driver = StorePostgres },
		"unknown driver":       func(c *AppConfig) { c.Store.Driver = "sqlite" },
		"no secret":            func(c *AppConfig) { c.JWT.Secret = "" },
		"bad port":             func(c *AppConfig) { c.Port = 0 },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mut(&c)
			assert.Equal(t, errs.InvalidArgument, errs.Code(c.Validate()))
		})
	}
}

func TestParseRuntime(t *testing.T) {
	rt, err := ParseRuntime("logLevel: debug\nallowedOrigins: [app.vechat.io]\nregistry:\n  staleAfter: 90s\n  sweepEvery: 1m\n")
	require.NoError(t, err)
	assert.Equal(t, "debug", rt.LogLevel)
	assert.Equal(t, []string{"app.vechat.io"}, rt.AllowedOrigins)
	assert.Equal(t, 90*time.Second, rt.Registry.StaleAfter)
	assert.Equal(t, time.Minute, rt.Registry.SweepEvery)

	_, err = ParseRuntime("registry: [")
	assert.Error(t, err)
}

func TestJWTOptions(t *testing.T) {
	prev := Global
	t.Cleanup(func() { Global = prev })

	Global = Default()
	Global.JWT.Secret = "k"
	Global.JWT.TTL = time.Hour
	opts := JWTOptions()
	assert.Equal(t, []byte("k"), opts.Secret)
	assert.Equal(t, "HS256", opts.Alg)
	assert.Equal(t, time.Hour, opts.TTL)
}
