package config

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/c360/espflow/errors"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, TransportWebSocket, cfg.Transport)
	assert.Equal(t, 45*time.Second, cfg.Engine.HandshakeTimeout.D())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"memory needs nothing", func(c *Config) { c.Transport = "memory"; c.Engine.URL = "" }, ""},
		{"transport is case-insensitive", func(c *Config) { c.Transport = " NATS " }, ""},
		{"unknown transport", func(c *Config) { c.Transport = "carrier-pigeon" }, "unknown transport"},
		{"websocket needs url", func(c *Config) { c.Engine.URL = "" }, "engine.url is required"},
		{"bad scheme", func(c *Config) { c.Engine.URL = "ftp://engine:21" }, "scheme"},
		{"no host", func(c *Config) { c.Engine.URL = "http://" }, "has no host"},
		{"nats needs urls", func(c *Config) { c.Transport = "nats"; c.NATS.URLs = nil }, "nats.urls"},
		{"bad prefix", func(c *Config) { c.NATS.Prefix = "esp.>" }, "nats.prefix"},
		{"bad publish format", func(c *Config) { c.Publish.Format = "parquet" }, "publish.format"},
		{"bad opcode", func(c *Config) { c.Publish.Opcode = "merge" }, "publish.opcode"},
		{"negative rate", func(c *Config) { c.Publish.Rate = -1 }, "must not be negative"},
		{"bad mode", func(c *Config) { c.Subscribe.Mode = "polling" }, "subscribe.mode"},
		{"bad duplicates", func(c *Config) { c.Subscribe.Duplicates = "merge" }, "subscribe.duplicates"},
		{"bad horizon mode", func(c *Config) { c.Subscribe.HorizonMode = "some" }, "horizon_mode"},
		{"negative limit", func(c *Config) { c.Subscribe.Limit = -5 }, "must not be negative"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"metrics port", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Port = 70000 }, "metrics.port"},
		{"server tls needs files", func(c *Config) { c.Security.TLS.Server.Enabled = true }, "cert_file"},
		{"tls version", func(c *Config) { c.Security.TLS.Client.MinVersion = "1.0" }, "TLS version"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestClone_IsDeep(t *testing.T) {
	cfg := Default()
	cfg.Security.TLS.Client.CAFiles = []string{"ca.pem"}
	clone := cfg.Clone()

	clone.NATS.URLs[0] = "nats://elsewhere:4222"
	clone.Security.TLS.Client.CAFiles[0] = "other.pem"
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URLs[0])
	assert.Equal(t, "ca.pem", cfg.Security.TLS.Client.CAFiles[0])
}

func TestString_MasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Engine.Authorization = "Bearer s3cret"
	cfg.NATS.Password = "hunter2"
	out := cfg.String()
	assert.NotContains(t, out, "s3cret")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, `"authorization": "***"`)
	assert.Equal(t, "Bearer s3cret", cfg.Engine.Authorization)
}

func TestSafeConfig(t *testing.T) {
	sc := NewSafeConfig(nil)
	got := sc.Get()
	got.Transport = "changed"
	assert.Equal(t, TransportWebSocket, sc.Get().Transport, "Get must hand out copies")

	bad := Default()
	bad.Transport = "bogus"
	err := sc.Update(bad)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, TransportWebSocket, sc.Get().Transport)

	err = sc.Update(nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	next := Default()
	next.Transport = TransportMemory
	require.NoError(t, sc.Update(next))
	next.Transport = "mutated after update"
	assert.Equal(t, TransportMemory, sc.Get().Transport)
}

func TestSafeConfig_Concurrent(t *testing.T) {
	sc := NewSafeConfig(Default())
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				cfg := Default()
				cfg.Subscribe.Limit = i
				assert.NoError(t, sc.Update(cfg))
				return
			}
			assert.NotNil(t, sc.Get())
		}()
	}
	wg.Wait()
}

func TestDuration(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		var v struct {
			A Duration `json:"a"`
			B Duration `json:"b"`
			C Duration `json:"c"`
		}
		require.NoError(t, json.Unmarshal([]byte(`{"a":"250ms","b":1000000000,"c":"2d"}`), &v))
		assert.Equal(t, 250*time.Millisecond, v.A.D())
		assert.Equal(t, time.Second, v.B.D())
		assert.Equal(t, 48*time.Hour, v.C.D())

		out, err := json.Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, `{"a":"250ms","b":"1s","c":"48h0m0s"}`, string(out))

		assert.Error(t, json.Unmarshal([]byte(`{"a":"soon"}`), &v))
		assert.Error(t, json.Unmarshal([]byte(`{"a":true}`), &v))
	})

	t.Run("yaml", func(t *testing.T) {
		var v struct {
			A Duration `yaml:"a"`
			B Duration `yaml:"b"`
		}
		require.NoError(t, yaml.Unmarshal([]byte("a: 45s\nb: 5\n"), &v))
		assert.Equal(t, 45*time.Second, v.A.D())
		assert.Equal(t, Duration(5), v.B)

		out, err := yaml.Marshal(v)
		require.NoError(t, err)
		assert.True(t, strings.Contains(string(out), "a: 45s"), string(out))

		err = yaml.Unmarshal([]byte("a: [1, 2]\n"), &v)
		assert.Error(t, err)
	})
}

func TestOptions(t *testing.T) {
	cfg := Default()
	cfg.Publish.Rate = 100
	cfg.Publish.Pause = Duration(time.Millisecond)
	pub, err := cfg.Publish.Options()
	require.NoError(t, err)
	assert.Len(t, pub, 7)

	cfg.Subscribe.Limit = 10
	sub, err := cfg.Subscribe.Options()
	require.NoError(t, err)
	assert.NotEmpty(t, sub)

	cfg.Subscribe.Duplicates = "merge"
	_, err = cfg.Subscribe.Options()
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	cfg.Publish.Opcode = "merge"
	_, err = cfg.Publish.Options()
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}
