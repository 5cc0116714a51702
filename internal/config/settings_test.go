package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSettingsStoreList(t *testing.T) {
	t.Parallel()

	store := NewSettingsStore(writeConfig(t, connectionYAML+"fetch_interval: 60\n"))
	settings, err := store.List()
	require.NoError(t, err)

	values := map[string]any{}
	for _, s := range settings {
		values[s.Key] = s.Value
	}
	assert.Len(t, settings, len(settingKinds))
	assert.Equal(t, 60, values[KeyFetchInterval])
	assert.Equal(t, 100, values[KeyForwarderBatchSize])
	assert.Equal(t, maskedValue, values[KeyMISPAPIKey])
	assert.Equal(t, KeyFetchInterval, settings[0].Key, "settings are sorted by key")
}

func TestSettingsStoreGet(t *testing.T) {
	t.Parallel()

	store := NewSettingsStore(writeConfig(t, connectionYAML))

	v, err := store.Get("FETCH_PAGE_SIZE")
	require.NoError(t, err)
	assert.Equal(t, 100, v)

	_, err = store.Get("bogus")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownSetting))
}

func TestSettingsStoreSet(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		key     string
		value   string
		want    any
		wantErr string
	}{
		{name: "int", key: "forwarder_batch_size", value: "250", want: 250},
		{name: "bool_yes", key: "TEST_MODE", value: "yes", want: true},
		{name: "bool_zero", key: "misp_verify_ssl", value: "0", want: false},
		{name: "lookback_days", key: "historical_polling_days", value: "30", want: 30},
		{name: "lookback_date", key: "historical_polling_days", value: "2024-03-01", want: "2024-03-01"},
		{name: "log_level", key: "log_level", value: "DEBUG", want: "DEBUG"},
		{name: "batch_over_limit", key: "forwarder_batch_size", value: "600", wantErr: "must be between 1 and 500"},
		{name: "not_an_int", key: "fetch_interval", value: "often", wantErr: "expected an integer"},
		{name: "not_a_bool", key: "test_mode", value: "maybe", wantErr: "expected a boolean"},
		{name: "unknown_key", key: "color", value: "blue", wantErr: "unknown setting"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeConfig(t, connectionYAML)
			before, err := os.ReadFile(path)
			require.NoError(t, err)

			store := NewSettingsStore(path)
			store.now = fixedNow
			err = store.Set(context.Background(), tt.key, tt.value)

			after, readErr := os.ReadFile(path)
			require.NoError(t, readErr)

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Equal(t, before, after, "file must be untouched on failure")
				return
			}
			require.NoError(t, err)

			raw := map[string]any{}
			require.NoError(t, yaml.Unmarshal(after, &raw))
			assert.Equal(t, tt.want, raw[normalizeKey(tt.key)])
			assert.Equal(t, "secret", raw[KeyMISPAPIKey], "other keys are preserved")

			_, err = os.Stat(path + ".tmp")
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestSettingsStoreSetJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	initial := `{"misp_url": "https://misp.example.com", "misp_api_key": "k",
"google_sa_credentials": "sa.json", "google_customer_id": "c"}`
	require.NoError(t, os.WriteFile(path, []byte(initial), 0600))

	store := NewSettingsStore(path)
	require.NoError(t, store.Set(context.Background(), "fetch_interval", "90"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	raw := map[string]any{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.InDelta(t, 90, raw["fetch_interval"], 0)

	cfg, err := LoadConfig(WithConfigPath(path))
	require.NoError(t, err)
	assert.Equal(t, 90, cfg.FetchInterval)
}
