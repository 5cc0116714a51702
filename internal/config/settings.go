package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

// SettingKind describes how a setting value is converted from text
type SettingKind int

// Setting kinds
const (
	KindInt SettingKind = iota
	KindBool
	KindString
	KindLookback
	KindSecret
)

const (
	lockRetryDelay = 50 * time.Millisecond
	lockTimeout    = 10 * time.Second
	maskedValue    = "********"
)

// ErrUnknownSetting is returned for keys the forwarder does not recognise
var ErrUnknownSetting = errors.New("unknown setting")

var settingKinds = map[string]SettingKind{
	KeyFetchInterval:         KindInt,
	KeyFetchPageSize:         KindInt,
	KeyForwarderBatchSize:    KindInt,
	KeyIOCExpirationDays:     KindInt,
	KeyHistoricalPollingDays: KindLookback,
	KeyLogLevel:              KindString,
	KeyTestMode:              KindBool,
	KeyMaxTestEvents:         KindInt,
	KeyMISPURL:               KindString,
	KeyMISPAPIKey:            KindSecret,
	KeyMISPVerifySSL:         KindBool,
	KeyGoogleSACredentials:   KindString,
	KeyGoogleCustomerID:      KindString,
	KeySecOpsEntityAPIURL:    KindString,
}

// Setting is a single key and its effective value
type Setting struct {
	Key   string
	Value any
}

// SettingsStore reads and edits the configuration file.
// Every successful Set produces a new file that the Watcher observes.
type SettingsStore struct {
	path string
	now  func() time.Time
}

// NewSettingsStore creates a settings store for the configuration file at path
func NewSettingsStore(path string) *SettingsStore {
	return &SettingsStore{path: path, now: time.Now}
}

// List returns every known setting with its effective value, sorted by key.
// Secrets are masked.
func (s *SettingsStore) List() ([]Setting, error) {
	raw, err := s.read()
	if err != nil {
		return nil, err
	}

	v := newViper(nil)
	if err := v.MergeConfigMap(raw); err != nil {
		return nil, fmt.Errorf("failed to merge configuration: %w", err)
	}

	keys := make([]string, 0, len(settingKinds))
	for k := range settingKinds {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	settings := make([]Setting, 0, len(keys))
	for _, k := range keys {
		settings = append(settings, Setting{Key: k, Value: displayValue(k, v.Get(k))})
	}
	return settings, nil
}

// Get returns the effective value of a single setting
func (s *SettingsStore) Get(key string) (any, error) {
	key = normalizeKey(key)
	if _, ok := settingKinds[key]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}

	settings, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, st := range settings {
		if st.Key == key {
			return st.Value, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSetting, key)
}

// Set converts value to the type of key, validates the resulting configuration
// and atomically replaces the file. The file is left untouched if validation fails.
func (s *SettingsStore) Set(ctx context.Context, key, value string) error {
	key = normalizeKey(key)
	kind, ok := settingKinds[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}

	converted, err := convertValue(kind, value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	lock := flock.New(s.path + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil || !locked {
		return fmt.Errorf("failed to lock configuration file: %w", err)
	}
	defer func() {
		_ = lock.Unlock()
	}()

	raw, err := s.read()
	if err != nil {
		return err
	}
	raw[key] = converted

	if _, err := loadFromMap(raw, s.now); err != nil {
		return err
	}

	return s.write(raw)
}

func (s *SettingsStore) read() (map[string]any, error) {
	// #nosec G304 -- path is supplied by the operator on the command line
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	normalized := make(map[string]any, len(raw))
	for k, v := range raw {
		normalized[normalizeKey(k)] = v
	}
	return normalized, nil
}

func (s *SettingsStore) write(raw map[string]any) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(s.path), ".json") {
		data, err = json.MarshalIndent(raw, "", "  ")
	} else {
		data, err = yaml.Marshal(raw)
	}
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary config file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func convertValue(kind SettingKind, value string) (any, error) {
	value = strings.TrimSpace(value)
	switch kind {
	case KindInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("expected an integer, got %q", value)
		}
		return n, nil
	case KindBool:
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		default:
			return nil, fmt.Errorf("expected a boolean (true/false, 1/0, yes/no), got %q", value)
		}
	case KindLookback:
		if n, err := strconv.Atoi(value); err == nil {
			return n, nil
		}
		return value, nil
	default:
		return value, nil
	}
}

func displayValue(key string, value any) any {
	if settingKinds[key] == KindSecret {
		if s, ok := value.(string); ok && s != "" {
			return maskedValue
		}
	}
	return value
}
