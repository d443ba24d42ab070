package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/fleetrun/pkg/config/filestore"
)

const inventoryYAML = `
settings:
  workers: 4
  dialTimeout: 3s
defaults:
  username: root
  password: hunter2
targets:
  - host: 10.0.0.1
  - host: 10.0.0.2
    port: 2222
    username: deploy
    password: s3cret
  - host: web-3.internal
kafka:
  brokers: ["localhost:9092"]
  requestTopic: fleet-requests
  resultTopic: fleet-results
  groupId: fleetrun
`

func writeInventory(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadInventoryAppliesDefaults(t *testing.T) {
	store, err := NewStore(FileStore, &FileConfig{Path: writeInventory(t, inventoryYAML)})
	require.NoError(t, err)

	inv, err := LoadInventory(store)
	require.NoError(t, err)

	assert.Equal(t, 4, inv.Settings.Workers)
	assert.Equal(t, 3*time.Second, inv.Settings.DialTimeout)
	assert.Equal(t, DefaultSettings.Settle, inv.Settings.Settle)
	assert.Equal(t, DefaultSettings.PollRounds, inv.Settings.PollRounds)
	assert.Equal(t, DefaultSettings.SnapshotEvery, inv.Settings.SnapshotEvery)
	assert.Equal(t, "fleet-requests", inv.Kafka.RequestTopic)

	targets := inv.BuildTargets()
	require.Len(t, targets, 3)
	assert.Equal(t, "10.0.0.1:22", targets[0].Endpoint())
	user, pass := targets[0].Credentials()
	assert.Equal(t, "root", user)
	assert.Equal(t, "hunter2", pass)

	user, pass = targets[1].Credentials()
	assert.Equal(t, "deploy", user)
	assert.Equal(t, "s3cret", pass)
	assert.Equal(t, 2222, targets[1].Port())
}

func TestLoadInventoryRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no targets", "defaults:\n  username: root\n"},
		{"missing host", "defaults:\n  username: root\ntargets:\n  - port: 22\n"},
		{"bad port", "defaults:\n  username: root\ntargets:\n  - host: 10.0.0.1\n    port: 70000\n"},
		{"no username anywhere", "targets:\n  - host: 10.0.0.1\n"},
		{"bad broker", "defaults:\n  username: root\ntargets:\n  - host: 10.0.0.1\nkafka:\n  brokers: [\"nope\"]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadInventory(filestore.New(writeInventory(t, tt.body)))
			assert.Error(t, err)
		})
	}
}

func TestLoadInventoryMissingFile(t *testing.T) {
	_, err := LoadInventory(filestore.New(filepath.Join(t.TempDir(), "absent.yaml")))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSelect(t *testing.T) {
	inv := &Inventory{
		Defaults: Credentials{Username: "root"},
		Targets:  []TargetSpec{{Host: "10.0.0.1"}, {Host: "10.0.0.2", Port: 2222}, {Host: "10.0.0.3"}},
	}
	inv.ApplyDefaults()
	all := inv.BuildTargets()

	picked, err := Select(all, nil)
	require.NoError(t, err)
	assert.Len(t, picked, 3)

	picked, err = Select(all, []string{"10.0.0.3", "10.0.0.2:2222", "10.0.0.3"})
	require.NoError(t, err)
	require.Len(t, picked, 2)
	assert.Same(t, all[2], picked[0])
	assert.Same(t, all[1], picked[1])

	_, err = Select(all, []string{"10.9.9.9"})
	assert.Error(t, err)
}

func TestParseStoreType(t *testing.T) {
	st, err := ParseStoreType("")
	require.NoError(t, err)
	assert.Equal(t, FileStore, st)

	st, err = ParseStoreType("Mongo")
	require.NoError(t, err)
	assert.Equal(t, MongoStore, st)

	_, err = ParseStoreType("etcd")
	assert.ErrorIs(t, err, ErrInvalidStoreType)
}

func TestNewStoreRejectsWrongConfig(t *testing.T) {
	_, err := NewStore(FileStore, &MongoConfig{})
	assert.Error(t, err)
	_, err = NewStore(StoreType(42), nil)
	assert.ErrorIs(t, err, ErrInvalidStoreType)
}

func TestFileStoreSaveAndWatch(t *testing.T) {
	path := writeInventory(t, inventoryYAML)
	store := filestore.New(path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan struct{}, 8)
	require.NoError(t, store.Watch(ctx, func() { changed <- struct{}{} }))

	inv, err := LoadInventory(store)
	require.NoError(t, err)
	inv.Targets = append(inv.Targets, TargetSpec{Host: "10.0.0.9", Port: 22, Username: "ops"})
	require.NoError(t, store.Save(inv))

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification after save")
	}

	reloaded, err := LoadInventory(store)
	require.NoError(t, err)
	assert.Len(t, reloaded.Targets, 4)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
