// Package config loads and persists robocurse's on-disk configuration
// document: global settings, the profile list, and the snapshot
// registry (section 6's "Config file" external interface). Reads
// tolerate missing optional keys with defaults; writes go through
// lockedfile's atomic rename so concurrent writers (the snapshot
// manager's write-through registry updates in particular) never
// corrupt the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/robocurse/pkg/lockedfile"
	"github.com/cuemby/robocurse/pkg/log"
	"github.com/cuemby/robocurse/pkg/types"
)

// Global holds cluster-wide settings independent of any one profile.
type Global struct {
	MaxWorkers      int           `yaml:"maxWorkers"`
	LogRoot         string        `yaml:"logRoot"`
	HealthInterval  time.Duration `yaml:"healthInterval"`
	HealthPath      string        `yaml:"healthPath"`
	CheckpointEvery int           `yaml:"checkpointEvery"`
	CopyToolPath    string        `yaml:"copyToolPath"`
}

// NotificationSettings describes where the Notification Hook's
// summary should be delivered; transport internals live outside the
// core, per spec §1 Non-goals — this is the addressing info only.
type NotificationSettings struct {
	Enabled    bool     `yaml:"enabled"`
	EmailTo    []string `yaml:"emailTo,omitempty"`
	WebhookURL string   `yaml:"webhookUrl,omitempty"`
}

// SnapshotRegistryEntry is one volume's ordered list of shadow ids,
// the on-disk form of the snapshot manager's registry (spec §4.3).
type SnapshotRegistryEntry struct {
	VolumeKey string   `yaml:"volumeKey"`
	ShadowIDs []string `yaml:"shadowIds"`
}

// Document is the full on-disk configuration.
type Document struct {
	Global       Global                  `yaml:"global"`
	Profiles     []*types.Profile        `yaml:"profiles"`
	SnapshotReg  []SnapshotRegistryEntry `yaml:"snapshotRegistry"`
	Notification NotificationSettings    `yaml:"notification"`
}

// DefaultGlobal returns the baseline Global settings applied when the
// config file omits them.
func DefaultGlobal() Global {
	return Global{
		MaxWorkers:      4,
		LogRoot:         "/var/log/robocurse",
		HealthInterval:  5 * time.Second,
		HealthPath:      "/tmp/robocurse-health.json",
		CheckpointEvery: 10,
		CopyToolPath:    "robocopy",
	}
}

// Store loads and atomically persists a Document at a fixed path.
type Store struct {
	path string
	lf   *lockedfile.LockedFile
}

// NewStore creates a config store rooted at path.
func NewStore(path string) *Store {
	return &Store{path: path, lf: lockedfile.New(path)}
}

// Load reads the document at path, filling in defaults for any
// missing optional fields. A missing file yields a Document with
// defaults and no profiles, not an error.
func (s *Store) Load() (*Document, error) {
	data, err := s.lf.ReadFile()
	if err != nil {
		if isNotExist(err) {
			doc := &Document{Global: DefaultGlobal()}
			return doc, nil
		}
		return nil, fmt.Errorf("read config %s: %w", s.path, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", s.path, err)
	}

	strict := yaml.NewDecoder(bytes.NewReader(data))
	strict.KnownFields(true)
	var probe Document
	if err := strict.Decode(&probe); err != nil && !errors.Is(err, io.EOF) {
		log.Debug("config contains unknown keys, ignored: " + err.Error())
	}

	applyDefaults(&doc)
	return &doc, nil
}

// Save atomically writes doc to the store's path.
func (s *Store) Save(doc *Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := s.lf.WriteAtomic(data, 0644); err != nil {
		return fmt.Errorf("write config %s: %w", s.path, err)
	}
	return nil
}

// UpsertSnapshotRegistry performs a write-through update of a single
// volume's shadow-id list, preserving the rest of the document. This
// is what the snapshot manager calls immediately after creating or
// deleting an OS snapshot (spec §4.3: "write-through... not a temp
// copy that might never be merged").
func (s *Store) UpsertSnapshotRegistry(volumeKey string, shadowIDs []string) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}

	found := false
	for i := range doc.SnapshotReg {
		if doc.SnapshotReg[i].VolumeKey == volumeKey {
			doc.SnapshotReg[i].ShadowIDs = shadowIDs
			found = true
			break
		}
	}
	if !found {
		doc.SnapshotReg = append(doc.SnapshotReg, SnapshotRegistryEntry{
			VolumeKey: volumeKey,
			ShadowIDs: shadowIDs,
		})
	}

	return s.Save(doc)
}

func applyDefaults(doc *Document) {
	defaults := DefaultGlobal()
	if doc.Global.MaxWorkers == 0 {
		doc.Global.MaxWorkers = defaults.MaxWorkers
	}
	if doc.Global.LogRoot == "" {
		doc.Global.LogRoot = defaults.LogRoot
	}
	if doc.Global.HealthInterval == 0 {
		doc.Global.HealthInterval = defaults.HealthInterval
	}
	if doc.Global.HealthPath == "" {
		doc.Global.HealthPath = defaults.HealthPath
	}
	if doc.Global.CheckpointEvery == 0 {
		doc.Global.CheckpointEvery = defaults.CheckpointEvery
	}
	if doc.Global.CopyToolPath == "" {
		doc.Global.CopyToolPath = defaults.CopyToolPath
	}
	for _, p := range doc.Profiles {
		if p.MaxChunkFiles == 0 {
			p.MaxChunkFiles = 50000
		}
		if p.MaxChunkBytes == 0 {
			p.MaxChunkBytes = 10 << 30
		}
		if p.ChunkStrategy == "" {
			p.ChunkStrategy = types.ChunkStrategySmart
		}
		if p.Retry == nil {
			p.Retry = &types.RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Second, MaxDelay: 120 * time.Second, Multiplier: 2.0}
		}
	}
	log.Debug("config defaults applied")
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
