// Package snapshot implements the Snapshot Manager of section 4.3:
// creating and retiring OS volume snapshots around a profile run,
// enforcing the hard cap on total snapshots per volume, and rewriting
// chunk source/destination paths onto the frozen view while a
// snapshot is active.
package snapshot

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/robocurse/pkg/config"
	"github.com/cuemby/robocurse/pkg/log"
	"github.com/cuemby/robocurse/pkg/notify"
	"github.com/cuemby/robocurse/pkg/types"
)

// Manager creates, retires and enforces retention on volume snapshots,
// keeping an in-memory record of the current run's snapshots while
// write-through persisting shadow-id ordering to the config store.
// Grounded on a VolumeManager shape of driver lookup plus dispatch
// methods, generalized from mount lifecycle to snapshot lifecycle.
type Manager struct {
	store   *config.Store
	broker  *notify.Broker
	drivers map[string]Driver

	mu      sync.Mutex
	records map[string]*types.SnapshotRecord // shadow id -> record, current process only
}

// NewManager returns a Manager dispatching to drivers by name
// ("local", "remote"), persisting its registry through store, and
// optionally notifying broker when a volume's hard cap is exceeded.
func NewManager(store *config.Store, broker *notify.Broker, drivers map[string]Driver) *Manager {
	return &Manager{
		store:   store,
		broker:  broker,
		drivers: drivers,
		records: make(map[string]*types.SnapshotRecord),
	}
}

func (m *Manager) driverFor(name string) (Driver, error) {
	d, ok := m.drivers[name]
	if !ok {
		return nil, fmt.Errorf("snapshot: no driver registered for %q", name)
	}
	return d, nil
}

// Create takes a new snapshot of volumeKey, write-through persisting
// the updated shadow-id list to the config store immediately after the
// OS snapshot succeeds. A crash between the OS call and the registry
// write leaves the snapshot undiscoverable by ListOurs on the next
// run, which correctly surfaces it as External — never auto-deleted.
func (m *Manager) Create(ctx context.Context, driverName, volumeKey, targetPath, profileID, runID string) (*types.SnapshotRecord, error) {
	driver, err := m.driverFor(driverName)
	if err != nil {
		return nil, err
	}

	rec := &types.SnapshotRecord{
		VolumeKey:  volumeKey,
		ProfileID:  profileID,
		RunID:      runID,
		Driver:     driverName,
		TargetPath: targetPath,
		State:      types.SnapshotStateCreating,
		CreatedAt:  time.Now(),
	}

	shadowID, mountPath, err := driver.CreateShadow(ctx, volumeKey, targetPath)
	if err != nil {
		rec.State = types.SnapshotStateGone
		rec.Error = err.Error()
		return rec, fmt.Errorf("snapshot create %s: %w", volumeKey, err)
	}
	rec.ID = shadowID
	rec.MountPath = mountPath
	rec.State = types.SnapshotStateActive

	m.mu.Lock()
	m.records[shadowID] = rec
	m.mu.Unlock()

	ids, err := m.registeredIDs(volumeKey)
	if err != nil {
		return rec, fmt.Errorf("read snapshot registry for %s: %w", volumeKey, err)
	}
	ids = append(ids, shadowID)
	if err := m.store.UpsertSnapshotRegistry(volumeKey, ids); err != nil {
		return rec, fmt.Errorf("persist snapshot registry for %s: %w", volumeKey, err)
	}

	log.WithProfile(profileID).Info().Str("volumeKey", volumeKey).Str("shadowId", shadowID).Msg("snapshot created")
	return rec, nil
}

// Delete removes an OS snapshot and drops it from the registry. If the
// OS deletion fails the record is left in the registry rather than
// risk orphaning a shadow the registry no longer tracks.
func (m *Manager) Delete(ctx context.Context, rec *types.SnapshotRecord) error {
	driver, err := m.driverFor(rec.Driver)
	if err != nil {
		return err
	}

	rec.State = types.SnapshotStateDeleting
	if err := driver.DeleteShadow(ctx, rec.VolumeKey, rec.ID); err != nil {
		log.WithProfile(rec.ProfileID).Warn().Err(err).Str("shadowId", rec.ID).Msg("snapshot delete failed, retaining registry entry")
		return fmt.Errorf("snapshot delete %s: %w", rec.ID, err)
	}
	rec.State = types.SnapshotStateGone

	ids, err := m.registeredIDs(rec.VolumeKey)
	if err != nil {
		return fmt.Errorf("read snapshot registry for %s: %w", rec.VolumeKey, err)
	}
	ids = removeID(ids, rec.ID)
	if err := m.store.UpsertSnapshotRegistry(rec.VolumeKey, ids); err != nil {
		return fmt.Errorf("persist snapshot registry for %s: %w", rec.VolumeKey, err)
	}

	m.mu.Lock()
	delete(m.records, rec.ID)
	m.mu.Unlock()

	return nil
}

// ListOurs returns every registered snapshot for volumeKey that still
// exists on the volume, oldest first. Shadows present on the volume
// but absent from the registry are external and excluded.
func (m *Manager) ListOurs(ctx context.Context, driverName, volumeKey string) ([]types.SnapshotRecord, error) {
	driver, err := m.driverFor(driverName)
	if err != nil {
		return nil, err
	}

	present, err := driver.ListShadows(ctx, volumeKey)
	if err != nil {
		return nil, fmt.Errorf("list shadows for %s: %w", volumeKey, err)
	}
	presentSet := make(map[string]bool, len(present))
	for _, id := range present {
		presentSet[id] = true
	}

	ids, err := m.registeredIDs(volumeKey)
	if err != nil {
		return nil, err
	}

	var out []types.SnapshotRecord
	for _, id := range ids {
		if !presentSet[id] {
			continue
		}
		out = append(out, m.recordFor(id, volumeKey, driverName))
	}
	return out, nil
}

// externalCount returns how many shadows exist on the volume that are
// not in our registry.
func (m *Manager) externalCount(ctx context.Context, driverName, volumeKey string) (int, error) {
	driver, err := m.driverFor(driverName)
	if err != nil {
		return 0, err
	}
	present, err := driver.ListShadows(ctx, volumeKey)
	if err != nil {
		return 0, fmt.Errorf("list shadows for %s: %w", volumeKey, err)
	}
	ids, err := m.registeredIDs(volumeKey)
	if err != nil {
		return 0, err
	}
	registered := make(map[string]bool, len(ids))
	for _, id := range ids {
		registered[id] = true
	}
	count := 0
	for _, id := range present {
		if !registered[id] {
			count++
		}
	}
	return count, nil
}

// EnforceHardCap counts every snapshot on the volume (ours and
// external) and fails fast, without deleting anything, if creating one
// more would exceed maxTotal. It optionally notifies the broker so an
// operator can intervene manually.
func (m *Manager) EnforceHardCap(ctx context.Context, driverName, volumeKey string, maxTotal int) error {
	if maxTotal <= 0 {
		return nil
	}
	ours, err := m.ListOurs(ctx, driverName, volumeKey)
	if err != nil {
		return err
	}
	external, err := m.externalCount(ctx, driverName, volumeKey)
	if err != nil {
		return err
	}
	total := len(ours) + external
	if total+1 <= maxTotal {
		return nil
	}

	msg := fmt.Sprintf("volume %s has %d snapshots (max %d); requires manual intervention", volumeKey, total, maxTotal)
	if m.broker != nil {
		m.broker.PublishMessage(notify.EventSnapshotLimitExceeded, msg)
	}
	return fmt.Errorf("snapshot hard cap exceeded: %s", msg)
}

// RetainAfterSuccess deletes the oldest registered snapshots on
// volumeKey beyond keepCount, called after a profile's run completes
// successfully.
func (m *Manager) RetainAfterSuccess(ctx context.Context, driverName, volumeKey string, keepCount int) error {
	return m.trimOldest(ctx, driverName, volumeKey, keepCount, false)
}

// CleanupCrashedRun deletes the newest registered snapshots on
// volumeKey beyond keepCount, called at startup. The newest entries
// are the most likely to belong to an incomplete prior run.
func (m *Manager) CleanupCrashedRun(ctx context.Context, driverName, volumeKey string, keepCount int) error {
	return m.trimOldest(ctx, driverName, volumeKey, keepCount, true)
}

func (m *Manager) trimOldest(ctx context.Context, driverName, volumeKey string, keepCount int, newest bool) error {
	ours, err := m.ListOurs(ctx, driverName, volumeKey)
	if err != nil {
		return err
	}
	if keepCount < 0 {
		keepCount = 0
	}
	if len(ours) <= keepCount {
		return nil
	}

	var toDelete []types.SnapshotRecord
	if newest {
		// ours is oldest-first; the tail beyond keepCount is newest.
		toDelete = ours[keepCount:]
		log.WithComponent("snapshot").Warn().Str("volumeKey", volumeKey).Int("count", len(toDelete)).Msg("crashed-run cleanup")
	} else {
		toDelete = ours[:len(ours)-keepCount]
		log.WithComponent("snapshot").Info().Str("volumeKey", volumeKey).Int("count", len(toDelete)).Msg("post-success retention cleanup")
	}

	for i := range toDelete {
		rec := toDelete[i]
		if err := m.Delete(ctx, &rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) registeredIDs(volumeKey string) ([]string, error) {
	doc, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	for _, e := range doc.SnapshotReg {
		if e.VolumeKey == volumeKey {
			return append([]string(nil), e.ShadowIDs...), nil
		}
	}
	return nil, nil
}

func (m *Manager) recordFor(shadowID, volumeKey, driverName string) types.SnapshotRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[shadowID]; ok {
		return *rec
	}
	// Snapshot created by an earlier process; reconstruct a minimal
	// record from registry ordering alone, per the registry format
	// only persisting shadow-id order, not full metadata.
	return types.SnapshotRecord{
		ID:        shadowID,
		VolumeKey: volumeKey,
		Driver:    driverName,
		State:     types.SnapshotStateActive,
	}
}

func removeID(ids []string, target string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// RewritePath substitutes the snapshot's mount path for the original
// volume root in p, so a chunk's source (or destination) path reads
// through the frozen view instead of the live volume. Idempotent: if p
// does not start with volumeRoot it is returned unchanged.
func RewritePath(p, volumeRoot, mountPath string) string {
	rel, ok := relativeTo(p, volumeRoot)
	if !ok {
		return p
	}
	if rel == "" {
		return mountPath
	}
	return filepath.Join(mountPath, rel)
}

func relativeTo(p, root string) (string, bool) {
	p = filepath.Clean(p)
	root = filepath.Clean(root)
	if p == root {
		return "", true
	}
	prefix := root + string(filepath.Separator)
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	return p[len(prefix):], true
}
