package snapshot

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Driver creates, deletes, and lists OS volume snapshots for one side
// (source or destination) of a profile. Grounded on a VolumeDriver
// interface shape, generalized from bind-mount volume lifecycle to
// point-in-time snapshot lifecycle.
type Driver interface {
	// CreateShadow invokes the OS snapshot facility for volumeKey,
	// returning the opaque shadow id and the path through which the
	// frozen view can be read.
	CreateShadow(ctx context.Context, volumeKey, targetPath string) (shadowID, mountPath string, err error)

	// DeleteShadow removes a previously created shadow.
	DeleteShadow(ctx context.Context, volumeKey, shadowID string) error

	// ListShadows returns every shadow id currently present on
	// volumeKey, ours and external alike — the manager diffs this
	// against the registry to classify ownership.
	ListShadows(ctx context.Context, volumeKey string) ([]string, error)
}

// RemoteExecChannel abstracts the transport a RemoteDriver uses to run
// the snapshot tool on a remote host (SSH, WinRM, or any other
// session-oriented exec channel). Spec §6 calls this out as an
// external interface without mandating a specific transport; robocurse
// ships no concrete implementation, only the seam.
type RemoteExecChannel interface {
	Run(ctx context.Context, command string, args ...string) (stdout string, err error)
}

// LocalDriver shells out to a local snapshot tool (e.g. a VSS or LVM
// wrapper) for volumes on the machine robocurse runs on.
type LocalDriver struct {
	ToolPath string
}

// NewLocalDriver returns a LocalDriver invoking toolPath.
func NewLocalDriver(toolPath string) *LocalDriver {
	return &LocalDriver{ToolPath: toolPath}
}

func (d *LocalDriver) CreateShadow(ctx context.Context, volumeKey, targetPath string) (string, string, error) {
	out, err := runLocal(ctx, d.ToolPath, "create", volumeKey, targetPath)
	if err != nil {
		return "", "", fmt.Errorf("create shadow for %s: %w", volumeKey, err)
	}
	return parseCreateOutput(out)
}

func (d *LocalDriver) DeleteShadow(ctx context.Context, volumeKey, shadowID string) error {
	_, err := runLocal(ctx, d.ToolPath, "delete", volumeKey, shadowID)
	if err != nil {
		return fmt.Errorf("delete shadow %s for %s: %w", shadowID, volumeKey, err)
	}
	return nil
}

func (d *LocalDriver) ListShadows(ctx context.Context, volumeKey string) ([]string, error) {
	out, err := runLocal(ctx, d.ToolPath, "list", volumeKey)
	if err != nil {
		return nil, fmt.Errorf("list shadows for %s: %w", volumeKey, err)
	}
	return parseListOutput(out), nil
}

func runLocal(ctx context.Context, toolPath string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, toolPath, args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// RemoteDriver runs the same snapshot tool over a RemoteExecChannel,
// for volumes hosted on another machine. Volume keys for remote
// volumes are "server|volume" per spec §4.3's registry format.
type RemoteDriver struct {
	ToolPath string
	Channel  RemoteExecChannel
}

// NewRemoteDriver returns a RemoteDriver invoking toolPath over channel.
func NewRemoteDriver(toolPath string, channel RemoteExecChannel) *RemoteDriver {
	return &RemoteDriver{ToolPath: toolPath, Channel: channel}
}

func (d *RemoteDriver) CreateShadow(ctx context.Context, volumeKey, targetPath string) (string, string, error) {
	_, volume := SplitVolumeKey(volumeKey)
	out, err := d.Channel.Run(ctx, d.ToolPath, "create", volume, targetPath)
	if err != nil {
		return "", "", fmt.Errorf("create remote shadow for %s: %w", volumeKey, err)
	}
	return parseCreateOutput(out)
}

func (d *RemoteDriver) DeleteShadow(ctx context.Context, volumeKey, shadowID string) error {
	_, volume := SplitVolumeKey(volumeKey)
	_, err := d.Channel.Run(ctx, d.ToolPath, "delete", volume, shadowID)
	if err != nil {
		return fmt.Errorf("delete remote shadow %s for %s: %w", shadowID, volumeKey, err)
	}
	return nil
}

func (d *RemoteDriver) ListShadows(ctx context.Context, volumeKey string) ([]string, error) {
	_, volume := SplitVolumeKey(volumeKey)
	out, err := d.Channel.Run(ctx, d.ToolPath, "list", volume)
	if err != nil {
		return nil, fmt.Errorf("list remote shadows for %s: %w", volumeKey, err)
	}
	return parseListOutput(out), nil
}

// VolumeKey builds the "server|volume" key spec §4.3 defines for
// remote volumes, or the bare volume path for local ones.
func VolumeKey(server, volume string) string {
	if server == "" {
		return volume
	}
	return server + "|" + volume
}

// SplitVolumeKey reverses VolumeKey; server is "" for local keys.
func SplitVolumeKey(key string) (server, volume string) {
	if idx := strings.Index(key, "|"); idx >= 0 {
		return key[:idx], key[idx+1:]
	}
	return "", key
}

func parseCreateOutput(out string) (shadowID, mountPath string, err error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	fields := map[string]string{}
	for _, line := range lines {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	shadowID, ok := fields["shadowId"]
	if !ok || shadowID == "" {
		return "", "", fmt.Errorf("snapshot tool output missing shadowId: %q", out)
	}
	mountPath = fields["mountPath"]
	if mountPath == "" {
		mountPath = filepath.Clean(shadowID)
	}
	return shadowID, mountPath, nil
}

func parseListOutput(out string) []string {
	var ids []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ids = append(ids, line)
	}
	return ids
}
