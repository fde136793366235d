// Package runtimecfg owns the deployed service's persisted configuration
// under the installation root's config subpath, plus the snapshot/restore
// machinery that protects it across updates and reinstalls.
package runtimecfg

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/camhub/camdeploy/internal/validate"
)

const (
	// FileName is the configuration file under the config subpath.
	FileName = "camhub.json"

	// DefaultHeartbeat is the meeting heartbeat interval in seconds.
	DefaultHeartbeat = 60
	minHeartbeat     = 10
	maxHeartbeat     = 3600
)

// CameraConfig selects and shapes the capture device.
type CameraConfig struct {
	DeviceIndex int `json:"device_index" validate:"min=0"`
	FrameWidth  int `json:"frame_width" validate:"min=160"`
	FrameHeight int `json:"frame_height" validate:"min=120"`
	FPS         int `json:"fps" validate:"min=1,max=60"`
}

// WebConfig shapes the embedded web UI listener.
type WebConfig struct {
	BindAddress string `json:"bind_address" validate:"required"`
	Port        int    `json:"port" validate:"min=1,max=65535"`
}

// MeetingConfig is the activation section. ServerURL is the fixed authority
// endpoint; the whole section stays empty until activation succeeds.
type MeetingConfig struct {
	ServerURL         string `json:"server_url" validate:"omitempty,url"`
	DeviceKey         string `json:"device_key" validate:"omitempty,devicekey"`
	TokenCode         string `json:"token_code"`
	HeartbeatInterval int    `json:"heartbeat_interval" validate:"min=10,max=3600"`
}

// Config is the full persisted configuration.
type Config struct {
	Camera  CameraConfig  `json:"camera"`
	Web     WebConfig     `json:"web"`
	Meeting MeetingConfig `json:"meeting"`
}

// Default returns a fresh configuration with service defaults. The meeting
// section is empty: activation fills it, and only after consumption.
func Default() *Config {
	return &Config{
		Camera: CameraConfig{
			DeviceIndex: 0,
			FrameWidth:  1280,
			FrameHeight: 720,
			FPS:         30,
		},
		Web: WebConfig{
			BindAddress: "0.0.0.0",
			Port:        8081,
		},
		Meeting: MeetingConfig{
			HeartbeatInterval: DefaultHeartbeat,
		},
	}
}

// ConfigDir returns the config subpath of an installation root.
func ConfigDir(root string) string {
	return filepath.Join(root, "config")
}

// Path returns the configuration file path for an installation root.
func Path(root string) string {
	return filepath.Join(ConfigDir(root), FileName)
}

// SetActivation writes the activation credentials and fixed endpoint into
// the meeting section. Call only after a successful consumption.
func (c *Config) SetActivation(authority, deviceKey, tokenCode string) {
	c.Meeting.ServerURL = authority
	c.Meeting.DeviceKey = deviceKey
	c.Meeting.TokenCode = tokenCode
	if c.Meeting.HeartbeatInterval == 0 {
		c.Meeting.HeartbeatInterval = DefaultHeartbeat
	}
}

// Activated reports whether the meeting section holds credentials.
func (c *Config) Activated() bool {
	return c.Meeting.DeviceKey != "" && c.Meeting.TokenCode != ""
}

// clampHeartbeat forces the interval into its allowed band. Values outside
// it come from hand-edited files.
func clampHeartbeat(v int) int {
	if v < minHeartbeat {
		return minHeartbeat
	}
	if v > maxHeartbeat {
		return maxHeartbeat
	}
	return v
}

// Load reads the configuration for a root. A missing file yields defaults;
// a present but unreadable or invalid file is an error.
func Load(root string) (*Config, error) {
	data, err := os.ReadFile(Path(root))
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Meeting.HeartbeatInterval = clampHeartbeat(cfg.Meeting.HeartbeatInterval)

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration atomically (temp file plus rename) with
// restrictive permissions; the file carries the token code.
func Save(root string, cfg *Config) error {
	cfg.Meeting.HeartbeatInterval = clampHeartbeat(cfg.Meeting.HeartbeatInterval)
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	dir := ConfigDir(root)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp := Path(root) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, Path(root)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Snapshot is a copy of the config subtree parked outside the root, used to
// carry configuration across destructive operations.
type Snapshot struct {
	ID  string
	dir string
}

// TakeSnapshot copies the root's config subtree into a scratch location.
// A root without a config subtree yields an empty snapshot that restores to
// nothing.
func TakeSnapshot(root string) (*Snapshot, error) {
	id := ulid.Make().String()
	dir, err := os.MkdirTemp("", "camdeploy-snap-")
	if err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	src := ConfigDir(root)
	if _, err := os.Stat(src); err == nil {
		if err := copyDir(src, filepath.Join(dir, "config")); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("snapshot config: %w", err)
		}
	}
	return &Snapshot{ID: id, dir: dir}, nil
}

// Restore copies the snapshot back over the root's config subtree and
// discards the snapshot.
func (s *Snapshot) Restore(root string) error {
	defer s.Discard()
	src := filepath.Join(s.dir, "config")
	if _, err := os.Stat(src); err != nil {
		return nil // empty snapshot
	}
	if err := copyDir(src, ConfigDir(root)); err != nil {
		return fmt.Errorf("restore config: %w", err)
	}
	return nil
}

// Discard drops the snapshot's scratch directory.
func (s *Snapshot) Discard() {
	os.RemoveAll(s.dir)
}

// BackupConfig copies the root's config subtree into a timestamped directory
// under destParent and returns the backup path.
func BackupConfig(root, destParent string) (string, error) {
	src := ConfigDir(root)
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("no config subtree to back up: %w", err)
	}

	dest := filepath.Join(destParent, "backup_"+time.Now().Format("20060102_150405"))
	if err := copyDir(src, dest); err != nil {
		return "", fmt.Errorf("back up config: %w", err)
	}
	return dest, nil
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
