package mcp

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DirLocatorOption represents the options for the DirLocator.
type DirLocatorOption func(*DirLocator)

// Manifest advertises one provider endpoint. Providers drop one manifest per endpoint into a
// shared directory; DirLocator reads them back.
type Manifest struct {
	ProviderID string `yaml:"provider_id"`
	Contract   string `yaml:"contract"`
	Network    string `yaml:"network"`
	Address    string `yaml:"address"`
}

// DirLocator discovers providers from the manifests in a directory. It implements both
// ServiceLocator and ProviderWatcher.
type DirLocator struct {
	dir      string
	contract string
	logger   *slog.Logger

	resyncInterval time.Duration
	debounce       time.Duration
}

var (
	defaultDirResyncInterval = 2 * time.Second
	defaultDirDebounce       = 100 * time.Millisecond
)

// NewDirLocator creates a DirLocator reading manifests from dir. Only manifests advertising
// ProviderContract are returned unless another contract is configured.
func NewDirLocator(dir string, options ...DirLocatorOption) *DirLocator {
	d := &DirLocator{
		dir:    dir,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(d)
	}

	if d.contract == "" {
		d.contract = ProviderContract
	}
	if d.resyncInterval <= 0 {
		d.resyncInterval = defaultDirResyncInterval
	}
	if d.debounce <= 0 {
		d.debounce = defaultDirDebounce
	}

	return d
}

// WithDirLocatorContract sets the contract manifests must advertise.
func WithDirLocatorContract(contract string) DirLocatorOption {
	return func(d *DirLocator) {
		d.contract = contract
	}
}

// WithDirLocatorResyncInterval sets how often Watch rescans the directory regardless of file
// system notifications. The rescan also picks up a directory created after Watch started.
func WithDirLocatorResyncInterval(interval time.Duration) DirLocatorOption {
	return func(d *DirLocator) {
		d.resyncInterval = interval
	}
}

// WithDirLocatorDebounce sets how long Watch waits for file activity to settle before
// rescanning.
func WithDirLocatorDebounce(delay time.Duration) DirLocatorOption {
	return func(d *DirLocator) {
		d.debounce = delay
	}
}

// WithDirLocatorLogger sets the logger for the DirLocator.
func WithDirLocatorLogger(logger *slog.Logger) DirLocatorOption {
	return func(d *DirLocator) {
		d.logger = logger.With(
			slog.String("package", "go-mcphost"),
			slog.String("component", "dir-locator"),
		)
	}
}

// WriteManifest writes m into dir, replacing any previous manifest of the same provider.
// The file is renamed into place so readers never see a partial manifest.
func WriteManifest(dir string, m Manifest) error {
	if m.ProviderID == "" {
		return errors.New("manifest has no provider id")
	}
	if m.Contract == "" {
		m.Contract = ProviderContract
	}

	bs, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(bs); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := os.Rename(tmp.Name(), manifestPath(dir, m.ProviderID)); err != nil {
		return fmt.Errorf("failed to install manifest: %w", err)
	}
	return nil
}

// RemoveManifest deletes the manifest of providerID. Removing a missing manifest is not an
// error.
func RemoveManifest(dir, providerID string) error {
	err := os.Remove(manifestPath(dir, providerID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove manifest: %w", err)
	}
	return nil
}

// Query implements ServiceLocator. Endpoints are returned sorted by provider id. A missing
// directory yields no endpoints; malformed manifests are skipped.
func (d *DirLocator) Query(context.Context) ([]Endpoint, error) {
	manifests, err := d.scan()
	if err != nil {
		return nil, err
	}

	endpoints := make([]Endpoint, 0, len(manifests))
	for _, m := range manifests {
		endpoints = append(endpoints, Endpoint{
			ProviderID: m.ProviderID,
			Network:    m.Network,
			Address:    m.Address,
		})
	}
	slices.SortFunc(endpoints, func(a, b Endpoint) int {
		return strings.Compare(a.ProviderID, b.ProviderID)
	})
	return endpoints, nil
}

// Watch implements ProviderWatcher. It reports the difference between consecutive scans of
// the directory. Scans run after file system activity settles and on every resync tick.
func (d *DirLocator) Watch(ctx context.Context) iter.Seq[ProviderEvent] {
	return func(yield func(ProviderEvent) bool) {
		previous, err := d.scan()
		if err != nil {
			d.logger.Warn("failed to scan manifests", slog.String("err", err.Error()))
			previous = map[string]Manifest{}
		}

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			d.logger.Warn("file notifications unavailable, relying on resync",
				slog.String("err", err.Error()))
		} else {
			defer watcher.Close()
		}
		watching := d.addWatch(watcher)

		var fsEvents <-chan fsnotify.Event
		var fsErrors <-chan error
		if watcher != nil {
			fsEvents = watcher.Events
			fsErrors = watcher.Errors
		}

		resync := time.NewTicker(d.resyncInterval)
		defer resync.Stop()

		debounce := time.NewTimer(d.debounce)
		debounce.Stop()
		defer debounce.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-fsEvents:
				if !ok {
					fsEvents = nil
					continue
				}
				if isManifestFile(event.Name) {
					debounce.Reset(d.debounce)
				}
				continue
			case err, ok := <-fsErrors:
				if !ok {
					fsErrors = nil
					continue
				}
				d.logger.Warn("file watcher error", slog.String("err", err.Error()))
				continue
			case <-debounce.C:
			case <-resync.C:
				if !watching {
					watching = d.addWatch(watcher)
				}
			}

			current, err := d.scan()
			if err != nil {
				d.logger.Warn("failed to scan manifests", slog.String("err", err.Error()))
				continue
			}
			for _, event := range diffManifests(previous, current) {
				if !yield(event) {
					return
				}
			}
			previous = current
		}
	}
}

func (d *DirLocator) addWatch(watcher *fsnotify.Watcher) bool {
	if watcher == nil {
		return false
	}
	if err := watcher.Add(d.dir); err != nil {
		d.logger.Debug("failed to watch manifest directory",
			slog.String("dir", d.dir),
			slog.String("err", err.Error()))
		return false
	}
	return true
}

// scan reads every manifest advertising the configured contract, keyed by provider id.
func (d *DirLocator) scan() (map[string]Manifest, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]Manifest{}, nil
		}
		return nil, fmt.Errorf("failed to read manifest directory: %w", err)
	}

	manifests := make(map[string]Manifest, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isManifestFile(entry.Name()) {
			continue
		}

		path := filepath.Join(d.dir, entry.Name())
		m, err := readManifest(path)
		if err != nil {
			d.logger.Warn("skipping malformed manifest",
				slog.String("path", path),
				slog.String("err", err.Error()))
			continue
		}
		if m.Contract != d.contract {
			continue
		}
		manifests[m.ProviderID] = m
	}
	return manifests, nil
}

func readManifest(path string) (Manifest, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}

	var m Manifest
	if err := yaml.Unmarshal(bs, &m); err != nil {
		return Manifest{}, err
	}
	if m.ProviderID == "" || m.Network == "" || m.Address == "" {
		return Manifest{}, errors.New("provider_id, network and address are required")
	}
	return m, nil
}

func diffManifests(previous, current map[string]Manifest) []ProviderEvent {
	var events []ProviderEvent
	for id, m := range current {
		old, ok := previous[id]
		switch {
		case !ok:
			events = append(events, ProviderEvent{Type: ProviderAdded, ProviderID: id})
		case old != m:
			events = append(events, ProviderEvent{Type: ProviderUpdated, ProviderID: id})
		}
	}
	for id := range previous {
		if _, ok := current[id]; !ok {
			events = append(events, ProviderEvent{Type: ProviderRemoved, ProviderID: id})
		}
	}
	slices.SortFunc(events, func(a, b ProviderEvent) int {
		return strings.Compare(a.ProviderID, b.ProviderID)
	})
	return events
}

func manifestPath(dir, providerID string) string {
	return filepath.Join(dir, providerID+".yaml")
}

func isManifestFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := filepath.Ext(base)
	return ext == ".yaml" || ext == ".yml"
}
