// Package reload watches the probe configuration file and applies changes
// to the running process without a restart.
package reload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/supporttools/net-probe/pkg/logger"
)

// DefaultDebounce is used when NewConfigWatcher is given a non-positive interval.
const DefaultDebounce = 500 * time.Millisecond

// dataLink is the symlink a ConfigMap volume swaps on every update.
const dataLink = "..data"

// ConfigWatcher reports debounced content changes of one configuration file.
//
// The file's directory is watched rather than the file itself so that atomic
// renames and ConfigMap symlink swaps are seen. Events that leave the file's
// content unchanged (touch, chmod, rewriting identical bytes) are dropped.
type ConfigWatcher struct {
	configPath       string
	debounceInterval time.Duration
	fs               *fsnotify.Watcher
	log              *logrus.Entry

	changes chan struct{}
	stop    chan struct{}
	done    chan struct{}

	mu       sync.Mutex
	running  bool
	stopOnce sync.Once

	// fingerprint is the digest of the last content reported; owned by run.
	fingerprint []byte
}

// NewConfigWatcher creates a watcher for configPath.
func NewConfigWatcher(configPath string, debounceInterval time.Duration) (*ConfigWatcher, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	if debounceInterval <= 0 {
		debounceInterval = DefaultDebounce
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &ConfigWatcher{
		configPath:       filepath.Clean(configPath),
		debounceInterval: debounceInterval,
		fs:               fs,
		log:              logger.ForComponent("reload").WithField("path", configPath),
		changes:          make(chan struct{}, 1),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}, nil
}

// Start begins watching. The returned channel carries at most one pending
// notification and is closed when the watcher stops or ctx is done.
func (cw *ConfigWatcher) Start(ctx context.Context) (<-chan struct{}, error) {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.running {
		return nil, fmt.Errorf("watcher already running")
	}

	dir := filepath.Dir(cw.configPath)
	if err := cw.fs.Add(dir); err != nil {
		return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	cw.fingerprint, _ = cw.readFingerprint()
	cw.running = true
	go cw.run(ctx)

	cw.log.WithField("debounce", cw.debounceInterval).Info("Watching configuration file")
	return cw.changes, nil
}

// Stop ends the event loop, waits for it to exit and releases the fsnotify
// watcher. It is safe to call more than once and after ctx is done.
func (cw *ConfigWatcher) Stop() {
	cw.stopOnce.Do(func() {
		cw.mu.Lock()
		started := cw.running
		cw.running = false
		cw.mu.Unlock()

		close(cw.stop)
		if started {
			<-cw.done
		}
		cw.fs.Close()
	})
}

func (cw *ConfigWatcher) run(ctx context.Context) {
	defer close(cw.done)
	defer close(cw.changes)

	// The timer is created stopped and re-armed by every relevant event.
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cw.stop:
			return

		case event, ok := <-cw.fs.Events:
			if !ok {
				return
			}
			if !cw.isConfigFileEvent(event) || event.Op == fsnotify.Chmod {
				continue
			}
			cw.log.WithField("event", event.Op.String()).Debug("Configuration file event")
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(cw.debounceInterval)

		case err, ok := <-cw.fs.Errors:
			if !ok {
				return
			}
			cw.log.WithError(err).Warn("File watcher error")

		case <-debounce.C:
			cw.notifyIfChanged()
		}
	}
}

// notifyIfChanged sends a notification when the file's content differs from
// the last reported content. Unreadable files are skipped until a later event.
func (cw *ConfigWatcher) notifyIfChanged() {
	sum, err := cw.readFingerprint()
	if err != nil {
		cw.log.WithError(err).Debug("Configuration file not readable, waiting for next event")
		return
	}
	if bytes.Equal(sum, cw.fingerprint) {
		cw.log.Debug("Configuration content unchanged")
		return
	}
	cw.fingerprint = sum

	select {
	case cw.changes <- struct{}{}:
	default:
		// A change is already pending.
	}
}

func (cw *ConfigWatcher) readFingerprint() ([]byte, error) {
	data, err := os.ReadFile(cw.configPath)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// isConfigFileEvent reports whether event concerns the watched file or the
// ConfigMap data link next to it.
func (cw *ConfigWatcher) isConfigFileEvent(event fsnotify.Event) bool {
	name := filepath.Clean(event.Name)
	if name == cw.configPath {
		return true
	}
	return filepath.Base(name) == dataLink && filepath.Dir(name) == filepath.Dir(cw.configPath)
}
