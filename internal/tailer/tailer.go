package tailer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/sqllog/internal/charset"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/health"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/logging"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/metrics"
	"github.com/therealutkarshpriyadarshi/sqllog/internal/output"
	"github.com/therealutkarshpriyadarshi/sqllog/pkg/sqllog"
	"github.com/therealutkarshpriyadarshi/sqllog/pkg/types"
)

const (
	resetRotated   = "rotated"
	resetTruncated = "truncated"
)

// Publisher receives every event produced while following files.
type Publisher interface {
	Publish(ctx context.Context, event *types.RecordEvent) error
}

// Config configures a Tailer
type Config struct {
	Paths         []string
	PollInterval  time.Duration
	RateLimit     float64 // polls per second per file, 0 = unlimited
	FromBeginning bool
	StallTimeout  time.Duration

	// ReaderOptions are passed to every sqllog.Reader.
	ReaderOptions []sqllog.Option
	Oracle        *charset.Oracle
	Events        output.EventOptions
}

// Tailer follows sqllog files, parsing appended records as they are
// written and surviving rotation and truncation.
type Tailer struct {
	cfg           Config
	checkpointMgr *checkpoint.Manager
	publisher     Publisher
	metrics       *metrics.Collector
	logger        *logging.Logger
	watcher       *fsnotify.Watcher

	files    map[string]*tailedFile
	watching map[string]bool
	mu       sync.RWMutex

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped sync.Once
}

type tailedFile struct {
	path    string
	file    *os.File
	reader  *sqllog.Reader
	inode   uint64
	limiter *rate.Limiter
	notify  chan struct{}

	// lastPoll is the unix nano time of the last successful poll.
	lastPoll atomic.Int64
	records  atomic.Int64
}

// New creates a new Tailer instance. metrics may be nil.
func New(cfg Config, checkpointMgr *checkpoint.Manager, publisher Publisher, collector *metrics.Collector, logger *logging.Logger) (*Tailer, error) {
	if len(cfg.Paths) == 0 {
		return nil, fmt.Errorf("no paths to follow")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Oracle == nil {
		cfg.Oracle = charset.NewOracle()
	}
	if logger == nil {
		logger = logging.Nop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Tailer{
		cfg:           cfg,
		checkpointMgr: checkpointMgr,
		publisher:     publisher,
		metrics:       collector,
		logger:        logger.WithComponent("tailer"),
		watcher:       watcher,
		files:         make(map[string]*tailedFile),
		watching:      make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Start opens every configured file and begins following it. Files that
// do not exist yet are picked up when they are created.
func (t *Tailer) Start() error {
	for _, path := range t.cfg.Paths {
		t.watchDir(filepath.Dir(path))
		if err := t.openFile(path, false); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				t.logger.Warn().Str("path", path).Msg("File does not exist yet, waiting for it")
				continue
			}
			t.logger.Error().Err(err).Str("path", path).Msg("Failed to open file")
		}
	}

	t.wg.Add(1)
	go t.watchLoop()

	return nil
}

// Name implements shutdown.Component.
func (t *Tailer) Name() string { return "tailer" }

// Stop stops following, records the final positions and closes the files.
// Buffered partial records are not flushed; they are read again from the
// checkpointed position on restart.
func (t *Tailer) Stop(ctx context.Context) error {
	t.stopped.Do(func() {
		t.cancel()
		t.watcher.Close()
	})

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("tailer: %w", ctx.Err())
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for path, tf := range t.files {
		t.checkpoint(tf)
		if err := tf.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", path, err))
		}
		delete(t.files, path)
	}
	if t.metrics != nil {
		t.metrics.ReadersActive.Set(0)
	}
	return errors.Join(errs...)
}

// Files returns the paths currently being followed.
func (t *Tailer) Files() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	paths := make([]string, 0, len(t.files))
	for path := range t.files {
		paths = append(paths, path)
	}
	return paths
}

func (t *Tailer) watchDir(dir string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.watching[dir] {
		return
	}
	if err := t.watcher.Add(dir); err != nil {
		t.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to watch directory, relying on polling")
		return
	}
	t.watching[dir] = true
}

// openFile opens path and starts its follow loop. created reports that the
// file appeared while running, so it is read from the start.
func (t *Tailer) openFile(path string, created bool) error {
	t.mu.Lock()
	if _, ok := t.files[path]; ok {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	tf := &tailedFile{
		path:   path,
		notify: make(chan struct{}, 1),
	}
	if t.cfg.RateLimit > 0 {
		tf.limiter = rate.NewLimiter(rate.Limit(t.cfg.RateLimit), 1)
	}

	size, err := tf.open(t.cfg.ReaderOptions, t.cfg.Oracle)
	if err != nil {
		return err
	}

	var offset int64
	switch pos, ok := t.position(path); {
	case ok && pos.Inode == tf.inode && pos.Offset <= size:
		offset = pos.Offset
		t.logger.Info().Str("path", path).Int64("offset", offset).Msg("Resuming from checkpoint")
	case created || t.cfg.FromBeginning:
		t.logger.Info().Str("path", path).Msg("Starting from beginning of file")
	default:
		offset = size
		t.logger.Info().Str("path", path).Int64("offset", offset).Msg("Starting from end of file")
	}
	if err := tf.reader.SeekTo(offset); err != nil {
		tf.close()
		return fmt.Errorf("failed to seek to offset: %w", err)
	}
	tf.lastPoll.Store(time.Now().UnixNano())

	t.mu.Lock()
	if _, ok := t.files[path]; ok {
		t.mu.Unlock()
		tf.close()
		return nil
	}
	t.files[path] = tf
	active := len(t.files)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.ReadersActive.Set(float64(active))
	}

	t.wg.Add(1)
	go t.followLoop(tf)

	return nil
}

func (t *Tailer) position(path string) (types.FilePosition, bool) {
	if t.checkpointMgr == nil {
		return types.FilePosition{}, false
	}
	return t.checkpointMgr.GetPosition(path)
}

// open opens the file behind tf and a reader over it, returning the
// current size.
func (tf *tailedFile) open(opts []sqllog.Option, oracle *charset.Oracle) (int64, error) {
	file, err := os.Open(tf.path)
	if err != nil {
		return 0, fmt.Errorf("failed to open file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("failed to stat file: %w", err)
	}

	opts = append(append([]sqllog.Option(nil), opts...), sqllog.WithOracle(oracle))
	reader, err := sqllog.NewReader(file, tf.path, opts...)
	if err != nil {
		file.Close()
		return 0, err
	}

	tf.file = file
	tf.reader = reader
	tf.inode = getInode(stat)
	return stat.Size(), nil
}

func (tf *tailedFile) close() error {
	if tf.reader != nil {
		tf.reader.Close()
	}
	if tf.file != nil {
		return tf.file.Close()
	}
	return nil
}

func (tf *tailedFile) wake() {
	select {
	case tf.notify <- struct{}{}:
	default:
	}
}

// followLoop polls one file on every write notification and on every
// poll interval until the tailer stops.
func (t *Tailer) followLoop(tf *tailedFile) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	t.check(tf)
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-tf.notify:
		case <-ticker.C:
		}
		t.check(tf)
	}
}

// check detects rotation and truncation, then polls for new records.
func (t *Tailer) check(tf *tailedFile) {
	if tf.limiter != nil && !tf.limiter.Allow() {
		if t.metrics != nil {
			t.metrics.RateLimited.WithLabelValues(tf.path).Inc()
		}
		return
	}

	reason := t.resetReason(tf)
	if reason == resetRotated {
		// Whatever was appended to the old file before the rename is
		// still readable through the open handle.
		t.poll(tf)
		if _, err := tf.reader.Flush(t.handler(tf)); err != nil {
			t.logger.Warn().Err(err).Str("path", tf.path).Msg("Failed to flush rotated file")
		}
	}
	if reason != "" {
		if err := t.reopen(tf, reason); err != nil {
			t.logger.Error().Err(err).Str("path", tf.path).Msg("Failed to reopen file")
			return
		}
	}
	t.poll(tf)
}

// resetReason compares the file at the path with the open handle.
func (t *Tailer) resetReason(tf *tailedFile) string {
	stat, err := os.Stat(tf.path)
	if err != nil {
		// Renamed away and not recreated yet: keep draining the old handle.
		return ""
	}
	if inode := getInode(stat); inode != 0 && inode != tf.inode {
		return resetRotated
	}
	cur := tf.reader.Cursor()
	if stat.Size() < cur.Offset+int64(cur.Pending) {
		return resetTruncated
	}
	return ""
}

// reopen replaces the reader of tf with one over the file now at its
// path, reading from the start. The encoding is detected again since the
// new file may be written differently.
func (t *Tailer) reopen(tf *tailedFile, reason string) error {
	t.logger.Info().Str("path", tf.path).Str("reason", reason).Msg("Source reset, reopening")
	if t.metrics != nil {
		t.metrics.SourceResets.WithLabelValues(tf.path, reason).Inc()
	}

	tf.close()
	t.cfg.Oracle.Forget(tf.path)

	if _, err := tf.open(t.cfg.ReaderOptions, t.cfg.Oracle); err != nil {
		return err
	}
	if t.checkpointMgr != nil {
		t.checkpointMgr.UpdatePosition(tf.path, 0, tf.inode)
	}
	return nil
}

func (t *Tailer) poll(tf *tailedFile) {
	before := tf.reader.Cursor()
	start := time.Now()

	n, err := tf.reader.PollContext(t.ctx, t.handler(tf))
	if t.metrics != nil {
		t.metrics.ObservePoll(tf.path, before, tf.reader.Cursor(), time.Since(start))
	}
	if err != nil {
		if !errors.Is(err, sqllog.ErrReaderClosed) {
			t.logger.Error().Err(err).Str("path", tf.path).Msg("Error reading file")
		}
		return
	}

	tf.lastPoll.Store(time.Now().UnixNano())
	tf.records.Add(int64(n))
	// Leading lines and malformed records also move the position.
	if tf.reader.Position() != before.Offset {
		t.checkpoint(tf)
	}
}

// handler publishes every record and record-scoped error of tf. Leading
// lines are only counted.
func (t *Tailer) handler(tf *tailedFile) sqllog.Handler {
	return func(rec *sqllog.Record, err error) {
		if t.metrics != nil {
			t.metrics.ObserveResult(tf.path, rec, err)
		}
		if rec == nil && sqllog.KindOf(err) == sqllog.KindLeading {
			t.logger.Debug().Err(err).Str("path", tf.path).Msg("Skipping leading line")
			return
		}
		if rec == nil {
			t.logger.Warn().Err(err).Str("path", tf.path).Msg("Malformed record")
		}
		if t.publisher == nil {
			return
		}
		event := output.NewEvent(tf.path, rec, err, t.cfg.Events)
		// Delivery of records already read must outlive a stop request.
		if perr := t.publisher.Publish(context.WithoutCancel(t.ctx), event); perr != nil {
			t.logger.Error().Err(perr).Str("path", tf.path).Msg("Failed to publish event")
		}
	}
}

func (t *Tailer) checkpoint(tf *tailedFile) {
	if t.checkpointMgr == nil || tf.reader == nil {
		return
	}
	t.checkpointMgr.UpdatePosition(tf.path, tf.reader.Position(), tf.inode)
}

// watchLoop turns file system events into polls of the affected file.
func (t *Tailer) watchLoop() {
	defer t.wg.Done()

	for {
		select {
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handleEvent(event)

		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Error().Err(err).Msg("File watcher error")

		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Tailer) followed(path string) bool {
	for _, p := range t.cfg.Paths {
		if filepath.Clean(p) == filepath.Clean(path) {
			return true
		}
	}
	return false
}

// handleEvent handles file system events
func (t *Tailer) handleEvent(event fsnotify.Event) {
	path := event.Name
	if !t.followed(path) {
		return
	}

	t.mu.RLock()
	tf, open := t.files[path]
	t.mu.RUnlock()

	switch {
	case !open && event.Has(fsnotify.Create):
		t.logger.Info().Str("path", path).Msg("File created")
		if err := t.openFile(path, true); err != nil {
			t.logger.Error().Err(err).Str("path", path).Msg("Failed to open file")
		}
	case open:
		// Writes, and the rename or create of a rotation, are all resolved
		// by the next poll.
		tf.wake()
	}
}

// HealthCheck reports followed files whose last successful poll is older
// than the stall timeout.
func (t *Tailer) HealthCheck() health.HealthCheck {
	return health.CheckWithMetadata(func() (health.Status, string, map[string]interface{}) {
		t.mu.RLock()
		defer t.mu.RUnlock()

		var records int64
		for _, tf := range t.files {
			records += tf.records.Load()
		}
		meta := map[string]interface{}{"files": len(t.files), "records": records}
		if t.cfg.StallTimeout <= 0 {
			return health.StatusHealthy, "following", meta
		}

		var stalled []string
		for path, tf := range t.files {
			if time.Since(time.Unix(0, tf.lastPoll.Load())) > t.cfg.StallTimeout {
				stalled = append(stalled, path)
			}
		}
		if len(stalled) > 0 {
			meta["stalled"] = stalled
			return health.StatusDegraded, fmt.Sprintf("%d readers stalled", len(stalled)), meta
		}
		return health.StatusHealthy, "following", meta
	})
}

// getInode extracts inode from FileInfo
func getInode(fi os.FileInfo) uint64 {
	if stat, ok := fi.Sys().(*syscall.Stat_t); ok {
		return stat.Ino
	}
	return 0
}
