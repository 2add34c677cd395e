// Package backup snapshots Redis-style services on fleet nodes and pulls
// the artefacts onto the controller. The remote snapshot is authoritative:
// a failed or corrupted copy degrades the backup, it does not lose it.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetlab/slm/internal/protocol"
	"github.com/fleetlab/slm/internal/remote"
	"github.com/fleetlab/slm/internal/store"
)

// EventSink receives backup lifecycle events. The controller's sink
// persists them and fans them out to stream subscribers.
type EventSink interface {
	Emit(nodeID, eventType, message string, details map[string]any)
}

var (
	// ErrUnsupportedService is returned for snapshot requests against
	// anything but redis.
	ErrUnsupportedService = errors.New("unsupported backup service")
	// ErrNotRestorable is returned when restoring from a backup that
	// never completed.
	ErrNotRestorable = errors.New("backup is not in completed state")
	// ErrNotLocal is returned when verifying a backup whose artefact
	// only exists on the remote node.
	ErrNotLocal = errors.New("backup artefact is not stored on the controller")
)

const (
	defaultDataDir = "/var/lib/redis"
	defaultDBFile  = "dump.rdb"

	probeTimeout   = 15 * time.Second
	serviceTimeout = 30 * time.Second
	hashTimeout    = 5 * time.Minute
	copyTimeout    = 5 * time.Minute
)

var sha256Pattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Executor owns backup and restore runs. Snapshot runs are asynchronous,
// one goroutine per backup; restores run on the caller's context.
type Executor struct {
	log    zerolog.Logger
	store  *store.Store
	runner remote.Runner
	sink   EventSink
	dir    string

	// Poll cadence for waiting on BGSAVE, shortened in tests.
	pollEvery  time.Duration
	pollBudget time.Duration
	graceWait  time.Duration

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an executor storing artefacts under dir.
func New(log zerolog.Logger, st *store.Store, runner remote.Runner, sink EventSink, dir string) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		log:        log.With().Str("component", "backup").Logger(),
		store:      st,
		runner:     runner,
		sink:       sink,
		dir:        dir,
		pollEvery:  2 * time.Second,
		pollBudget: 120 * time.Second,
		graceWait:  2 * time.Second,
		baseCtx:    ctx,
		stop:       cancel,
	}
}

// Close aborts in-flight snapshot runs and waits for their goroutines.
func (e *Executor) Close() {
	e.stop()
	e.wg.Wait()
}

// Start journals a pending backup and launches its snapshot run. The
// returned row is the pending state; watch the stream or poll for the
// terminal one.
func (e *Executor) Start(nodeID, service string) (*store.Backup, error) {
	if service == "" {
		service = "redis"
	}
	if service != "redis" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedService, service)
	}
	node, err := e.store.GetNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", nodeID, err)
	}
	target := remote.TargetFor(node)

	b := &store.Backup{
		ID:        uuid.New().String(),
		NodeID:    nodeID,
		Service:   service,
		Status:    store.BackupPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateBackup(b); err != nil {
		return nil, err
	}

	e.wg.Add(1)
	go e.run(b, target)

	e.log.Info().Str("backup", b.ID).Str("node", nodeID).Msg("backup started")
	return b, nil
}

func (e *Executor) run(b *store.Backup, target remote.Target) {
	defer e.wg.Done()
	log := e.log.With().Str("backup", b.ID).Str("node", b.NodeID).Logger()

	b.Status = store.BackupInProgress
	if err := e.store.SetBackupStatus(b.ID, store.BackupInProgress); err != nil {
		log.Error().Err(err).Msg("failed to mark backup in progress")
	}
	e.sink.Emit(b.NodeID, protocol.EventBackupStarted,
		fmt.Sprintf("Snapshot of %s started", b.Service),
		map[string]any{"backup_id": b.ID})

	err := e.snapshot(e.baseCtx, b, target)
	if e.baseCtx.Err() != nil {
		// Shutting down mid-run. The row stays in_progress; operators
		// see the missing finished_at and retry.
		return
	}

	now := time.Now().UTC()
	if err != nil {
		b.Status = store.BackupFailed
		b.Error = err.Error()
		if perr := e.store.FinishBackup(b, now); perr != nil {
			log.Error().Err(perr).Msg("failed to persist backup failure")
		}
		e.sink.Emit(b.NodeID, protocol.EventBackupFailed, b.Error,
			map[string]any{"backup_id": b.ID})
		log.Warn().Err(err).Msg("backup failed")
		return
	}

	b.Status = store.BackupCompleted
	if perr := e.store.FinishBackup(b, now); perr != nil {
		log.Error().Err(perr).Msg("failed to persist backup result")
	}
	e.sink.Emit(b.NodeID, protocol.EventBackupCompleted,
		fmt.Sprintf("Snapshot completed (%d bytes)", b.SizeBytes),
		map[string]any{"backup_id": b.ID, "size_bytes": b.SizeBytes, "sha256": b.SHA256})
	log.Info().Int64("size", b.SizeBytes).Str("location", b.Location).Msg("backup completed")
}

// snapshot drives the BGSAVE flow and fills in the backup row. A copy
// failure after a successful remote snapshot is not an error: the backup
// completes with a remote location.
func (e *Executor) snapshot(ctx context.Context, b *store.Backup, target remote.Target) error {
	dataDir, dbFile := e.remoteConfig(ctx, target)
	remotePath := path.Join(dataDir, dbFile)

	before, err := e.lastSave(ctx, target)
	if err != nil {
		return fmt.Errorf("read LASTSAVE: %w", err)
	}

	if err := e.bgsave(ctx, target); err != nil {
		return err
	}
	if err := e.waitForSave(ctx, target, before); err != nil {
		return err
	}

	size, err := e.remoteSize(ctx, target, remotePath)
	if err != nil {
		return fmt.Errorf("stat snapshot %s: %w", remotePath, err)
	}
	b.SizeBytes = size

	remoteSum, err := e.remoteSHA256(ctx, target, remotePath)
	if err != nil {
		return fmt.Errorf("checksum snapshot %s: %w", remotePath, err)
	}
	b.SHA256 = remoteSum

	extra := map[string]any{"remote_path": remotePath}
	localPath := filepath.Join(e.dir,
		fmt.Sprintf("%s_%s.rdb", b.ID, time.Now().UTC().Format("20060102_150405")))

	copyCtx, cancel := context.WithTimeout(ctx, copyTimeout)
	defer cancel()
	if _, copyErr := e.runner.Fetch(copyCtx, target, remotePath, localPath); copyErr != nil {
		b.Location = "remote:" + remotePath
		extra["location"] = "remote"
		extra["copy_error"] = copyErr.Error()
		e.log.Warn().Err(copyErr).Str("backup", b.ID).
			Msg("snapshot copy failed, remote artefact retained")
	} else {
		b.Location = localPath
		localSum, err := fileSHA256(localPath)
		if err != nil {
			extra["checksum_warning"] = "local checksum unavailable: " + err.Error()
		} else if localSum != remoteSum {
			extra["checksum_warning"] = "mismatch detected"
			extra["local_checksum"] = localSum
			e.log.Warn().Str("backup", b.ID).
				Str("remote", remoteSum).Str("local", localSum).
				Msg("checksum mismatch after copy")
		}
	}
	b.Extra, _ = json.Marshal(extra)
	return nil
}

// Restore places a completed backup onto the target node. No rollback on
// failure: the error tells the operator where the flow stopped.
func (e *Executor) Restore(ctx context.Context, backupID, targetNodeID string) error {
	b, err := e.store.GetBackup(backupID)
	if err != nil {
		return fmt.Errorf("backup %s: %w", backupID, err)
	}
	if b.Status != store.BackupCompleted {
		return fmt.Errorf("backup %s is %s: %w", backupID, b.Status, ErrNotRestorable)
	}
	if targetNodeID == "" {
		targetNodeID = b.NodeID
	}
	node, err := e.store.GetNode(targetNodeID)
	if err != nil {
		return fmt.Errorf("node %s: %w", targetNodeID, err)
	}
	target := remote.TargetFor(node)

	e.sink.Emit(targetNodeID, protocol.EventRestoreStarted,
		fmt.Sprintf("Restore of backup %s started", b.ID),
		map[string]any{"backup_id": b.ID})

	if err := e.restore(ctx, b, target); err != nil {
		e.sink.Emit(targetNodeID, protocol.EventRestoreFailed, err.Error(),
			map[string]any{"backup_id": b.ID})
		return err
	}

	e.sink.Emit(targetNodeID, protocol.EventRestoreCompleted,
		fmt.Sprintf("Backup %s restored", b.ID),
		map[string]any{"backup_id": b.ID})
	e.log.Info().Str("backup", b.ID).Str("node", targetNodeID).Msg("restore completed")
	return nil
}

func (e *Executor) restore(ctx context.Context, b *store.Backup, target remote.Target) error {
	// Query the data layout before the service stops answering.
	dataDir, dbFile := e.remoteConfig(ctx, target)
	dest := path.Join(dataDir, dbFile)

	if _, err := e.runService(ctx, target, "systemctl stop redis-server"); err != nil {
		return fmt.Errorf("stop service: %w", err)
	}

	if srcPath, onNode := strings.CutPrefix(b.Location, "remote:"); onNode {
		if _, err := e.probe(ctx, target, "test -f "+shellQuote(srcPath)); err != nil {
			return fmt.Errorf("remote artefact %s missing: %w", srcPath, err)
		}
		if srcPath != dest {
			cmd := fmt.Sprintf("cp -f %s %s", shellQuote(srcPath), shellQuote(dest))
			if _, err := e.probe(ctx, target, cmd); err != nil {
				return fmt.Errorf("place artefact: %w", err)
			}
		}
	} else {
		pushCtx, cancel := context.WithTimeout(ctx, copyTimeout)
		defer cancel()
		if err := e.runner.Push(pushCtx, target, b.Location, dest); err != nil {
			return fmt.Errorf("upload artefact: %w", err)
		}
	}
	if _, err := e.probe(ctx, target, "chown redis:redis "+shellQuote(dest)); err != nil {
		return fmt.Errorf("fix ownership: %w", err)
	}

	if _, err := e.runService(ctx, target, "systemctl start redis-server"); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	select {
	case <-time.After(e.graceWait):
	case <-ctx.Done():
		return ctx.Err()
	}

	out, err := e.probe(ctx, target, "redis-cli PING")
	if err != nil || !strings.Contains(string(out), "PONG") {
		return fmt.Errorf("service unhealthy after restore: %s", strings.TrimSpace(string(out)))
	}
	if out, err := e.probe(ctx, target, "redis-cli DBSIZE"); err == nil {
		e.log.Info().Str("backup", b.ID).Str("dbsize", strings.TrimSpace(string(out))).
			Msg("post-restore dataset")
	}
	return nil
}

// Verify recomputes the local artefact's checksum against the recorded
// one. Only store lookups error; verification problems land in Status.
func (e *Executor) Verify(backupID string) (*protocol.VerifyResult, error) {
	b, err := e.store.GetBackup(backupID)
	if err != nil {
		return nil, fmt.Errorf("backup %s: %w", backupID, err)
	}

	res := &protocol.VerifyResult{}
	switch {
	case b.SHA256 == "":
		res.Status = "error"
		res.Error = "no checksum recorded for this backup"
	case b.Location == "" || strings.HasPrefix(b.Location, "remote:"):
		res.Status = "error"
		res.Error = ErrNotLocal.Error()
	default:
		actual, err := fileSHA256(b.Location)
		if err != nil {
			res.Status = "error"
			res.Error = err.Error()
		} else if actual == b.SHA256 {
			res.Status = "valid"
			res.Checksum = actual
		} else {
			res.Status = "mismatch"
			res.Expected = b.SHA256
			res.Actual = actual
		}
	}
	return res, nil
}

// remoteConfig asks the service where its snapshot lives, falling back to
// the stock layout when the query fails or parses oddly.
func (e *Executor) remoteConfig(ctx context.Context, target remote.Target) (dataDir, dbFile string) {
	dataDir, dbFile = defaultDataDir, defaultDBFile
	if v, err := e.configGet(ctx, target, "dir"); err == nil {
		dataDir = v
	} else {
		e.log.Debug().Err(err).Str("host", target.Host).Msg("CONFIG GET dir failed, using default")
	}
	if v, err := e.configGet(ctx, target, "dbfilename"); err == nil {
		dbFile = v
	} else {
		e.log.Debug().Err(err).Str("host", target.Host).Msg("CONFIG GET dbfilename failed, using default")
	}
	return dataDir, dbFile
}

// configGet parses redis-cli CONFIG GET output: the key on one line, the
// value on the next.
func (e *Executor) configGet(ctx context.Context, target remote.Target, key string) (string, error) {
	out, err := e.probe(ctx, target, "redis-cli CONFIG GET "+key)
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == key && i+1 < len(lines) {
			if v := strings.TrimSpace(lines[i+1]); v != "" {
				return v, nil
			}
		}
	}
	return "", fmt.Errorf("unexpected CONFIG GET %s output: %q", key, string(out))
}

func (e *Executor) bgsave(ctx context.Context, target remote.Target) error {
	out, err := e.probe(ctx, target, "redis-cli BGSAVE")
	s := string(out)
	if err != nil && !strings.Contains(s, "in progress") {
		return fmt.Errorf("BGSAVE: %w", err)
	}
	if !strings.Contains(s, "Background saving started") && !strings.Contains(s, "in progress") {
		return fmt.Errorf("unexpected BGSAVE response: %q", strings.TrimSpace(s))
	}
	return nil
}

// waitForSave polls LASTSAVE until it moves past the pre-snapshot value.
func (e *Executor) waitForSave(ctx context.Context, target remote.Target, before int64) error {
	deadline := time.Now().Add(e.pollBudget)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.pollEvery):
		}
		ts, err := e.lastSave(ctx, target)
		if err == nil && ts > before {
			return nil
		}
		if err != nil {
			e.log.Debug().Err(err).Str("host", target.Host).Msg("LASTSAVE poll failed")
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for snapshot to complete after %s", e.pollBudget)
		}
	}
}

func (e *Executor) lastSave(ctx context.Context, target remote.Target) (int64, error) {
	out, err := e.probe(ctx, target, "redis-cli LASTSAVE")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty LASTSAVE response")
	}
	ts, err := strconv.ParseInt(fields[len(fields)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse LASTSAVE %q: %w", strings.TrimSpace(string(out)), err)
	}
	return ts, nil
}

func (e *Executor) remoteSize(ctx context.Context, target remote.Target, path string) (int64, error) {
	out, err := e.probe(ctx, target, "stat -c %s "+shellQuote(path))
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", strings.TrimSpace(string(out)), err)
	}
	return size, nil
}

func (e *Executor) remoteSHA256(ctx context.Context, target remote.Target, path string) (string, error) {
	hashCtx, cancel := context.WithTimeout(ctx, hashTimeout)
	defer cancel()
	out, err := e.runner.Run(hashCtx, target, "sha256sum "+shellQuote(path))
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 || !sha256Pattern.MatchString(fields[0]) {
		return "", fmt.Errorf("unexpected sha256sum output: %q", strings.TrimSpace(string(out)))
	}
	return fields[0], nil
}

func (e *Executor) probe(ctx context.Context, target remote.Target, cmd string) ([]byte, error) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return e.runner.Run(probeCtx, target, cmd)
}

func (e *Executor) runService(ctx context.Context, target remote.Target, cmd string) ([]byte, error) {
	svcCtx, cancel := context.WithTimeout(ctx, serviceTimeout)
	defer cancel()
	return e.runner.Run(svcCtx, target, cmd)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open artefact: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash artefact: %w", err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
