// Package jobs runs update installations against fleet nodes.
//
// Each submitted job gets its own goroutine that walks the resolved
// updates one step at a time, persisting progress after every step and
// streaming it to live subscribers. A failed step does not stop the
// job; the remaining packages still get their chance and the job is
// marked failed at the end.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetlab/slm/internal/bus"
	"github.com/fleetlab/slm/internal/protocol"
	"github.com/fleetlab/slm/internal/remote"
	"github.com/fleetlab/slm/internal/store"
)

// EventSink receives fleet events from the engine. Emit persists the
// event and fans it out to stream subscribers; Stream fans out only.
type EventSink interface {
	Emit(nodeID, eventType, message string, details map[string]any)
	Stream(topic string, frame protocol.StreamFrame)
}

const (
	stepTimeout    = 5 * time.Minute
	maxOutputLines = 100
)

var (
	// ErrJobTerminal is returned when cancelling a job that already ended.
	ErrJobTerminal = errors.New("job already in a terminal state")
	// ErrNodeBusy is returned when a node already has a job in flight.
	ErrNodeBusy = errors.New("node already has a job in progress")
)

type run struct {
	nodeID string
	cancel context.CancelFunc
}

// Engine owns the running-job registry and the worker goroutines.
type Engine struct {
	log    zerolog.Logger
	store  *store.Store
	runner remote.Runner
	sink   EventSink

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.RWMutex
	running map[string]*run
}

// NewEngine creates an engine. No goroutines start until Submit.
func NewEngine(log zerolog.Logger, st *store.Store, runner remote.Runner, sink EventSink) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		log:     log.With().Str("component", "job_engine").Logger(),
		store:   st,
		runner:  runner,
		sink:    sink,
		baseCtx: ctx,
		stop:    cancel,
		running: make(map[string]*run),
	}
}

// Close aborts in-flight steps and waits for the workers to exit.
// Interrupted jobs keep their running status; the orphan sweep on the
// next start resolves them.
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
}

// Submit resolves the node and updates, journals a pending job and
// starts its worker. Unknown node or update IDs wrap store.ErrNotFound.
func (e *Engine) Submit(nodeID string, updateIDs []string) (*store.UpdateJob, error) {
	node, err := e.store.GetNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", nodeID, err)
	}

	updates := make([]*store.UpdateInfo, 0, len(updateIDs))
	for _, id := range updateIDs {
		u, err := e.store.GetUpdate(id)
		if err != nil {
			return nil, fmt.Errorf("update %s: %w", id, err)
		}
		if u.NodeID != "" && u.NodeID != nodeID {
			return nil, fmt.Errorf("update %s does not apply to node %s: %w", id, nodeID, store.ErrNotFound)
		}
		updates = append(updates, u)
	}

	target := remote.TargetFor(node)

	job := &store.UpdateJob{
		ID:         uuid.New().String(),
		NodeID:     nodeID,
		UpdateIDs:  updateIDs,
		Status:     store.JobPending,
		TotalSteps: len(updates),
		CreatedAt:  time.Now().UTC(),
	}

	// The registry lock covers the busy check through job creation so
	// two concurrent submits cannot both pass for the same node.
	e.mu.Lock()
	for _, r := range e.running {
		if r.nodeID == nodeID {
			e.mu.Unlock()
			return nil, ErrNodeBusy
		}
	}
	if err := e.store.CreateJob(job); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	runCtx, cancel := context.WithCancel(e.baseCtx)
	e.running[job.ID] = &run{nodeID: nodeID, cancel: cancel}
	e.mu.Unlock()

	e.wg.Add(1)
	go e.execute(runCtx, job, target, updates)

	e.log.Info().Str("job", job.ID).Str("node", nodeID).
		Int("updates", len(updates)).Msg("job submitted")
	return job, nil
}

// Cancel requests a cooperative stop. The in-flight step finishes and
// the job turns cancelled at the next step boundary.
func (e *Engine) Cancel(jobID string) error {
	e.mu.RLock()
	r := e.running[jobID]
	e.mu.RUnlock()
	if r != nil {
		r.cancel()
		e.log.Info().Str("job", jobID).Msg("cancel requested")
		return nil
	}

	if _, err := e.store.GetJob(jobID); err != nil {
		return err
	}
	return ErrJobTerminal
}

func (e *Engine) execute(ctx context.Context, job *store.UpdateJob, target remote.Target, updates []*store.UpdateInfo) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.running, job.ID)
		e.mu.Unlock()
	}()

	log := e.log.With().Str("job", job.ID).Str("node", job.NodeID).Logger()

	job.Status = store.JobRunning
	job.StartedAt = time.Now().UTC()
	if err := e.store.MarkJobStarted(job.ID, job.StartedAt); err != nil {
		log.Error().Err(err).Msg("failed to mark job started")
	}
	e.sink.Emit(job.NodeID, protocol.EventDeploymentStarted,
		fmt.Sprintf("Installing %d update(s)", len(updates)),
		map[string]any{"job_id": job.ID, "update_ids": job.UpdateIDs})

	var (
		lines     []string
		applied   []string
		failed    int
		cancelled bool
	)
	total := len(updates)

	for i, u := range updates {
		select {
		case <-e.baseCtx.Done():
			// Shutting down. Leave the row running; the orphan sweep
			// on the next start resolves it.
			return
		default:
		}
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		job.CurrentStep = fmt.Sprintf("Installing %s (%s)", u.PackageName, u.CandidateVersion)
		e.persist(job, log)
		e.publish(job)
		log.Info().Str("step", job.CurrentStep).Msg("starting step")

		out, err := e.runStep(target, u)
		if e.baseCtx.Err() != nil {
			// The step was cut short by shutdown, not by the node.
			return
		}
		if len(out) > 0 {
			lines = append(lines, strings.Split(strings.TrimRight(string(out), "\n"), "\n")...)
		}
		if err != nil {
			failed++
			lines = append(lines, fmt.Sprintf("Failed to install %s: %v", u.PackageName, err))
			log.Warn().Err(err).Str("package", u.PackageName).Msg("step failed, continuing")
		} else {
			applied = append(applied, u.ID)
		}
		lines = tail(lines, maxOutputLines)

		job.Progress = (i + 1) * 100 / total
		job.CompletedSteps = i + 1
		job.Output = strings.Join(lines, "\n")
		e.persist(job, log)
		e.publish(job)
	}

	// Steps that succeeded are installed regardless of how the job
	// ends. Their rows, global ones included, stay behind as history
	// but stop counting as pending.
	if len(applied) > 0 {
		if err := e.store.MarkUpdatesApplied(applied, time.Now().UTC()); err != nil {
			log.Error().Err(err).Msg("failed to mark applied updates")
		}
	}

	switch {
	case cancelled:
		e.finish(job, store.JobCancelled, "", log)
	case failed > 0:
		msg := fmt.Sprintf("Failed to install %d package(s)", failed)
		e.finish(job, store.JobFailed, msg, log)
		e.sink.Emit(job.NodeID, protocol.EventDeploymentFailed, msg,
			map[string]any{"job_id": job.ID, "failed": failed, "total": total})
	default:
		e.finish(job, store.JobCompleted, "", log)
		e.sink.Emit(job.NodeID, protocol.EventDeploymentCompleted,
			fmt.Sprintf("Installed %d update(s)", total),
			map[string]any{"job_id": job.ID, "total": total})
	}
}

func (e *Engine) runStep(target remote.Target, u *store.UpdateInfo) ([]byte, error) {
	ctx, cancel := context.WithTimeout(e.baseCtx, stepTimeout)
	defer cancel()
	cmd := fmt.Sprintf("DEBIAN_FRONTEND=noninteractive apt-get install -y %s=%s",
		u.PackageName, u.CandidateVersion)
	return e.runner.Run(ctx, target, cmd)
}

func (e *Engine) finish(job *store.UpdateJob, status store.JobStatus, errMsg string, log zerolog.Logger) {
	// Free the node before the terminal row lands so a caller that
	// observes the terminal status can submit the next job right away.
	e.mu.Lock()
	delete(e.running, job.ID)
	e.mu.Unlock()

	job.Status = status
	job.Error = errMsg
	job.CurrentStep = ""
	if status == store.JobCompleted {
		job.CurrentStep = "Completed"
	}
	job.FinishedAt = time.Now().UTC()
	if err := e.store.FinishJob(job.ID, status, errMsg, job.FinishedAt); err != nil {
		log.Error().Err(err).Msg("failed to persist job result")
	}
	e.publish(job)
	log.Info().Str("status", string(status)).Int("progress", job.Progress).Msg("job finished")
}

func (e *Engine) persist(job *store.UpdateJob, log zerolog.Logger) {
	if err := e.store.UpdateJobStep(job.ID, job.Progress, job.CompletedSteps, job.CurrentStep, job.Output); err != nil {
		log.Error().Err(err).Msg("failed to persist job progress")
	}
}

func (e *Engine) publish(job *store.UpdateJob) {
	// Subscribers marshal the frame on their own schedule, so they get
	// a copy rather than the struct the worker keeps mutating.
	snapshot := *job
	frame := protocol.StreamFrame{
		Type:      protocol.EventJobProgress,
		Data:      snapshot,
		Timestamp: time.Now().UTC(),
	}
	e.sink.Stream(bus.JobTopic(job.ID), frame)
	e.sink.Stream(bus.NodeTopic(job.NodeID), frame)
}

func tail(lines []string, max int) []string {
	if len(lines) <= max {
		return lines
	}
	return lines[len(lines)-max:]
}
