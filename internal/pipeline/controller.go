package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/joseph-ayodele/medsummary/constants"
	"github.com/joseph-ayodele/medsummary/internal/entity"
	"github.com/joseph-ayodele/medsummary/internal/repository"
)

// Config bounds how long callers and stages may take.
type Config struct {
	AdvanceTimeout time.Duration // caller wait; default 2m
	LockTimeout    time.Duration // wait for a visit held by another advance; default 5s
	StageTimeout   time.Duration // executor run; default 5m
	CommitTimeout  time.Duration // store write after the executor returns; default 15s
	RetryBackoff   time.Duration // first pause in Run after Busy or Timeout; default 500ms, doubles up to 10s
}

// Controller drives visits through OCR -> CLEAN -> SUMMARIZE.
//
// At most one executor runs per visit at a time. An executor runs on a context
// detached from the caller, so a caller that gives up (ErrTimeout) does not
// abort the stage; its result is still committed and the visit lock is held
// until then.
type Controller struct {
	repo       repository.VisitRepository
	extractor  Extractor
	cleaner    Cleaner
	summarizer Summarizer
	locks      *KeyedLock
	cfg        Config
	log        *slog.Logger
}

func NewController(repo repository.VisitRepository, ex Extractor, cl Cleaner, su Summarizer, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AdvanceTimeout <= 0 {
		cfg.AdvanceTimeout = 2 * time.Minute
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 5 * time.Minute
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 15 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &Controller{
		repo:       repo,
		extractor:  ex,
		cleaner:    cl,
		summarizer: su,
		locks:      NewKeyedLock(),
		cfg:        cfg,
		log:        logger,
	}
}

type advanceResult struct {
	visit *entity.Visit
	err   error
}

// Advance runs stage for the visit if it is the next one and returns the
// updated visit. A stage that already ran returns the stored visit without
// executing anything.
func (c *Controller) Advance(ctx context.Context, visitID string, stage constants.Stage) (*entity.Visit, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}
	log := c.log.With("visit_id", visitID, "stage", stage)

	v, err := c.repo.Get(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if done, out, err := resolve(v, stage); done {
		log.Debug("pipeline.advance.resolved", "state", v.State, "error", err)
		return out, err
	}

	waitCtx, cancel := c.waitContext(ctx)
	defer cancel()

	unlock, err := c.acquire(waitCtx, visitID)
	if err != nil {
		log.Warn("pipeline.advance.lock_failed", "error", err)
		return nil, err
	}

	// someone may have finished the stage while we waited
	v, err = c.repo.Get(waitCtx, visitID)
	if err != nil {
		unlock()
		return nil, err
	}
	if done, out, err := resolve(v, stage); done {
		unlock()
		log.Debug("pipeline.advance.resolved_under_lock", "state", v.State, "error", err)
		return out, err
	}

	start := time.Now()
	log.Info("pipeline.advance.start", "from", v.State)
	done := make(chan advanceResult, 1)
	go func() {
		defer unlock()
		out, err := c.runStage(ctx, v, stage, log)
		done <- advanceResult{visit: out, err: err}
	}()

	select {
	case r := <-done:
		return r.visit, r.err
	case <-waitCtx.Done():
		log.Warn("pipeline.advance.timeout",
			"elapsed_ms", time.Since(start).Milliseconds(),
			"cause", context.Cause(waitCtx),
		)
		return nil, fmt.Errorf("%w: visit %s stage %s is still running", ErrTimeout, visitID, stage)
	}
}

const maxRetryBackoff = 10 * time.Second

// Run advances a visit through every remaining stage. Busy and Timeout mean
// another advance still owns the visit, so Run waits and re-reads it until
// ctx is done. Any other error stops the run.
func (c *Controller) Run(ctx context.Context, visitID string) (*entity.Visit, error) {
	v, err := c.repo.Get(ctx, visitID)
	if err != nil {
		return nil, err
	}
	backoff := c.cfg.RetryBackoff
	for {
		if v.State == constants.VisitFailed {
			return nil, stageErrorFromVisit(v)
		}
		next, ok := constants.NextStage(v.State)
		if !ok {
			return v, nil
		}
		out, err := c.Advance(ctx, visitID, next)
		if err == nil {
			v = out
			backoff = c.cfg.RetryBackoff
			continue
		}
		if !errors.Is(err, ErrBusy) && !errors.Is(err, ErrTimeout) {
			return nil, err
		}

		c.log.Info("pipeline.run.retry", "visit_id", visitID, "stage", next, "backoff_ms", backoff.Milliseconds(), "error", err)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, err
		case <-t.C:
		}
		backoff = min(backoff*2, maxRetryBackoff)

		if v, err = c.repo.Get(ctx, visitID); err != nil {
			return nil, err
		}
	}
}

// Status reads the visit state without taking the visit lock.
func (c *Controller) Status(ctx context.Context, visitID string) (Status, error) {
	v, err := c.repo.Get(ctx, visitID)
	if err != nil {
		return Status{}, err
	}
	return StatusOf(v), nil
}

// Result projects the visit in whatever state it is in.
func (c *Controller) Result(ctx context.Context, visitID string) (View, error) {
	v, err := c.repo.Get(ctx, visitID)
	if err != nil {
		return View{}, err
	}
	return Project(v), nil
}

// waitContext bounds the caller by AdvanceTimeout or its own deadline, whichever is sooner.
func (c *Controller) waitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeoutCause(ctx, c.cfg.AdvanceTimeout, ErrTimeout)
}

func (c *Controller) acquire(waitCtx context.Context, visitID string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(waitCtx, c.cfg.LockTimeout)
	defer cancel()
	unlock, err := c.locks.Lock(lockCtx, visitID)
	if err == nil {
		return unlock, nil
	}
	if waitCtx.Err() != nil {
		return nil, fmt.Errorf("%w: waiting for visit %s", ErrTimeout, visitID)
	}
	return nil, fmt.Errorf("%w: visit %s has a stage running", ErrBusy, visitID)
}

// resolve decides whether an advance can be answered from the stored visit.
// done=false means the stage is the immediate next one and should run.
func resolve(v *entity.Visit, stage constants.Stage) (done bool, out *entity.Visit, err error) {
	if v.State == constants.VisitFailed {
		if v.LastError != nil && stage.Index() < v.LastError.Stage.Index() {
			return true, v, nil
		}
		return true, nil, stageErrorFromVisit(v)
	}
	have, _ := v.State.Progress()
	want, _ := stage.To().Progress()
	if have >= want {
		return true, v, nil
	}
	if next, _ := constants.NextStage(v.State); next != stage {
		return true, nil, fmt.Errorf("%w: visit %s is %s, %s must run first", ErrStageOutOfOrder, v.ID, v.State, next)
	}
	return false, nil, nil
}

// runStage executes the stage and commits its outcome. It owns no lock; the
// caller releases the visit lock after it returns.
func (c *Controller) runStage(parent context.Context, v *entity.Visit, stage constants.Stage, log *slog.Logger) (*entity.Visit, error) {
	start := time.Now()
	base := context.WithoutCancel(parent)

	runCtx, cancel := context.WithTimeout(base, c.cfg.StageTimeout)
	m, execErr := c.execute(runCtx, v, stage)
	if execErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		execErr = fmt.Errorf("stage timed out after %s: %w", c.cfg.StageTimeout, execErr)
	}
	cancel()

	if execErr != nil {
		m = repository.Mutation{
			State:     constants.VisitFailed,
			LastError: &entity.StageFailure{Stage: stage, Message: failureMessage(execErr)},
		}
	}

	commitCtx, ccancel := context.WithTimeout(base, c.cfg.CommitTimeout)
	defer ccancel()
	updated, err := c.repo.CompareAndTransition(commitCtx, v.ID, v.State, m)
	if errors.Is(err, repository.ErrConflict) {
		// another writer got there first: its outcome wins
		cur, gerr := c.repo.Get(commitCtx, v.ID)
		if gerr != nil {
			return nil, gerr
		}
		log.Warn("pipeline.advance.conflict", "expected", v.State, "actual", cur.State)
		if done, out, rerr := resolve(cur, stage); done {
			return out, rerr
		}
		return nil, err
	}
	if err != nil {
		log.Error("pipeline.advance.commit_failed", "error", err, "exec_error", execErr)
		return nil, fmt.Errorf("commit %s for visit %s: %w", stage, v.ID, err)
	}

	elapsed := time.Since(start).Milliseconds()
	if execErr != nil {
		log.Warn("pipeline.advance.failed", "error", execErr, "elapsed_ms", elapsed)
		return nil, &StageError{
			VisitID: v.ID,
			Stage:   stage,
			Kind:    FailureKind(stage),
			Message: updated.LastError.Message,
			Visit:   updated,
		}
	}
	log.Info("pipeline.advance.ok", "to", updated.State, "elapsed_ms", elapsed)
	return updated, nil
}

// execute calls the stage's executor with exactly its upstream fields and
// turns the output into a mutation. Panics become stage failures.
func (c *Controller) execute(ctx context.Context, v *entity.Visit, stage constants.Stage) (m repository.Mutation, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("pipeline.executor.panic", "visit_id", v.ID, "stage", stage, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("internal error in %s executor: %v", strings.ToLower(string(stage)), r)
		}
	}()

	switch stage {
	case constants.StageOCR:
		out, err := c.extractor.Extract(ctx, ExtractInput{VisitID: v.ID, Document: v.Document})
		if err != nil {
			return m, err
		}
		if strings.TrimSpace(out.Text) == "" {
			return m, errors.New("no text could be recognized in the document")
		}
		if out.Confidence < 0 || out.Confidence > 1 {
			return m, fmt.Errorf("confidence %.3f out of range", out.Confidence)
		}
		conf := out.Confidence
		return repository.Mutation{State: stage.To(), OCRText: &out.Text, OCRConfidence: &conf}, nil

	case constants.StageClean:
		if v.OCRText == nil {
			return m, errors.New("visit has no OCR text")
		}
		out, err := c.cleaner.Clean(ctx, CleanInput{VisitID: v.ID, OCRText: *v.OCRText})
		if err != nil {
			return m, err
		}
		if strings.TrimSpace(out.CleanedText) == "" {
			return m, errors.New("cleaner returned empty text")
		}
		return repository.Mutation{State: stage.To(), CleanedText: &out.CleanedText}, nil

	case constants.StageSummarize:
		if v.CleanedText == nil {
			return m, errors.New("visit has no cleaned text")
		}
		out, err := c.summarizer.Summarize(ctx, SummarizeInput{VisitID: v.ID, CleanedText: *v.CleanedText, Patient: v.Patient})
		if err != nil {
			return m, err
		}
		if strings.TrimSpace(out.Summary) == "" {
			return m, errors.New("summarizer returned empty summary")
		}
		findings := strings.TrimSpace(out.KeyFindings)
		return repository.Mutation{
			State:         stage.To(),
			Summary:       &out.Summary,
			KeyFindings:   &findings,
			ExtractedData: out.ExtractedData,
		}, nil
	}
	return m, fmt.Errorf("%w: %q", ErrInvalidStage, stage)
}

const maxFailureMessage = 1000

func failureMessage(err error) string {
	msg := err.Error()
	if len(msg) > maxFailureMessage {
		msg = msg[:maxFailureMessage] + "..."
	}
	return msg
}
