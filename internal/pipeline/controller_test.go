package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/medsummary/constants"
	"github.com/joseph-ayodele/medsummary/internal/entity"
	"github.com/joseph-ayodele/medsummary/internal/repository"
)

type extractFunc func(ctx context.Context, in ExtractInput) (ExtractOutput, error)

func (f extractFunc) Extract(ctx context.Context, in ExtractInput) (ExtractOutput, error) {
	return f(ctx, in)
}

type cleanFunc func(ctx context.Context, in CleanInput) (CleanOutput, error)

func (f cleanFunc) Clean(ctx context.Context, in CleanInput) (CleanOutput, error) { return f(ctx, in) }

type summarizeFunc func(ctx context.Context, in SummarizeInput) (SummarizeOutput, error)

func (f summarizeFunc) Summarize(ctx context.Context, in SummarizeInput) (SummarizeOutput, error) {
	return f(ctx, in)
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// harness counts executor calls and lets a test hold the extractor open.
type harness struct {
	repo     repository.VisitRepository
	ctrl     *Controller
	ocrCalls atomic.Int32
	clnCalls atomic.Int32
	sumCalls atomic.Int32

	ocrGate  chan struct{} // when non-nil the extractor blocks until it is closed
	ocrStart chan struct{} // receives once per extractor call
	ocrErr   error
	ocrPanic bool
	sumErr   error
	lastSum  SummarizeInput
	mu       sync.Mutex
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		repo:     repository.NewMemoryVisitRepository(quietLogger()),
		ocrStart: make(chan struct{}, 16),
	}
	ex := extractFunc(func(ctx context.Context, in ExtractInput) (ExtractOutput, error) {
		h.ocrCalls.Add(1)
		h.ocrStart <- struct{}{}
		if h.ocrGate != nil {
			<-h.ocrGate
		}
		if h.ocrPanic {
			panic("decoder exploded")
		}
		if h.ocrErr != nil {
			return ExtractOutput{}, h.ocrErr
		}
		return ExtractOutput{Text: "Pt c/o fevr 3 days. BP 120/80", Confidence: 0.876}, nil
	})
	cl := cleanFunc(func(ctx context.Context, in CleanInput) (CleanOutput, error) {
		h.clnCalls.Add(1)
		return CleanOutput{CleanedText: "Patient complains of fever for 3 days. BP 120/80."}, nil
	})
	su := summarizeFunc(func(ctx context.Context, in SummarizeInput) (SummarizeOutput, error) {
		h.sumCalls.Add(1)
		h.mu.Lock()
		h.lastSum = in
		h.mu.Unlock()
		if h.sumErr != nil {
			return SummarizeOutput{}, h.sumErr
		}
		dx := "viral fever"
		return SummarizeOutput{
			Summary:     "Three days of fever; BP normal.",
			KeyFindings: "- Fever x3 days\n- BP 120/80",
			ExtractedData: &entity.ExtractedData{
				Diagnosis:   &dx,
				Symptoms:    []string{"fever"},
				Medications: []string{},
				TestResults: []string{},
			},
		}, nil
	})
	h.ctrl = NewController(h.repo, ex, cl, su, cfg, quietLogger())
	return h
}

func (h *harness) newVisit(t *testing.T) *entity.Visit {
	t.Helper()
	name := "Ada"
	v, err := h.repo.Create(context.Background(), entity.DocumentRef{Ref: "aa/doc.png", Filename: "doc.png", Ext: "png", Size: 10}, &entity.PatientMeta{Name: &name})
	require.NoError(t, err)
	return v
}

func TestController_HappyPath(t *testing.T) {
	h := newHarness(t, Config{})
	v := h.newVisit(t)
	ctx := context.Background()

	got, err := h.ctrl.Advance(ctx, v.ID, constants.StageOCR)
	require.NoError(t, err)
	assert.Equal(t, constants.VisitOCRDone, got.State)
	assert.Equal(t, "Pt c/o fevr 3 days. BP 120/80", *got.OCRText)

	got, err = h.ctrl.Advance(ctx, v.ID, constants.StageClean)
	require.NoError(t, err)
	assert.Equal(t, constants.VisitCleaned, got.State)

	got, err = h.ctrl.Advance(ctx, v.ID, constants.StageSummarize)
	require.NoError(t, err)
	assert.Equal(t, constants.VisitSummarized, got.State)
	assert.Equal(t, "Pt c/o fevr 3 days. BP 120/80", *got.OCRText, "earlier outputs untouched")
	require.NotNil(t, got.KeyFindings)
	assert.Equal(t, "- Fever x3 days\n- BP 120/80", *got.KeyFindings)

	h.mu.Lock()
	assert.Equal(t, "Patient complains of fever for 3 days. BP 120/80.", h.lastSum.CleanedText)
	require.NotNil(t, h.lastSum.Patient)
	assert.Equal(t, "Ada", *h.lastSum.Patient.Name)
	h.mu.Unlock()

	view, err := h.ctrl.Result(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.VisitSummarized, view.Status)
	require.NotNil(t, view.OCRConfidence)
	assert.Equal(t, 0.88, *view.OCRConfidence)
	assert.Equal(t, "Three days of fever; BP normal.", *view.Summary)
	assert.Nil(t, view.LastError)

	st, err := h.ctrl.Status(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, Status{VisitID: v.ID, Status: constants.VisitSummarized}, st)
}

func TestController_IdempotentReadvance(t *testing.T) {
	h := newHarness(t, Config{})
	v := h.newVisit(t)
	ctx := context.Background()

	first, err := h.ctrl.Advance(ctx, v.ID, constants.StageOCR)
	require.NoError(t, err)
	_, err = h.ctrl.Advance(ctx, v.ID, constants.StageClean)
	require.NoError(t, err)

	again, err := h.ctrl.Advance(ctx, v.ID, constants.StageOCR)
	require.NoError(t, err)
	assert.Equal(t, constants.VisitCleaned, again.State, "returns the stored visit, not a rerun")
	assert.Equal(t, *first.OCRText, *again.OCRText)
	assert.EqualValues(t, 1, h.ocrCalls.Load())

	_, err = h.ctrl.Advance(ctx, v.ID, constants.StageClean)
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.clnCalls.Load())
}

func TestController_OutOfOrder(t *testing.T) {
	h := newHarness(t, Config{})
	v := h.newVisit(t)
	ctx := context.Background()

	_, err := h.ctrl.Advance(ctx, v.ID, constants.StageSummarize)
	assert.ErrorIs(t, err, ErrStageOutOfOrder)
	_, err = h.ctrl.Advance(ctx, v.ID, constants.StageClean)
	assert.ErrorIs(t, err, ErrStageOutOfOrder)

	got, err := h.repo.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.VisitUploaded, got.State)
	assert.Nil(t, got.OCRText)
	assert.Zero(t, h.clnCalls.Load()+h.sumCalls.Load())
}

func TestController_InvalidStageAndNotFound(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.ctrl.Advance(context.Background(), "VIS_000000000000", constants.Stage("TRANSLATE"))
	assert.ErrorIs(t, err, ErrInvalidStage)

	_, err = h.ctrl.Advance(context.Background(), "VIS_000000000000", constants.StageOCR)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.ctrl.Status(context.Background(), "VIS_000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.ctrl.Result(context.Background(), "VIS_000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestController_FailurePropagation(t *testing.T) {
	h := newHarness(t, Config{})
	h.ocrErr = errors.New("document unreadable: corrupt image header")
	v := h.newVisit(t)
	ctx := context.Background()

	_, err := h.ctrl.Advance(ctx, v.ID, constants.StageOCR)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExtractionFailed)
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, constants.StageOCR, se.Stage)
	assert.Contains(t, se.Message, "corrupt image header")
	require.NotNil(t, se.Visit)
	assert.Equal(t, constants.VisitFailed, se.Visit.State)

	st, err := h.ctrl.Status(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.VisitFailed, st.Status)
	require.NotNil(t, st.LastError)
	assert.Equal(t, constants.StageOCR, st.LastError.Stage)

	// failed visits never move forward and the executor is not rerun
	_, err = h.ctrl.Advance(ctx, v.ID, constants.StageOCR)
	assert.ErrorIs(t, err, ErrExtractionFailed)
	_, err = h.ctrl.Advance(ctx, v.ID, constants.StageClean)
	assert.ErrorIs(t, err, ErrExtractionFailed)
	assert.EqualValues(t, 1, h.ocrCalls.Load())

	view, err := h.ctrl.Result(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.VisitFailed, view.Status)
	assert.Nil(t, view.OCRText)
}

func TestController_SummarizeFailureKeepsEarlierStages(t *testing.T) {
	h := newHarness(t, Config{})
	h.sumErr = errors.New("llm: rate limited")
	v := h.newVisit(t)
	ctx := context.Background()

	_, err := h.ctrl.Run(ctx, v.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSummarizationFailed)

	got, err := h.repo.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.VisitFailed, got.State)
	assert.NotNil(t, got.OCRText)
	assert.NotNil(t, got.CleanedText)
	assert.Nil(t, got.Summary)

	// stages before the failed one still answer idempotently
	out, err := h.ctrl.Advance(ctx, v.ID, constants.StageClean)
	require.NoError(t, err)
	assert.Equal(t, constants.VisitFailed, out.State)
}

func TestController_ExecutorPanicBecomesFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.ocrPanic = true
	v := h.newVisit(t)

	_, err := h.ctrl.Advance(context.Background(), v.ID, constants.StageOCR)
	assert.ErrorIs(t, err, ErrExtractionFailed)
	assert.Contains(t, err.Error(), "decoder exploded")
}

func TestController_ConcurrentAdvanceRunsOnce(t *testing.T) {
	h := newHarness(t, Config{LockTimeout: 5 * time.Second})
	h.ocrGate = make(chan struct{})
	v := h.newVisit(t)

	const n = 6
	var wg sync.WaitGroup
	results := make([]*entity.Visit, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.ctrl.Advance(context.Background(), v.ID, constants.StageOCR)
		}(i)
	}
	<-h.ocrStart
	time.Sleep(20 * time.Millisecond)
	close(h.ocrGate)
	wg.Wait()

	assert.EqualValues(t, 1, h.ocrCalls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, constants.VisitOCRDone, results[i].State)
		assert.Equal(t, *results[0].OCRText, *results[i].OCRText)
	}
	assert.Eventually(t, func() bool { return h.ctrl.locks.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestController_BusyWhenLockHeld(t *testing.T) {
	h := newHarness(t, Config{LockTimeout: 20 * time.Millisecond})
	h.ocrGate = make(chan struct{})
	v := h.newVisit(t)

	firstErr := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Advance(context.Background(), v.ID, constants.StageOCR)
		firstErr <- err
	}()
	<-h.ocrStart

	_, err := h.ctrl.Advance(context.Background(), v.ID, constants.StageOCR)
	assert.ErrorIs(t, err, ErrBusy)

	// other visits are unaffected
	other := h.newVisit(t)
	st, err := h.ctrl.Status(context.Background(), other.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.VisitUploaded, st.Status)

	close(h.ocrGate)
	require.NoError(t, <-firstErr)
}

func TestController_TimeoutDoesNotAbortExecutor(t *testing.T) {
	h := newHarness(t, Config{AdvanceTimeout: 30 * time.Millisecond, LockTimeout: 10 * time.Millisecond})
	h.ocrGate = make(chan struct{})
	v := h.newVisit(t)
	ctx := context.Background()

	_, err := h.ctrl.Advance(ctx, v.ID, constants.StageOCR)
	assert.ErrorIs(t, err, ErrTimeout)

	// the stage is still running and holds the visit
	_, err = h.ctrl.Advance(ctx, v.ID, constants.StageOCR)
	assert.ErrorIs(t, err, ErrBusy)
	st, err := h.ctrl.Status(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.VisitUploaded, st.Status)

	close(h.ocrGate)
	require.Eventually(t, func() bool {
		st, err := h.ctrl.Status(ctx, v.ID)
		return err == nil && st.Status == constants.VisitOCRDone
	}, 2*time.Second, 5*time.Millisecond)

	got, err := h.ctrl.Advance(ctx, v.ID, constants.StageOCR)
	require.NoError(t, err)
	assert.Equal(t, constants.VisitOCRDone, got.State)
	assert.EqualValues(t, 1, h.ocrCalls.Load())
}

func TestController_CallerDeadlineShorterThanAdvanceTimeout(t *testing.T) {
	h := newHarness(t, Config{AdvanceTimeout: time.Minute})
	h.ocrGate = make(chan struct{})
	defer close(h.ocrGate)
	v := h.newVisit(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := h.ctrl.Advance(ctx, v.ID, constants.StageOCR)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestController_StageTimeoutFailsVisit(t *testing.T) {
	h := newHarness(t, Config{StageTimeout: 20 * time.Millisecond})
	v := h.newVisit(t)
	h.ctrl.extractor = extractFunc(func(ctx context.Context, in ExtractInput) (ExtractOutput, error) {
		<-ctx.Done()
		return ExtractOutput{}, ctx.Err()
	})

	_, err := h.ctrl.Advance(context.Background(), v.ID, constants.StageOCR)
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.Message, "timed out")
}

// racingRepo lets another writer win the first compare-and-transition.
type racingRepo struct {
	repository.VisitRepository
	once sync.Once
}

func (r *racingRepo) CompareAndTransition(ctx context.Context, id string, expected constants.VisitState, m repository.Mutation) (*entity.Visit, error) {
	r.once.Do(func() {
		theirs := "their text"
		conf := 0.5
		_, _ = r.VisitRepository.CompareAndTransition(ctx, id, expected, repository.Mutation{
			State: m.State, OCRText: &theirs, OCRConfidence: &conf,
		})
	})
	return r.VisitRepository.CompareAndTransition(ctx, id, expected, m)
}

func TestController_ConflictReturnsStoredOutcome(t *testing.T) {
	h := newHarness(t, Config{})
	v := h.newVisit(t)
	h.ctrl.repo = &racingRepo{VisitRepository: h.repo}

	got, err := h.ctrl.Advance(context.Background(), v.ID, constants.StageOCR)
	require.NoError(t, err)
	assert.Equal(t, constants.VisitOCRDone, got.State)
	assert.Equal(t, "their text", *got.OCRText, "own result discarded")
}

func TestController_Run(t *testing.T) {
	h := newHarness(t, Config{})
	v := h.newVisit(t)

	got, err := h.ctrl.Run(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.VisitSummarized, got.State)

	again, err := h.ctrl.Run(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Summary, again.Summary)
	assert.EqualValues(t, 1, h.sumCalls.Load())
}

func TestController_RunOutlastsSlowStage(t *testing.T) {
	h := newHarness(t, Config{AdvanceTimeout: 30 * time.Millisecond, RetryBackoff: 5 * time.Millisecond})
	h.ocrGate = make(chan struct{})
	v := h.newVisit(t)

	go func() {
		<-h.ocrStart
		time.Sleep(60 * time.Millisecond)
		close(h.ocrGate)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := h.ctrl.Run(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.VisitSummarized, got.State)
	assert.EqualValues(t, 1, h.ocrCalls.Load())
	assert.EqualValues(t, 1, h.clnCalls.Load())
	assert.EqualValues(t, 1, h.sumCalls.Load())
}

func TestController_RunWaitsOutBusyVisit(t *testing.T) {
	h := newHarness(t, Config{LockTimeout: 10 * time.Millisecond, RetryBackoff: 5 * time.Millisecond})
	v := h.newVisit(t)

	unlock, err := h.ctrl.locks.Lock(context.Background(), v.ID)
	require.NoError(t, err)
	time.AfterFunc(50*time.Millisecond, unlock)

	got, err := h.ctrl.Run(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.VisitSummarized, got.State)
}

func TestController_RunGivesUpWhenContextEnds(t *testing.T) {
	h := newHarness(t, Config{LockTimeout: 10 * time.Millisecond, RetryBackoff: 5 * time.Millisecond})
	v := h.newVisit(t)

	unlock, err := h.ctrl.locks.Lock(context.Background(), v.ID)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err = h.ctrl.Run(ctx, v.ID)
	assert.True(t, errors.Is(err, ErrBusy) || errors.Is(err, ErrTimeout), err)
	assert.EqualValues(t, 0, h.ocrCalls.Load())
}

func TestProject_OmitsUnsetFields(t *testing.T) {
	h := newHarness(t, Config{})
	v := h.newVisit(t)

	b, err := json.Marshal(Project(v))
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, v.ID, m["visit_id"])
	assert.Equal(t, "UPLOADED", m["status"])
	for _, k := range []string{"summary", "key_findings", "extracted_data", "ocr_text", "ocr_confidence", "cleaned_text", "last_error"} {
		assert.NotContains(t, m, k)
	}
	assert.Contains(t, m, "patient")

	conf := 0.87654
	v.OCRConfidence = &conf
	view := Project(v)
	assert.Equal(t, 0.88, *view.OCRConfidence)
	assert.Equal(t, 0.87654, *v.OCRConfidence, "projection does not mutate the visit")
	assert.Equal(t, View{}, Project(nil))
}

func TestProject_KeyFindingsIsText(t *testing.T) {
	h := newHarness(t, Config{})
	v := h.newVisit(t)
	_, err := h.ctrl.Run(context.Background(), v.ID)
	require.NoError(t, err)

	view, err := h.ctrl.Result(context.Background(), v.ID)
	require.NoError(t, err)
	b, err := json.Marshal(view)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "- Fever x3 days\n- BP 120/80", m["key_findings"])

	blank := ""
	v.KeyFindings = &blank
	assert.Nil(t, Project(v).KeyFindings, "empty findings are omitted")
}

func TestKeyedLock(t *testing.T) {
	l := NewKeyedLock()
	unlock, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, l.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlockB, err := l.Lock(context.Background(), "b")
	require.NoError(t, err)
	unlockB()

	unlock()
	unlock() // second call is a no-op
	assert.Equal(t, 0, l.Len())

	unlock, err = l.Lock(context.Background(), "a")
	require.NoError(t, err)
	unlock()
}

func TestScenario_NoPatientHappyPath(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryVisitRepository(quietLogger())
	ctrl := NewController(repo,
		extractFunc(func(context.Context, ExtractInput) (ExtractOutput, error) {
			return ExtractOutput{Text: "Pt c/o fever", Confidence: 0.82}, nil
		}),
		cleanFunc(func(_ context.Context, in CleanInput) (CleanOutput, error) {
			return CleanOutput{CleanedText: "Patient complains of fever"}, nil
		}),
		summarizeFunc(func(_ context.Context, in SummarizeInput) (SummarizeOutput, error) {
			if in.Patient != nil {
				return SummarizeOutput{}, errors.New("unexpected patient")
			}
			return SummarizeOutput{
				Summary:       "Patient presents with fever",
				ExtractedData: &entity.ExtractedData{Symptoms: []string{"fever"}},
			}, nil
		}),
		Config{}, quietLogger())

	v, err := repo.Create(ctx, entity.DocumentRef{Ref: "ab/x.jpg", Filename: "x.jpg", Ext: "jpg", Size: 1}, nil)
	require.NoError(t, err)
	for _, s := range constants.Stages {
		_, err := ctrl.Advance(ctx, v.ID, s)
		require.NoError(t, err, s)
	}

	view, err := ctrl.Result(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.VisitSummarized, view.Status)
	assert.Equal(t, "Pt c/o fever", *view.OCRText)
	assert.Equal(t, 0.82, *view.OCRConfidence)
	assert.Equal(t, "Patient complains of fever", *view.CleanedText)
	assert.Equal(t, "Patient presents with fever", *view.Summary)
	assert.Equal(t, []string{"fever"}, view.ExtractedData.Symptoms)
	assert.Nil(t, view.Patient)
	assert.Nil(t, view.KeyFindings)
}

func TestScenario_CorruptDocument(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryVisitRepository(quietLogger())
	ctrl := NewController(repo,
		extractFunc(func(context.Context, ExtractInput) (ExtractOutput, error) {
			return ExtractOutput{}, errors.New("unreadable image")
		}),
		nil, nil, Config{}, quietLogger())

	v, err := repo.Create(ctx, entity.DocumentRef{Ref: "ab/x.jpg", Filename: "x.jpg", Ext: "jpg", Size: 1}, nil)
	require.NoError(t, err)

	_, err = ctrl.Advance(ctx, v.ID, constants.StageOCR)
	assert.ErrorIs(t, err, ErrExtractionFailed)

	st, err := ctrl.Status(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, Status{
		VisitID:   v.ID,
		Status:    constants.VisitFailed,
		LastError: &entity.StageFailure{Stage: constants.StageOCR, Message: "unreadable image"},
	}, st)
}
