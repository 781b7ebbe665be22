package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/melodia/internal/clock"
	"github.com/smallbiznis/melodia/internal/config"
	"github.com/smallbiznis/melodia/internal/dbtest"
	dispatchdomain "github.com/smallbiznis/melodia/internal/dispatch/domain"
	dispatchrepo "github.com/smallbiznis/melodia/internal/dispatch/repository"
	dispatchservice "github.com/smallbiznis/melodia/internal/dispatch/service"
	generationdomain "github.com/smallbiznis/melodia/internal/generation/domain"
	"github.com/smallbiznis/melodia/internal/reconcile/domain"
	"github.com/smallbiznis/melodia/internal/reconcile/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type fakeFetcher struct {
	mu     sync.Mutex
	calls  int
	update *domain.StatusUpdate
	err    error
}

func (f *fakeFetcher) FetchStatus(_ context.Context, externalTaskID string) (*domain.StatusUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	update := *f.update
	update.ExternalTaskID = externalTaskID
	return &update, nil
}

type songRecorder struct {
	mu  sync.Mutex
	ids []snowflake.ID
}

func (r *songRecorder) OnSongCreated(_ context.Context, songID snowflake.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, songID)
	return nil
}

type failureRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (r *failureRecorder) OnTaskFailed(_ context.Context, _ *generationdomain.Task, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
	return nil
}

type fixture struct {
	svc      domain.Service
	db       *gorm.DB
	node     *snowflake.Node
	clock    *clock.FakeClock
	fetcher  *fakeFetcher
	songs    *songRecorder
	failures *failureRecorder
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	node := dbtest.Node(t)
	fc := clock.NewFakeClock(time.Date(2025, 7, 3, 12, 0, 0, 0, time.UTC))
	f := &fixture{
		db:       db,
		node:     node,
		clock:    fc,
		fetcher:  &fakeFetcher{update: &domain.StatusUpdate{Status: "PENDING"}},
		songs:    &songRecorder{},
		failures: &failureRecorder{},
	}
	f.svc = NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fc,
		Config: config.Config{Dispatch: config.DispatchConfig{
			MaxPollAttempts:  3,
			PollBackoffBase:  10 * time.Second,
			PollBackoffLimit: 30 * time.Second,
		}},
		Repo:     repository.Provide(),
		Fetcher:  f.fetcher,
		Songs:    f.songs,
		Failures: f.failures,
	})
	return f
}

// seedRequest creates a paid request with a dedication.
func (f *fixture) seedRequest(t *testing.T) *generationdomain.Request {
	t.Helper()
	now := f.clock.Now()
	userID := f.node.Generate()
	dbtest.SeedUser(t, f.db, dbtest.User{ID: userID})
	req := &generationdomain.Request{
		ID:                      f.node.Generate(),
		UserID:                  userID,
		UserGenerationInput:     datatypes.JSON(`{"prompt":"sea","dedication":{"recipient":"Ana"}}`),
		SongPaymentType:         generationdomain.SongPaymentOnetime,
		DedicationPaymentType:   generationdomain.AddOnOnetime,
		AruncaCuBaniPaymentType: generationdomain.AddOnNoPayment,
		Currency:                "ron",
		PaymentStatus:           generationdomain.PaymentSuccess,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	require.NoError(t, f.db.Create(req).Error)
	return req
}

// seedTask creates a paid request and its dispatched task.
func (f *fixture) seedTask(t *testing.T, status generationdomain.TaskStatus) *generationdomain.Task {
	t.Helper()
	now := f.clock.Now()
	req := f.seedRequest(t)
	externalID := "ext-" + req.ID.String()
	task := &generationdomain.Task{
		ID:         f.node.Generate(),
		UserID:     req.UserID,
		RequestID:  req.ID,
		ExternalID: &externalID,
		Status:     status,
		SongIDs:    []snowflake.ID{},
		NextPollAt: &now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, f.db.Create(task).Error)
	return task
}

func (f *fixture) reload(t *testing.T, id snowflake.ID) generationdomain.Task {
	t.Helper()
	var task generationdomain.Task
	require.NoError(t, f.db.Where("id = ?", id).Take(&task).Error)
	return task
}

func successUpdate() *domain.StatusUpdate {
	return &domain.StatusUpdate{
		Status: "SUCCESS",
		Tracks: []domain.Track{
			{ID: "track-1", AudioURL: "https://cdn.test/1.mp3", Title: "Marea", Duration: 120},
			{ID: "track-2", AudioURL: "https://cdn.test/2.mp3", Title: "Marea", Duration: 118},
		},
	}
}

func TestPollOnceCompletesTaskWithSongs(t *testing.T) {
	f := setup(t)
	task := f.seedTask(t, generationdomain.TaskProcessing)
	f.fetcher.update = successUpdate()

	status, err := f.svc.PollOnce(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, generationdomain.StatusCompleted, status)

	got := f.reload(t, task.ID)
	assert.Equal(t, generationdomain.TaskCompleted, got.Status)
	require.Len(t, got.SongIDs, 2)
	assert.Nil(t, got.NextPollAt)

	var songs []generationdomain.Song
	require.NoError(t, f.db.Where("task_id = ?", task.ID).Order("external_id").Find(&songs).Error)
	require.Len(t, songs, 2)
	assert.True(t, songs[0].HasDedication, "first track carries the request add-ons")
	assert.False(t, songs[1].HasDedication)
	assert.ElementsMatch(t, []snowflake.ID(got.SongIDs), f.songs.ids)
}

func TestPollOnceTerminalTaskSkipsProvider(t *testing.T) {
	f := setup(t)
	for _, status := range []generationdomain.TaskStatus{generationdomain.TaskCompleted, generationdomain.TaskFailed} {
		task := f.seedTask(t, status)
		got, err := f.svc.PollOnce(context.Background(), task.ID)
		require.NoError(t, err)
		assert.Equal(t, statusOf(status), got)
	}
	assert.Equal(t, 0, f.fetcher.calls)
}

func TestRepeatedSuccessDoesNotDuplicateSongs(t *testing.T) {
	f := setup(t)
	task := f.seedTask(t, generationdomain.TaskProcessing)
	update := successUpdate()
	update.ExternalTaskID = *task.ExternalID

	for i := 0; i < 3; i++ {
		status, err := f.svc.OnStatusPushed(context.Background(), *update)
		require.NoError(t, err)
		assert.Equal(t, generationdomain.StatusCompleted, status)
	}

	var count int64
	require.NoError(t, f.db.Model(&generationdomain.Song{}).Where("task_id = ?", task.ID).Count(&count).Error)
	assert.Equal(t, int64(2), count)
	assert.Len(t, f.songs.ids, 2)
	assert.Len(t, f.reload(t, task.ID).SongIDs, 2)
}

func TestSuccessWithoutTracksIsAnomaly(t *testing.T) {
	f := setup(t)
	task := f.seedTask(t, generationdomain.TaskProcessing)

	_, err := f.svc.OnStatusPushed(context.Background(), domain.StatusUpdate{
		ExternalTaskID: *task.ExternalID,
		Status:         "SUCCESS",
	})
	require.ErrorIs(t, err, domain.ErrMissingArtifacts)

	got := f.reload(t, task.ID)
	assert.Equal(t, generationdomain.TaskProcessing, got.Status)
	assert.Nil(t, got.NextPollAt, "anomalous task is not polled again")
	assert.Empty(t, f.songs.ids)
	assert.Empty(t, f.failures.reasons)
}

func TestProviderFailureFailsTaskOnce(t *testing.T) {
	f := setup(t)
	task := f.seedTask(t, generationdomain.TaskProcessing)
	update := domain.StatusUpdate{
		ExternalTaskID: *task.ExternalID,
		Status:         "SENSITIVE_WORD_ERROR",
		ErrorMessage:   "lyrics rejected",
	}

	status, err := f.svc.OnStatusPushed(context.Background(), update)
	require.NoError(t, err)
	assert.Equal(t, generationdomain.StatusFailed, status)

	status, err = f.svc.OnStatusPushed(context.Background(), update)
	require.NoError(t, err)
	assert.Equal(t, generationdomain.StatusFailed, status)

	got := f.reload(t, task.ID)
	require.NotNil(t, got.Error)
	assert.Equal(t, "generation failed: SENSITIVE_WORD_ERROR: lyrics rejected", *got.Error)
	assert.Equal(t, []string{"generation failed: SENSITIVE_WORD_ERROR: lyrics rejected"}, f.failures.reasons)
}

func TestProgressBacksOffAndGivesUp(t *testing.T) {
	f := setup(t)
	task := f.seedTask(t, generationdomain.TaskProcessing)
	f.fetcher.update = &domain.StatusUpdate{Status: "FIRST_SUCCESS"}
	ctx := context.Background()

	status, err := f.svc.PollOnce(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, generationdomain.StatusProcessing, status)
	got := f.reload(t, task.ID)
	assert.Equal(t, generationdomain.TaskPartial, got.Status)
	assert.Equal(t, 1, got.PollAttempts)
	require.NotNil(t, got.NextPollAt)
	assert.True(t, got.NextPollAt.UTC().Equal(f.clock.Now().Add(10*time.Second)))

	f.fetcher.err = errors.New("connection reset")
	_, err = f.svc.PollOnce(ctx, task.ID)
	require.Error(t, err)
	got = f.reload(t, task.ID)
	assert.Equal(t, 2, got.PollAttempts)
	assert.True(t, got.NextPollAt.UTC().Equal(f.clock.Now().Add(20*time.Second)))

	f.fetcher.err = nil
	status, err = f.svc.PollOnce(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, generationdomain.StatusFailed, status)
	got = f.reload(t, task.ID)
	assert.Equal(t, generationdomain.TaskFailed, got.Status)
	require.Len(t, f.failures.reasons, 1)
	assert.Contains(t, f.failures.reasons[0], "timed out after 3 polls")
}

type stalledProvider struct{}

func (stalledProvider) StartGeneration(ctx context.Context, _ dispatchdomain.StartRequest) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestLateResultAcceptedAfterDeadlineFailure(t *testing.T) {
	f := setup(t)
	req := f.seedRequest(t)
	dispatcher := dispatchservice.NewService(dispatchservice.Params{
		DB:       f.db,
		Log:      zap.NewNop(),
		GenID:    f.node,
		Clock:    f.clock,
		Repo:     dispatchrepo.Provide(),
		Provider: stalledProvider{},
	})

	taskID, err := dispatcher.Enqueue(context.Background(), dispatchdomain.EnqueueRequest{
		UserID:           req.UserID,
		RequestID:        req.ID,
		Params:           generationdomain.Input{Prompt: "sea"},
		DispatchDeadline: 50 * time.Millisecond,
	})
	require.ErrorIs(t, err, dispatchdomain.ErrDeadlineExceeded)
	assert.Zero(t, taskID)

	var task generationdomain.Task
	require.NoError(t, f.db.Where("request_id = ?", req.ID).Take(&task).Error)
	require.True(t, task.FailedOnDispatchDeadline())
	require.Nil(t, task.ExternalID)

	// the provider started the job anyway and pushes its result
	update := successUpdate()
	update.ExternalTaskID = "ext-late"
	_, err = f.svc.OnStatusPushed(context.Background(), *update)
	require.ErrorIs(t, err, domain.ErrTaskNotFound, "no id to match without the callback task id")

	update.TaskID = task.ID
	status, err := f.svc.OnStatusPushed(context.Background(), *update)
	require.NoError(t, err)
	assert.Equal(t, generationdomain.StatusCompleted, status)

	got := f.reload(t, task.ID)
	assert.Equal(t, generationdomain.TaskCompleted, got.Status)
	assert.Nil(t, got.Error)
	require.NotNil(t, got.ExternalID)
	assert.Equal(t, "ext-late", *got.ExternalID)
	assert.Len(t, got.SongIDs, 2)
	assert.Len(t, f.songs.ids, 2)

	// a redelivery now matches by external id and changes nothing
	update.TaskID = 0
	status, err = f.svc.OnStatusPushed(context.Background(), *update)
	require.NoError(t, err)
	assert.Equal(t, generationdomain.StatusCompleted, status)
	assert.Len(t, f.songs.ids, 2)
}

func TestProviderFailedTaskIgnoresLaterSuccess(t *testing.T) {
	f := setup(t)
	task := f.seedTask(t, generationdomain.TaskProcessing)
	ctx := context.Background()

	status, err := f.svc.OnStatusPushed(ctx, domain.StatusUpdate{
		ExternalTaskID: *task.ExternalID,
		Status:         domain.ProviderGenerateAudioFailed,
		ErrorMessage:   "audio model crashed",
	})
	require.NoError(t, err)
	assert.Equal(t, generationdomain.StatusFailed, status)
	require.Len(t, f.failures.reasons, 1)

	update := successUpdate()
	update.ExternalTaskID = *task.ExternalID
	status, err = f.svc.OnStatusPushed(ctx, *update)
	require.NoError(t, err)
	assert.Equal(t, generationdomain.StatusFailed, status)

	got := f.reload(t, task.ID)
	assert.Equal(t, generationdomain.TaskFailed, got.Status)
	assert.Empty(t, got.SongIDs)
	assert.Empty(t, f.songs.ids)
	assert.Len(t, f.failures.reasons, 1)

	var songs int64
	require.NoError(t, f.db.Model(&generationdomain.Song{}).Where("task_id = ?", task.ID).Count(&songs).Error)
	assert.Zero(t, songs)
}

func TestPushWithMismatchedTaskID(t *testing.T) {
	f := setup(t)
	task := f.seedTask(t, generationdomain.TaskProcessing)

	update := successUpdate()
	update.ExternalTaskID = "ext-other"
	update.TaskID = task.ID
	_, err := f.svc.OnStatusPushed(context.Background(), *update)
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	assert.Equal(t, generationdomain.TaskProcessing, f.reload(t, task.ID).Status)
}

func TestOnStatusPushedUnknownTask(t *testing.T) {
	f := setup(t)
	_, err := f.svc.OnStatusPushed(context.Background(), domain.StatusUpdate{ExternalTaskID: "nope", Status: "SUCCESS"})
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	_, err = f.svc.OnStatusPushed(context.Background(), domain.StatusUpdate{Status: "SUCCESS"})
	assert.ErrorIs(t, err, domain.ErrInvalidTask)
}

func TestListDueTasksLeasesRows(t *testing.T) {
	f := setup(t)
	due := f.seedTask(t, generationdomain.TaskProcessing)
	f.seedTask(t, generationdomain.TaskCompleted)
	ctx := context.Background()

	tasks, err := f.svc.ListDueTasks(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, due.ID, tasks[0].ID)

	tasks, err = f.svc.ListDueTasks(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, tasks, "leased task is not handed out twice")

	tasks, err = f.svc.ListDueTasks(ctx, f.clock.Now().Add(5*time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}
