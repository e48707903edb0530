package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/d60-Lab/submission-hub/internal/model"
	"github.com/d60-Lab/submission-hub/internal/notify"
	"github.com/d60-Lab/submission-hub/internal/repository"
	"github.com/d60-Lab/submission-hub/internal/storage"
)

// fakeUploader 按文件名决定是否失败，并记录每次调用
type fakeUploader struct {
	mu       sync.Mutex
	ready    bool
	failName string
	attempts map[string]int
	order    []string
	ensured  int
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{ready: true, attempts: make(map[string]int)}
}

func (u *fakeUploader) EnsureContainerReady(context.Context) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ensured++
	return u.ready
}

func (u *fakeUploader) UploadWithRetry(_ context.Context, src storage.Source, dest string, maxAttempts int) *storage.UploadedObject {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.order = append(u.order, src.Name)
	if src.Name == u.failName {
		u.attempts[src.Name] += maxAttempts
		return nil
	}
	u.attempts[src.Name]++
	return &storage.UploadedObject{Path: dest, URL: "https://cdn.test/" + dest, Size: src.Size, Checksum: "c-" + src.Name}
}

func (u *fakeUploader) calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.order)
}

// fakeDriver 可配置返回值或 panic
type fakeDriver struct {
	ch      model.Channel
	ok      bool
	panics  bool
	delay   time.Duration
	calls   atomic.Int32
	mu      sync.Mutex
	targets []notify.Target
	seen    []notify.Notification
}

func (d *fakeDriver) Channel() model.Channel { return d.ch }

func (d *fakeDriver) Send(ctx context.Context, n notify.Notification, target notify.Target) bool {
	d.calls.Add(1)
	d.mu.Lock()
	d.targets = append(d.targets, target)
	d.seen = append(d.seen, n)
	d.mu.Unlock()
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.panics {
		panic("driver exploded")
	}
	// 修改副本不应影响其他渠道
	if len(n.Files) > 0 {
		n.Files[0].Name = "mutated-by-" + string(d.ch)
	}
	return d.ok
}

type failingRepo struct {
	repository.SubmissionRepository
}

func (failingRepo) Create(context.Context, *model.Submission) error {
	return errors.New("insert into document_submissions: connection refused")
}

func setupServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&model.Submission{}))
	return db
}

func source(name string, size int) storage.Source {
	data := bytes.Repeat([]byte("x"), size)
	return storage.Source{
		Name: name,
		Type: "application/pdf",
		Size: int64(size),
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	}
}

func testSettings() Settings {
	return Settings{
		DefaultChannels: []model.Channel{model.ChannelInApp, model.ChannelEmail},
		Target: notify.Target{
			Email:       "admin@example.com",
			Phone:       "+447700900000",
			ChatID:      "-100200",
			AdminUserID: "admin-1",
		},
		DiscordWebhook: "https://discord.test/webhook",
		SlackWebhook:   "https://slack.test/webhook",
		MaxAttempts:    3,
	}
}

type fixture struct {
	svc      SubmissionService
	uploader *fakeUploader
	repo     repository.SubmissionRepository
	outcomes repository.OutcomeRepository
	drivers  map[model.Channel]*fakeDriver
}

func newFixture(t *testing.T, repo repository.SubmissionRepository) *fixture {
	t.Helper()
	if repo == nil {
		repo = repository.NewSubmissionRepository(setupServiceDB(t))
	}
	f := &fixture{
		uploader: newFakeUploader(),
		repo:     repo,
		outcomes: repository.NewMemoryOutcomeRepository(time.Hour),
		drivers:  make(map[model.Channel]*fakeDriver),
	}
	list := make([]notify.Driver, 0, len(model.NotificationChannels))
	for _, ch := range model.NotificationChannels {
		d := &fakeDriver{ch: ch, ok: true}
		f.drivers[ch] = d
		list = append(list, d)
	}
	f.svc = NewSubmissionService(f.uploader, repo, f.outcomes, list, testSettings())
	return f
}

func (f *fixture) totalDriverCalls() int32 {
	var n int32
	for _, d := range f.drivers {
		n += d.calls.Load()
	}
	return n
}

func exampleMetadata() model.SubmissionMetadata {
	return model.SubmissionMetadata{StudyLevel: "Level 7", WordCount: 3000}
}

func TestSubmit_HealthyEnvironment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res := f.svc.Submit(ctx, "user-42",
		[]storage.Source{source("fileA.pdf", 2<<20), source("fileB.pdf", 500<<10)},
		exampleMetadata(),
		ChannelOptions{Email: Bool(true), Telegram: Bool(false)},
	)

	require.True(t, res.Success, res.Message)
	require.NoError(t, res.Err)
	assert.NotEmpty(t, res.SubmissionID)
	assert.Equal(t, []model.Channel{model.ChannelDatabase, model.ChannelInApp, model.ChannelEmail}, res.NotificationChannels)
	assert.Equal(t, model.SubmissionDelivered, res.Status)
	assert.Equal(t, int32(0), f.drivers[model.ChannelTelegram].calls.Load())
	assert.Equal(t, int32(0), f.drivers[model.ChannelSMS].calls.Load())

	detail, err := f.svc.Get(ctx, "user-42", res.SubmissionID)
	require.NoError(t, err)
	require.Len(t, detail.Submission.Files, 2)
	assert.Equal(t, "fileA.pdf", detail.Submission.Files[0].Name)
	assert.Equal(t, "fileB.pdf", detail.Submission.Files[1].Name)
	assert.Equal(t, int64(2<<20), detail.Submission.Files[0].Size)
	assert.Equal(t, model.SubmissionDelivered, detail.Submission.Status)
	assert.Equal(t, "Level 7", detail.Submission.Metadata.StudyLevel)
	require.Len(t, detail.Outcomes, 2)
	for _, o := range detail.Outcomes {
		assert.Equal(t, model.OutcomeSent, o.Status)
	}

	email := f.drivers[model.ChannelEmail]
	require.Len(t, email.targets, 1)
	assert.Equal(t, "admin@example.com", email.targets[0].Email)
	assert.Equal(t, res.SubmissionID, email.seen[0].SubmissionID)
}

func TestSubmit_EmailTransportErrorIsIsolated(t *testing.T) {
	f := newFixture(t, nil)
	f.drivers[model.ChannelEmail].ok = false

	res := f.svc.Submit(context.Background(), "user-42",
		[]storage.Source{source("fileA.pdf", 2<<20), source("fileB.pdf", 500<<10)},
		exampleMetadata(),
		ChannelOptions{Email: Bool(true), Telegram: Bool(false)},
	)

	assert.True(t, res.Success)
	assert.Equal(t, []model.Channel{model.ChannelDatabase, model.ChannelInApp}, res.NotificationChannels)
	assert.Equal(t, model.SubmissionPartiallyDelivered, res.Status)
	assert.Contains(t, res.Message, "1 of 2")
}

// 任一文件失败则不落库、不通知
func TestSubmit_FileUploadFailureAbortsEverything(t *testing.T) {
	db := setupServiceDB(t)
	f := newFixture(t, repository.NewSubmissionRepository(db))
	f.uploader.failName = "fileB.pdf"

	res := f.svc.Submit(context.Background(), "user-42",
		[]storage.Source{source("fileA.pdf", 2<<20), source("fileB.pdf", 500<<10), source("fileC.pdf", 10)},
		exampleMetadata(),
		ChannelOptions{Email: Bool(true)},
	)

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrUploadFailed)
	assert.Equal(t, model.SubmissionFailed, res.Status)
	assert.Empty(t, res.NotificationChannels)
	assert.Equal(t, 3, f.uploader.attempts["fileB.pdf"])
	assert.Equal(t, []string{"fileA.pdf", "fileB.pdf"}, f.uploader.order)
	assert.Equal(t, int32(0), f.totalDriverCalls())

	var count int64
	require.NoError(t, db.Model(&model.Submission{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestSubmit_StorageUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	f.uploader.ready = false

	res := f.svc.Submit(context.Background(), "user-42", []storage.Source{source("a.pdf", 1)}, exampleMetadata(), ChannelOptions{})

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrStorageUnavailable)
	assert.Zero(t, f.uploader.calls())
	assert.Equal(t, int32(0), f.totalDriverCalls())
}

// 一个渠道 panic 不影响其他渠道
func TestSubmit_ChannelPanicIsIsolated(t *testing.T) {
	f := newFixture(t, nil)
	f.drivers[model.ChannelInApp].panics = true
	f.drivers[model.ChannelSlack].delay = 20 * time.Millisecond

	res := f.svc.Submit(context.Background(), "user-42", []storage.Source{source("a.pdf", 10)}, exampleMetadata(),
		ChannelOptions{SMS: Bool(true), Telegram: Bool(true), Discord: Bool(true), Slack: Bool(true)},
	)

	require.True(t, res.Success)
	assert.Equal(t, []model.Channel{
		model.ChannelDatabase, model.ChannelEmail, model.ChannelSMS,
		model.ChannelTelegram, model.ChannelDiscord, model.ChannelSlack,
	}, res.NotificationChannels)
	for _, ch := range model.NotificationChannels {
		assert.Equal(t, int32(1), f.drivers[ch].calls.Load(), ch)
	}
	assert.Equal(t, model.SubmissionPartiallyDelivered, res.Status)

	outs, err := f.outcomes.List(context.Background(), res.SubmissionID)
	require.NoError(t, err)
	require.Len(t, outs, 6)
	assert.Equal(t, model.ChannelInApp, outs[0].Channel)
	assert.Equal(t, model.OutcomeFailed, outs[0].Status)
}

func TestSubmit_DriversGetIndependentCopies(t *testing.T) {
	f := newFixture(t, nil)

	res := f.svc.Submit(context.Background(), "user-42", []storage.Source{source("a.pdf", 10)}, exampleMetadata(), ChannelOptions{})

	require.True(t, res.Success)
	assert.Equal(t, "a.pdf", res.Files[0].Name)

	detail, err := f.svc.Get(context.Background(), "user-42", res.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, "a.pdf", detail.Submission.Files[0].Name)
}

func TestSubmit_FreshIDPerCall(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	files := []storage.Source{source("a.pdf", 10)}

	first := f.svc.Submit(ctx, "user-42", files, exampleMetadata(), ChannelOptions{})
	second := f.svc.Submit(ctx, "user-42", files, exampleMetadata(), ChannelOptions{})

	assert.NotEqual(t, first.SubmissionID, second.SubmissionID)
	assert.NotEqual(t, first.Files[0].Path, second.Files[0].Path)
}

func TestSubmit_RecordStoreFailureStillSucceeds(t *testing.T) {
	f := newFixture(t, failingRepo{})

	res := f.svc.Submit(context.Background(), "user-42", []storage.Source{source("a.pdf", 10)}, exampleMetadata(), ChannelOptions{})

	assert.True(t, res.Success)
	assert.NoError(t, res.Err)
	assert.Equal(t, []model.Channel{model.ChannelInApp, model.ChannelEmail}, res.NotificationChannels)
}

func TestSubmit_AllChannelsFailButRecordSaved(t *testing.T) {
	f := newFixture(t, nil)
	f.drivers[model.ChannelInApp].ok = false
	f.drivers[model.ChannelEmail].ok = false

	res := f.svc.Submit(context.Background(), "user-42", []storage.Source{source("a.pdf", 10)}, exampleMetadata(), ChannelOptions{})

	assert.True(t, res.Success)
	assert.Equal(t, []model.Channel{model.ChannelDatabase}, res.NotificationChannels)
	assert.Equal(t, model.SubmissionFailed, res.Status)
	assert.Contains(t, res.Message, "manual follow-up")
}

func TestSubmit_NothingDelivered(t *testing.T) {
	f := newFixture(t, failingRepo{})
	f.drivers[model.ChannelInApp].ok = false
	f.drivers[model.ChannelEmail].ok = false

	res := f.svc.Submit(context.Background(), "user-42", []storage.Source{source("a.pdf", 10)}, exampleMetadata(), ChannelOptions{})

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrNoChannelDelivered)
	assert.Empty(t, res.NotificationChannels)
}

func TestSubmit_EmptyFilesRejected(t *testing.T) {
	f := newFixture(t, nil)

	res := f.svc.Submit(context.Background(), "user-42", nil, exampleMetadata(), ChannelOptions{})

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrNoFiles)
	assert.Zero(t, f.uploader.ensured)
	assert.Zero(t, f.uploader.calls())
	assert.Equal(t, int32(0), f.totalDriverCalls())
}

func TestSubmit_MissingUserRejected(t *testing.T) {
	f := newFixture(t, nil)
	res := f.svc.Submit(context.Background(), "", []storage.Source{source("a.pdf", 1)}, exampleMetadata(), ChannelOptions{})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrMissingUser)
	assert.Zero(t, f.uploader.ensured)
}

func TestSubmit_UnconfiguredTargetIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	s := testSettings()
	s.SlackWebhook = ""
	list := []notify.Driver{f.drivers[model.ChannelSlack], f.drivers[model.ChannelInApp]}
	svc := NewSubmissionService(f.uploader, f.repo, nil, list, s)

	res := svc.Submit(context.Background(), "user-42", []storage.Source{source("a.pdf", 1)}, exampleMetadata(),
		ChannelOptions{Slack: Bool(true), Email: Bool(true)},
	)

	assert.Equal(t, []model.Channel{model.ChannelDatabase, model.ChannelInApp}, res.NotificationChannels)
	assert.Equal(t, int32(0), f.drivers[model.ChannelSlack].calls.Load())
	assert.Equal(t, model.SubmissionDelivered, res.Status)
}

func TestSubmitDocumentsToAdmin_ValidatesOptions(t *testing.T) {
	f := newFixture(t, nil)

	res := f.svc.SubmitDocumentsToAdmin(context.Background(), "user-42", []storage.Source{source("a.pdf", 1)}, exampleMetadata(),
		ChannelOptions{EmailTo: "not-an-email"},
	)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrInvalidOptions)
	assert.Zero(t, f.uploader.ensured)

	res = f.svc.SubmitDocumentsToAdmin(context.Background(), "user-42", []storage.Source{source("a.pdf", 1)}, exampleMetadata(),
		ChannelOptions{EmailTo: "tutor@example.com"},
	)
	require.True(t, res.Success)
	assert.Equal(t, "tutor@example.com", f.drivers[model.ChannelEmail].targets[0].Email)
}

func TestGet_OtherUsersSubmissionIsNotFound(t *testing.T) {
	f := newFixture(t, nil)
	res := f.svc.Submit(context.Background(), "user-42", []storage.Source{source("a.pdf", 1)}, exampleMetadata(), ChannelOptions{})
	require.True(t, res.Success)

	_, err := f.svc.Get(context.Background(), "user-7", res.SubmissionID)
	assert.ErrorIs(t, err, repository.ErrSubmissionNotFound)
}

func TestList_Paging(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.True(t, f.svc.Submit(ctx, "user-42", []storage.Source{source("a.pdf", 1)}, exampleMetadata(), ChannelOptions{}).Success)
	}

	items, total, err := f.svc.List(ctx, "user-42", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, items, 3)

	items, _, err = f.svc.List(ctx, "user-42", 2, 2)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestDeriveStatus(t *testing.T) {
	assert.Equal(t, model.SubmissionFailed, deriveStatus(0, 0))
	assert.Equal(t, model.SubmissionFailed, deriveStatus(0, 3))
	assert.Equal(t, model.SubmissionPartiallyDelivered, deriveStatus(1, 3))
	assert.Equal(t, model.SubmissionDelivered, deriveStatus(3, 3))
}

func TestForUntrustedCaller(t *testing.T) {
	o := ChannelOptions{
		Slack:             Bool(true),
		EmailTo:           "a@b.co",
		PhoneTo:           "+15555550100",
		TelegramChatID:    "1",
		DiscordWebhookURL: "https://evil.test",
		SlackWebhookURL:   "https://evil.test",
	}.ForUntrustedCaller()

	assert.Equal(t, "a@b.co", o.EmailTo)
	assert.True(t, *o.Slack)
	assert.Empty(t, o.PhoneTo)
	assert.Empty(t, o.TelegramChatID)
	assert.Empty(t, o.DiscordWebhookURL)
	assert.Empty(t, o.SlackWebhookURL)
}
