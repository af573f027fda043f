package repository

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/bookgen/api/internal/model"
	"github.com/bookgen/api/internal/textanalysis"
)

func newDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := Open("file:"+name+"?mode=memory&cache=shared", true)
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func seed(t *testing.T, repos *Repositories) (*model.Biography, *model.Job) {
	t.Helper()
	bioID := uuid.NewString()
	jobID := uuid.NewString()
	bio := &model.Biography{ID: bioID, Character: "Ada Lovelace", Status: model.JobStatusPending, JobID: &jobID}
	job := &model.Job{ID: jobID, BiographyID: bioID, Character: "Ada Lovelace", Status: model.JobStatusPending}
	require.NoError(t, repos.Biographies.CreateWithJob(context.Background(), bio, job))
	return bio, job
}

func TestDialectorFor(t *testing.T) {
	_, err := dialectorFor("postgres://u:p@localhost/db")
	assert.NoError(t, err)
	_, err = dialectorFor("sqlite://bookgen.db")
	assert.NoError(t, err)
	_, err = dialectorFor("mysql://nope")
	assert.Error(t, err)
}

func TestJobRepository(t *testing.T) {
	repos := New(newDB(t))
	ctx := context.Background()
	_, job := seed(t, repos)

	got, err := repos.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", got.Character)

	require.NoError(t, repos.Jobs.UpdateFields(ctx, job.ID, map[string]any{
		"status":   model.JobStatusRunning,
		"progress": 30,
	}))
	got, err = repos.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, got.Status)
	assert.Equal(t, 30, got.Progress)

	running, err := repos.Jobs.ListByStatus(ctx, model.JobStatusRunning, 0)
	require.NoError(t, err)
	assert.Len(t, running, 1)
	pending, err := repos.Jobs.ListByStatus(ctx, model.JobStatusPending, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
	all, err := repos.Jobs.ListByStatus(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	byBio, err := repos.Jobs.ListByBiography(ctx, job.BiographyID)
	require.NoError(t, err)
	require.Len(t, byBio, 1)
	assert.Equal(t, job.ID, byBio[0].ID)
}

func TestJobRepositoryNotFound(t *testing.T) {
	repos := New(newDB(t))
	ctx := context.Background()

	_, err := repos.Jobs.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repos.Jobs.UpdateFields(ctx, "missing", map[string]any{"progress": 1}), ErrNotFound)
}

func TestJobLease(t *testing.T) {
	repos := New(newDB(t))
	ctx := context.Background()
	_, job := seed(t, repos)

	require.NoError(t, repos.Jobs.AcquireLease(ctx, job.ID, "worker-a", time.Minute))
	assert.ErrorIs(t, repos.Jobs.AcquireLease(ctx, job.ID, "worker-b", time.Minute), ErrJobLocked)
	require.NoError(t, repos.Jobs.AcquireLease(ctx, job.ID, "worker-a", time.Minute), "owner may renew")

	require.NoError(t, repos.Jobs.ReleaseLease(ctx, job.ID, "worker-a"))
	require.NoError(t, repos.Jobs.AcquireLease(ctx, job.ID, "worker-b", time.Minute))

	assert.ErrorIs(t, repos.Jobs.AcquireLease(ctx, "missing", "worker-a", time.Minute), ErrNotFound)
}

func TestJobLeaseExpires(t *testing.T) {
	repos := New(newDB(t))
	ctx := context.Background()
	_, job := seed(t, repos)

	require.NoError(t, repos.Jobs.AcquireLease(ctx, job.ID, "worker-a", -time.Second))
	require.NoError(t, repos.Jobs.AcquireLease(ctx, job.ID, "worker-b", time.Minute))
}

func TestChapterWordCountMatchesAnalyzer(t *testing.T) {
	repos := New(newDB(t))
	ctx := context.Background()
	bio, _ := seed(t, repos)

	bodies := []string{
		"# Early years\n\nShe was born in **London** in 1815.",
		"## Work\n\nThe [analytical engine](http://example.com) notes.\n\n```\ncode block\n```\n",
	}
	chapters := []*model.Chapter{
		{BiographyID: bio.ID, Number: 1, Title: "Early years", Body: bodies[0], WordCount: 999},
		{BiographyID: bio.ID, Number: 2, Title: "Work", Body: bodies[1]},
	}
	require.NoError(t, repos.Chapters.InsertMany(ctx, chapters))

	stored, err := repos.Chapters.ListByBiography(ctx, bio.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for i, ch := range stored {
		assert.Equal(t, i+1, ch.Number)
		assert.Equal(t, textanalysis.WordCount(bodies[i]), ch.WordCount)
	}
}

func TestChapterUpsertReplacesBody(t *testing.T) {
	repos := New(newDB(t))
	ctx := context.Background()
	bio, _ := seed(t, repos)

	require.NoError(t, repos.Chapters.InsertMany(ctx, []*model.Chapter{
		{BiographyID: bio.ID, Number: 1, Title: "Draft", Body: "one two three"},
	}))
	require.NoError(t, repos.Chapters.InsertMany(ctx, []*model.Chapter{
		{BiographyID: bio.ID, Number: 1, Title: "Final", Body: "one two three four five"},
	}))

	stored, err := repos.Chapters.ListByBiography(ctx, bio.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "Final", stored[0].Title)
	assert.Equal(t, 5, stored[0].WordCount)

	require.NoError(t, repos.Chapters.UpdateBody(ctx, stored[0].ID, "just two"))
	ch, err := repos.Chapters.GetByNumber(ctx, bio.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, ch.WordCount)

	_, err = repos.Chapters.GetByNumber(ctx, bio.ID, 7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSourceRepository(t *testing.T) {
	repos := New(newDB(t))
	ctx := context.Background()
	bio, _ := seed(t, repos)

	url := "https://example.com/ada"
	sources := []*model.Source{
		{BiographyID: &bio.ID, URL: &url, Title: "Ada online"},
		{BiographyID: &bio.ID, Title: "Letters, volume one"},
		{BiographyID: &bio.ID, Title: "Letters, volume two"},
	}
	require.NoError(t, repos.Sources.InsertMany(ctx, sources))

	require.NoError(t, repos.Sources.UpdateFields(ctx, sources[0].ID, map[string]any{
		"validation_status": model.SourceStatusValid,
		"relevance_score":   0.9,
	}))

	valid, err := repos.Sources.ListByStatus(ctx, bio.ID, model.SourceStatusValid)
	require.NoError(t, err)
	require.Len(t, valid, 1)
	assert.InDelta(t, 0.9, valid[0].RelevanceScore, 1e-9)

	pending, err := repos.Sources.ListByStatus(ctx, bio.ID, model.SourceStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	dup := []*model.Source{{BiographyID: &bio.ID, URL: &url, Title: "Same url"}}
	assert.Error(t, repos.Sources.InsertMany(ctx, dup), "url is unique when present")
}

func TestBiographyCascadeDelete(t *testing.T) {
	db := newDB(t)
	repos := New(db)
	ctx := context.Background()
	bio, job := seed(t, repos)

	require.NoError(t, repos.Chapters.InsertMany(ctx, []*model.Chapter{
		{BiographyID: bio.ID, Number: 1, Body: "a b c"},
		{BiographyID: bio.ID, Number: 2, Body: "d e f"},
	}))
	require.NoError(t, repos.Sources.InsertMany(ctx, []*model.Source{{BiographyID: &bio.ID, Title: "s"}}))
	require.NoError(t, repos.Notifications.Record(ctx, &model.NotificationRecord{
		Type: model.NotificationCompletion, Channel: model.ChannelPush, EntityID: job.ID, Status: model.DeliveryDelivered,
	}))

	loaded, err := repos.Biographies.GetByID(ctx, bio.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Chapters, 2)
	assert.Len(t, loaded.Sources, 1)

	require.NoError(t, repos.Biographies.Delete(ctx, bio.ID))

	_, err = repos.Biographies.GetByID(ctx, bio.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repos.Jobs.GetByID(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	var chapters, sources int64
	require.NoError(t, db.Model(&model.Chapter{}).Count(&chapters).Error)
	require.NoError(t, db.Model(&model.Source{}).Count(&sources).Error)
	assert.Zero(t, chapters)
	assert.Zero(t, sources)

	// audit records are independent facts
	recs, err := repos.Notifications.ListByEntity(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	assert.ErrorIs(t, repos.Biographies.Delete(ctx, bio.ID), ErrNotFound)
}

func TestBiographyListAndUpdate(t *testing.T) {
	repos := New(newDB(t))
	ctx := context.Background()
	bio, _ := seed(t, repos)

	now := time.Now().UTC()
	require.NoError(t, repos.Biographies.UpdateFields(ctx, bio.ID, map[string]any{
		"status":       model.JobStatusCompleted,
		"completed_at": now,
	}))
	done, err := repos.Biographies.ListByStatus(ctx, model.JobStatusCompleted)
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.NotNil(t, done[0].CompletedAt)
}

func TestNotificationRepository(t *testing.T) {
	repos := New(newDB(t))
	ctx := context.Background()

	for _, status := range []model.DeliveryStatus{model.DeliveryDelivered, model.DeliveryRateLimited} {
		require.NoError(t, repos.Notifications.Record(ctx, &model.NotificationRecord{
			Type:        model.NotificationCompletion,
			Channel:     model.ChannelEmail,
			Recipient:   "ops@example.com",
			Status:      status,
			RateLimited: status == model.DeliveryRateLimited,
		}))
	}
	recs, err := repos.Notifications.ListByRecipient(ctx, "ops@example.com")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.NotEmpty(t, recs[0].ID)
}
