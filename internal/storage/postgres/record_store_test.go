package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/robustfetch/internal/fetch"
	"github.com/JakeFAU/robustfetch/internal/storage"
)

var columns = []string{
	"id", "state", "url", "status", "resolved_url", "local_path", "content_type", "wayback_url", "error_msg",
	"attempted_urls", "attempts", "sha256", "size_bytes", "blob_uri", "pdf_path", "pdf_engine",
	"started_at", "completed_at",
}

func sampleRecord() storage.Record {
	started := time.Unix(1700000000, 0).UTC()
	return storage.Record{
		ID:    "0190b6a4-7d2c-7c3e-9a51-3b1f0c4d5e6f",
		State: storage.StateDone,
		Result: fetch.Result{
			Status:        fetch.StatusSuccess,
			URL:           "https://example.com/report.pdf",
			LocalPath:     "/out/report.pdf",
			ContentType:   "application/pdf",
			ResolvedURL:   "https://example.com/report.pdf",
			AttemptedURLs: []string{"https://example.com/report.pdf"},
		},
		SHA256:      "abc123",
		SizeBytes:   42,
		BlobURI:     "gs://bucket/ab/abc123.pdf",
		StartedAt:   started,
		CompletedAt: started.Add(3 * time.Second),
	}
}

func TestSaveUpsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, "fetches")
	require.NoError(t, err)

	rec := sampleRecord()
	mock.ExpectExec("INSERT INTO fetches").
		WithArgs(
			rec.ID,
			"done",
			rec.Result.URL,
			"success",
			rec.Result.ResolvedURL,
			rec.Result.LocalPath,
			rec.Result.ContentType,
			"",
			"",
			[]byte(`["https://example.com/report.pdf"]`),
			[]byte(`null`),
			rec.SHA256,
			rec.SizeBytes,
			rec.BlobURI,
			"",
			"",
			rec.StartedAt,
			rec.CompletedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Save(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewRecordStoreWithPool(mock, "")
	require.NoError(t, err)

	assert.Error(t, store.Save(context.Background(), storage.Record{}))

	mock.ExpectExec("INSERT INTO fetches").WillReturnError(errors.New("connection reset"))
	err = store.Save(context.Background(), sampleRecord())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetScansRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewRecordStoreWithPool(mock, "fetches")
	require.NoError(t, err)

	want := sampleRecord()
	want.Result.Attempts = []fetch.Attempt{{
		Tactic:    fetch.TacticSession,
		Phase:     fetch.PhaseDirect,
		URL:       want.Result.URL,
		StartedAt: want.StartedAt,
		Duration:  time.Second,
		Outcome:   fetch.Success("application/pdf", 42),
	}}
	attempts := `[{"tactic":"session","phase":"direct","url":"https://example.com/report.pdf",` +
		`"started_at":"2023-11-14T22:13:20Z","duration":1000000000,` +
		`"outcome":{"content_type":"application/pdf","bytes":42}}]`

	rows := mock.NewRows(columns).AddRow(
		want.ID, "done", want.Result.URL, "success", want.Result.ResolvedURL, want.Result.LocalPath,
		want.Result.ContentType, "", "",
		[]byte(`["https://example.com/report.pdf"]`), []byte(attempts),
		want.SHA256, want.SizeBytes, want.BlobURI, "", "",
		want.StartedAt, want.CompletedAt,
	)
	mock.ExpectQuery("SELECT id, state, url, status").WithArgs(want.ID).WillReturnRows(rows)

	got, err := store.Get(context.Background(), want.ID)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewRecordStoreWithPool(mock, "fetches")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id").WithArgs("nope").WillReturnError(pgx.ErrNoRows)
	_, err = store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTableNameValidation(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRecordStoreWithPool(mock, "fetches; DROP TABLE x")
	assert.Error(t, err)
	_, err = NewRecordStoreWithPool(nil, "fetches")
	assert.Error(t, err)
	_, err = NewRecordStore(context.Background(), Config{})
	assert.Error(t, err)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewRecordStoreWithPool(mock, "fetch_runs")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS fetch_runs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
