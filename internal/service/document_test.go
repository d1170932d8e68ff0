package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/cloo-solutions/docchat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var samplePDF = []byte("%PDF-1.4\nsample body")

func sampleHash() string {
	sum := sha256.Sum256(samplePDF)
	return hex.EncodeToString(sum[:])
}

type documentFixture struct {
	docs   *MockDocumentRepository
	jobs   *MockIngestionJobRepository
	chunks *MockChunkRepository
	blobs  *MockBlobStore
	pages  *MockPageCounter
	tx     *testTxRunner
	svc    *DocumentService
	queued int
}

func newDocumentFixture(limits UploadLimits) *documentFixture {
	f := &documentFixture{
		docs:   new(MockDocumentRepository),
		jobs:   new(MockIngestionJobRepository),
		chunks: new(MockChunkRepository),
		blobs:  new(MockBlobStore),
		pages:  new(MockPageCounter),
	}
	f.tx = &testTxRunner{repos: &testTxRepos{documents: f.docs, chunks: f.chunks, ingestionJobs: f.jobs}}
	f.svc = NewDocumentService(f.docs, f.tx, f.blobs, f.pages, limits)
	f.svc.uuidGen = NewMockUUIDGenerator("doc-1", "job-1")
	f.svc.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }
	f.svc.OnEnqueue(func() { f.queued++ })
	return f
}

func TestDocumentService_Upload(t *testing.T) {
	ctx := context.Background()

	t.Run("stores file and queues ingestion", func(t *testing.T) {
		f := newDocumentFixture(UploadLimits{MaxBytes: 1 << 20, MaxPages: 100})
		f.pages.On("PageCount", samplePDF).Return(3, nil)
		f.docs.On("GetByContentHash", mock.Anything, sampleHash()).Return(nil, domain.ErrDocumentNotFound)
		f.blobs.On("Put", mock.Anything, "documents/doc-1.pdf", samplePDF, "application/pdf").Return(nil)
		f.docs.On("Create", mock.Anything, mock.MatchedBy(func(d *domain.Document) bool {
			return d.ID == "doc-1" && d.Status == domain.DocumentStatusUploaded && d.PageCount == 3 &&
				d.Filename == "report.pdf" && d.ContentHash == sampleHash()
		})).Return(nil)
		f.jobs.On("Create", mock.Anything, mock.MatchedBy(func(j *domain.IngestionJob) bool {
			return j.ID == "job-1" && j.DocumentID == "doc-1" && j.Status == domain.IngestionJobStatusPending
		})).Return(nil)

		result, err := f.svc.Upload(ctx, UploadInput{Filename: "uploads/report.pdf", Content: samplePDF})

		require.NoError(t, err)
		assert.False(t, result.Duplicate)
		assert.Equal(t, "doc-1", result.Document.ID)
		assert.Equal(t, int64(len(samplePDF)), result.Document.FileSize)
		assert.True(t, f.tx.called)
		assert.Equal(t, 1, f.queued)
		f.docs.AssertExpectations(t)
		f.jobs.AssertExpectations(t)
		f.blobs.AssertExpectations(t)
	})

	t.Run("returns existing document for identical content", func(t *testing.T) {
		f := newDocumentFixture(UploadLimits{})
		existing := &domain.Document{ID: "existing", Status: domain.DocumentStatusReady}
		f.pages.On("PageCount", samplePDF).Return(3, nil)
		f.docs.On("GetByContentHash", mock.Anything, sampleHash()).Return(existing, nil)

		result, err := f.svc.Upload(ctx, UploadInput{Filename: "again.pdf", Content: samplePDF})

		require.NoError(t, err)
		assert.True(t, result.Duplicate)
		assert.Equal(t, "existing", result.Document.ID)
		f.blobs.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		assert.Zero(t, f.queued)
	})

	t.Run("resolves a lost race to the winner", func(t *testing.T) {
		f := newDocumentFixture(UploadLimits{})
		winner := &domain.Document{ID: "winner", Status: domain.DocumentStatusUploaded}
		f.pages.On("PageCount", samplePDF).Return(1, nil)
		f.docs.On("GetByContentHash", mock.Anything, sampleHash()).Return(nil, domain.ErrDocumentNotFound).Once()
		f.blobs.On("Put", mock.Anything, "documents/doc-1.pdf", samplePDF, "application/pdf").Return(nil)
		f.docs.On("Create", mock.Anything, mock.Anything).Return(domain.ErrDocumentExists)
		f.blobs.On("Delete", mock.Anything, "documents/doc-1.pdf").Return(nil)
		f.docs.On("GetByContentHash", mock.Anything, sampleHash()).Return(winner, nil).Once()

		result, err := f.svc.Upload(ctx, UploadInput{Filename: "a.pdf", Content: samplePDF})

		require.NoError(t, err)
		assert.True(t, result.Duplicate)
		assert.Equal(t, "winner", result.Document.ID)
		f.blobs.AssertExpectations(t)
	})

	t.Run("removes the blob when the transaction fails", func(t *testing.T) {
		f := newDocumentFixture(UploadLimits{})
		f.pages.On("PageCount", samplePDF).Return(1, nil)
		f.docs.On("GetByContentHash", mock.Anything, sampleHash()).Return(nil, domain.ErrDocumentNotFound)
		f.blobs.On("Put", mock.Anything, mock.Anything, samplePDF, "application/pdf").Return(nil)
		f.docs.On("Create", mock.Anything, mock.Anything).Return(nil)
		f.jobs.On("Create", mock.Anything, mock.Anything).Return(errors.New("db down"))
		f.blobs.On("Delete", mock.Anything, "documents/doc-1.pdf").Return(nil)

		_, err := f.svc.Upload(ctx, UploadInput{Filename: "a.pdf", Content: samplePDF})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create document")
		f.blobs.AssertExpectations(t)
		assert.Zero(t, f.queued)
	})

	t.Run("fails when blob storage fails", func(t *testing.T) {
		f := newDocumentFixture(UploadLimits{})
		f.pages.On("PageCount", samplePDF).Return(1, nil)
		f.docs.On("GetByContentHash", mock.Anything, sampleHash()).Return(nil, domain.ErrDocumentNotFound)
		f.blobs.On("Put", mock.Anything, mock.Anything, samplePDF, "application/pdf").Return(errors.New("s3 down"))

		_, err := f.svc.Upload(ctx, UploadInput{Filename: "a.pdf", Content: samplePDF})

		assert.ErrorIs(t, err, domain.ErrStorageOperationFail)
		assert.Contains(t, err.Error(), "s3 down")
		assert.False(t, f.tx.called)
	})
}

func TestDocumentService_Upload_Validation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		filename  string
		content   []byte
		limits    UploadLimits
		pages     int
		pagesErr  error
		wantErr   error
		wantCode  string
		skipPages bool
	}{
		{name: "wrong extension", filename: "notes.txt", content: samplePDF, wantErr: domain.ErrNotPDF, skipPages: true},
		{name: "missing magic", filename: "fake.pdf", content: []byte("hello"), wantErr: domain.ErrNotPDF, skipPages: true},
		{name: "too large", filename: "big.pdf", content: samplePDF, limits: UploadLimits{MaxBytes: 4}, wantErr: domain.ErrFileTooLarge, skipPages: true},
		{name: "unreadable", filename: "broken.pdf", content: samplePDF, pagesErr: errors.New("bad xref"), wantCode: domain.ErrCodeValidation},
		{name: "too many pages", filename: "long.pdf", content: samplePDF, limits: UploadLimits{MaxPages: 100}, pages: 101, wantErr: domain.ErrTooManyPages},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDocumentFixture(tt.limits)
			if !tt.skipPages {
				f.pages.On("PageCount", tt.content).Return(tt.pages, tt.pagesErr)
			}

			_, err := f.svc.Upload(ctx, UploadInput{Filename: tt.filename, Content: tt.content})

			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, domain.CodeOf(err))
			}
			f.docs.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
			f.blobs.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestDocumentService_Upload_AcceptsUppercaseExtension(t *testing.T) {
	ctx := context.Background()
	f := newDocumentFixture(UploadLimits{MaxPages: 100})
	f.pages.On("PageCount", samplePDF).Return(100, nil)
	f.docs.On("GetByContentHash", mock.Anything, sampleHash()).Return(nil, domain.ErrDocumentNotFound)
	f.blobs.On("Put", mock.Anything, mock.Anything, samplePDF, "application/pdf").Return(nil)
	f.docs.On("Create", mock.Anything, mock.Anything).Return(nil)
	f.jobs.On("Create", mock.Anything, mock.Anything).Return(nil)

	result, err := f.svc.Upload(ctx, UploadInput{Filename: "SCAN.PDF", Content: samplePDF})

	require.NoError(t, err)
	assert.Equal(t, 100, result.Document.PageCount)
}

func TestDocumentService_Get(t *testing.T) {
	ctx := context.Background()
	f := newDocumentFixture(UploadLimits{})
	doc := &domain.Document{ID: "doc-1", Status: domain.DocumentStatusProcessing, Stage: domain.StageEmbedding}
	f.docs.On("GetByID", mock.Anything, "doc-1").Return(doc, nil)
	f.docs.On("GetByID", mock.Anything, "missing").Return(nil, domain.ErrDocumentNotFound)

	got, err := f.svc.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageEmbedding, got.Stage)

	_, err = f.svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)
}

func TestDocumentService_Reingest(t *testing.T) {
	ctx := context.Background()

	t.Run("resets a failed document", func(t *testing.T) {
		f := newDocumentFixture(UploadLimits{})
		failed := &domain.Document{ID: "doc-1", Status: domain.DocumentStatusFailed, Error: "boom"}
		reset := &domain.Document{ID: "doc-1", Status: domain.DocumentStatusUploaded}
		f.docs.On("GetByID", mock.Anything, "doc-1").Return(failed, nil).Once()
		f.docs.On("Reset", mock.Anything, "doc-1", domain.DocumentStatusFailed).Return(true, nil)
		f.chunks.On("DeleteByDocument", mock.Anything, "doc-1").Return(nil)
		f.jobs.On("Create", mock.Anything, mock.MatchedBy(func(j *domain.IngestionJob) bool { return j.DocumentID == "doc-1" })).Return(nil)
		f.docs.On("GetByID", mock.Anything, "doc-1").Return(reset, nil).Once()

		got, err := f.svc.Reingest(ctx, "doc-1", false)

		require.NoError(t, err)
		assert.Equal(t, domain.DocumentStatusUploaded, got.Status)
		assert.Equal(t, 1, f.queued)
		f.chunks.AssertExpectations(t)
	})

	t.Run("requires force for a ready document", func(t *testing.T) {
		f := newDocumentFixture(UploadLimits{})
		f.docs.On("GetByID", mock.Anything, "doc-1").Return(&domain.Document{ID: "doc-1", Status: domain.DocumentStatusReady}, nil)

		_, err := f.svc.Reingest(ctx, "doc-1", false)
		assert.ErrorIs(t, err, domain.ErrReingestReady)
		assert.False(t, f.tx.called)
	})

	t.Run("rejects a document being processed", func(t *testing.T) {
		f := newDocumentFixture(UploadLimits{})
		f.docs.On("GetByID", mock.Anything, "doc-1").Return(&domain.Document{ID: "doc-1", Status: domain.DocumentStatusProcessing}, nil)

		_, err := f.svc.Reingest(ctx, "doc-1", true)
		assert.ErrorIs(t, err, domain.ErrIngestionInProgress)
	})

	t.Run("returns an uploaded document unchanged", func(t *testing.T) {
		f := newDocumentFixture(UploadLimits{})
		doc := &domain.Document{ID: "doc-1", Status: domain.DocumentStatusUploaded}
		f.docs.On("GetByID", mock.Anything, "doc-1").Return(doc, nil)

		got, err := f.svc.Reingest(ctx, "doc-1", false)
		require.NoError(t, err)
		assert.Same(t, doc, got)
		assert.False(t, f.tx.called)
	})

	t.Run("reports a concurrent status change", func(t *testing.T) {
		f := newDocumentFixture(UploadLimits{})
		f.docs.On("GetByID", mock.Anything, "doc-1").Return(&domain.Document{ID: "doc-1", Status: domain.DocumentStatusReady}, nil)
		f.docs.On("Reset", mock.Anything, "doc-1", domain.DocumentStatusReady).Return(false, nil)

		_, err := f.svc.Reingest(ctx, "doc-1", true)
		assert.ErrorIs(t, err, domain.ErrStatusConflict)
		assert.Zero(t, f.queued)
	})
}
