package service

import "context"

// TxRepositories are the repositories bound to one open transaction. Upload
// uses it to create a document together with its first ingestion job, and
// the orchestrator to swap a document's chunks and mark it READY at once.
type TxRepositories interface {
	Documents() DocumentRepositoryInterface
	Chunks() ChunkRepositoryInterface
	IngestionJobs() IngestionJobRepositoryInterface
	Chat() ChatRepositoryInterface
}

// TxRunner commits when fn returns nil. fn may be invoked more than once if
// the database aborts the transaction on a conflict.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(repos TxRepositories) error) error
}
