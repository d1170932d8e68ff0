package service

import "context"

type testTxRepos struct {
	documents     DocumentRepositoryInterface
	chunks        ChunkRepositoryInterface
	ingestionJobs IngestionJobRepositoryInterface
	chat          ChatRepositoryInterface
}

func (t *testTxRepos) Documents() DocumentRepositoryInterface {
	return t.documents
}

func (t *testTxRepos) Chunks() ChunkRepositoryInterface {
	return t.chunks
}

func (t *testTxRepos) IngestionJobs() IngestionJobRepositoryInterface {
	return t.ingestionJobs
}

func (t *testTxRepos) Chat() ChatRepositoryInterface {
	return t.chat
}

type testTxRunner struct {
	repos  TxRepositories
	called bool
}

func (t *testTxRunner) WithTx(ctx context.Context, fn func(repos TxRepositories) error) error {
	t.called = true
	return fn(t.repos)
}
