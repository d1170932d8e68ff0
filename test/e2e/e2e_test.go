//go:build e2e

package e2e

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/cloo-solutions/docchat/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ingestTimeout = 60 * time.Second

type documentData struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	PageCount int    `json:"page_count"`
}

type chatData struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
	Citations []struct {
		Page    int     `json:"page"`
		Text    string  `json:"text"`
		ChunkID *string `json:"chunk_id"`
	} `json:"citations"`
}

func leasePDF() []byte {
	return testutil.BuildPDF(testutil.TextPages(
		"Residential Lease Agreement. The monthly rent is 1200 dollars and is due on the first day of each month. "+
			"Late payments incur a fee of 50 dollars after a grace period of five days.",
		"Security Deposit. The tenant pays a security deposit equal to one month of rent. "+
			"The deposit is returned within thirty days after the lease ends, less any damages.",
	)...)
}

func uploadReady(t *testing.T, env *E2ETestEnv, name string, content []byte) documentData {
	t.Helper()
	resp, err := env.Upload(name, content)
	require.NoError(t, err)

	var doc documentData
	require.NoError(t, json.Unmarshal(resp.Data, &doc))
	status := env.WaitForStatus(doc.ID, "READY", ingestTimeout)
	require.Equal(t, "READY", status.Status, "ingestion failed: %s", status.Error)
	doc.Status = status.Status
	doc.PageCount = status.PageCount
	return doc
}

func TestE2E_Auth(t *testing.T) {
	env := SetupE2EEnv(t)
	defer env.Cleanup()

	t.Run("health needs no key", func(t *testing.T) {
		resp, err := http.Get(env.ServerURL + "/health")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("api routes reject a missing key", func(t *testing.T) {
		resp, err := http.Get(env.ServerURL + "/documents/00000000-0000-0000-0000-000000000000")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestE2E_DocumentLifecycle(t *testing.T) {
	env := SetupE2EEnv(t)
	defer env.Cleanup()

	content := leasePDF()
	var doc documentData

	t.Run("upload queues ingestion", func(t *testing.T) {
		resp, err := env.Upload("lease.pdf", content)
		require.NoError(t, err)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		require.NoError(t, json.Unmarshal(resp.Data, &doc))
		assert.NotEmpty(t, doc.ID)
		assert.Equal(t, "lease.pdf", doc.Filename)
		assert.Equal(t, 2, doc.PageCount)
	})

	t.Run("ingestion reaches READY", func(t *testing.T) {
		status := env.WaitForStatus(doc.ID, "READY", ingestTimeout)
		require.Equal(t, "READY", status.Status, "ingestion failed: %s", status.Error)
		assert.Empty(t, status.Stage)
		assert.Greater(t, env.OpenAI.EmbedCalls(), 0)
	})

	t.Run("duplicate upload returns the existing document", func(t *testing.T) {
		resp, err := env.Upload("copy-of-lease.pdf", content)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var dup documentData
		require.NoError(t, json.Unmarshal(resp.Data, &dup))
		assert.Equal(t, doc.ID, dup.ID)
		assert.Equal(t, "READY", dup.Status)
	})

	t.Run("search finds the pages that mention a term", func(t *testing.T) {
		resp, err := env.Get("/documents/" + doc.ID + "/search?q=DEPOSIT")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var result struct {
			Results []struct {
				Page  int `json:"page"`
				Count int `json:"count"`
			} `json:"results"`
			TotalPages int `json:"total_pages"`
		}
		require.NoError(t, json.Unmarshal(resp.Data, &result))
		require.Equal(t, 1, result.TotalPages)
		assert.Equal(t, 2, result.Results[0].Page)

		resp, err = env.Get("/documents/" + doc.ID + "/search?q=%20")
		require.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "VALIDATION_ERROR", resp.Code)
	})

	var sessionID string

	t.Run("chat answers with page citations", func(t *testing.T) {
		env.OpenAI.SetAnswer("Rent is due on the first day of each month [p. 1].")

		resp, err := env.Post("/chat", map[string]string{
			"document_id": doc.ID,
			"message":     "When is rent due?",
		})
		require.NoError(t, err)

		var result chatData
		require.NoError(t, json.Unmarshal(resp.Data, &result))
		sessionID = result.SessionID
		assert.NotEmpty(t, sessionID)
		assert.Contains(t, result.Content, "first day of each month")
		require.NotEmpty(t, result.Citations)
		assert.Equal(t, 1, result.Citations[0].Page)
	})

	t.Run("follow-up in the same session sees history", func(t *testing.T) {
		env.OpenAI.SetAnswer("The deposit equals one month of rent [p. 2].")

		resp, err := env.Post("/chat", map[string]string{
			"document_id": doc.ID,
			"session_id":  sessionID,
			"message":     "And the deposit?",
		})
		require.NoError(t, err)

		var result chatData
		require.NoError(t, json.Unmarshal(resp.Data, &result))
		assert.Equal(t, sessionID, result.SessionID)

		var sawEarlierQuestion bool
		for _, m := range env.OpenAI.LastMessages() {
			if strings.Contains(m["content"], "When is rent due?") {
				sawEarlierQuestion = true
			}
		}
		assert.True(t, sawEarlierQuestion, "prompt should carry the earlier turn")
	})

	t.Run("stream emits thinking, content, citations, done", func(t *testing.T) {
		env.OpenAI.SetAnswer("Late payments cost 50 dollars [p. 1].")

		streamSession, events, done, err := env.Stream(map[string]string{
			"document_id": doc.ID,
			"message":     "What is the late fee?",
		})
		require.NoError(t, err)
		assert.True(t, done)
		assert.NotEmpty(t, streamSession)
		assert.NotEqual(t, sessionID, streamSession)

		require.NotEmpty(t, events)
		assert.Equal(t, "thinking", events[0].Type)
		assert.Equal(t, "citations", events[len(events)-1].Type)

		var answer strings.Builder
		for _, ev := range events {
			if ev.Type == "content" {
				answer.WriteString(ev.Content)
			}
			assert.NotEqual(t, "error", ev.Type, ev.Content)
		}
		assert.Equal(t, "Late payments cost 50 dollars [p. 1].", answer.String())
	})

	t.Run("sessions list newest first", func(t *testing.T) {
		resp, err := env.Get("/documents/" + doc.ID + "/sessions?limit=10")
		require.NoError(t, err)

		var page struct {
			Items []struct {
				ID    string `json:"id"`
				Title string `json:"title"`
			} `json:"items"`
			HasMore bool `json:"has_more"`
		}
		require.NoError(t, json.Unmarshal(resp.Data, &page))
		require.Len(t, page.Items, 2)
		assert.False(t, page.HasMore)
		assert.Equal(t, sessionID, page.Items[1].ID)
		assert.Equal(t, "When is rent due?", page.Items[1].Title)
	})

	t.Run("history keeps message order", func(t *testing.T) {
		resp, err := env.Get("/sessions/" + sessionID + "/messages")
		require.NoError(t, err)

		var history struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.Unmarshal(resp.Data, &history))
		require.Len(t, history.Messages, 4)
		assert.Equal(t, "user", history.Messages[0].Role)
		assert.Equal(t, "When is rent due?", history.Messages[0].Content)
		assert.Equal(t, "assistant", history.Messages[3].Role)
	})

	t.Run("delete session", func(t *testing.T) {
		resp, err := env.Delete("/sessions/" + sessionID)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp, err = env.Get("/sessions/" + sessionID + "/messages")
		require.Error(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("forced reingest returns to READY", func(t *testing.T) {
		resp, err := env.Post("/documents/"+doc.ID+"/reingest?force=true", nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		status := env.WaitForStatus(doc.ID, "READY", ingestTimeout)
		assert.Equal(t, "READY", status.Status)
	})
}

func TestE2E_Failures(t *testing.T) {
	env := SetupE2EEnv(t)
	defer env.Cleanup()

	t.Run("non-PDF upload is rejected", func(t *testing.T) {
		resp, err := env.Upload("notes.txt", []byte("just some text"))
		require.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("chat on unknown document", func(t *testing.T) {
		resp, err := env.Post("/chat", map[string]string{
			"document_id": "00000000-0000-0000-0000-000000000000",
			"message":     "hello",
		})
		require.Error(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("scanned PDF without OCR is READY with no context", func(t *testing.T) {
		doc := uploadReady(t, env, "scan.pdf", testutil.BuildPDF(nil, nil))
		assert.Equal(t, 2, doc.PageCount)

		chatCalls := env.OpenAI.ChatCalls()
		resp, err := env.Post("/chat", map[string]string{"document_id": doc.ID, "message": "What does it say?"})
		require.NoError(t, err)

		var result chatData
		require.NoError(t, json.Unmarshal(resp.Data, &result))
		assert.Contains(t, result.Content, "couldn't find any relevant information")
		assert.Empty(t, result.Citations)
		assert.Equal(t, chatCalls, env.OpenAI.ChatCalls(), "no generation without context")
	})

	t.Run("exhausted embedding retries fail the document", func(t *testing.T) {
		env.OpenAI.FailEmbeddings(1000)

		resp, err := env.Upload("fails.pdf", testutil.BuildPDF(testutil.TextPages(
			"Return policy. Items may be returned within fourteen days with a receipt.",
		)...))
		require.NoError(t, err)
		var doc documentData
		require.NoError(t, json.Unmarshal(resp.Data, &doc))

		status := env.WaitForStatus(doc.ID, "FAILED", ingestTimeout)
		require.Equal(t, "FAILED", status.Status)
		assert.NotEmpty(t, status.Error)

		chatResp, err := env.Post("/chat", map[string]string{"document_id": doc.ID, "message": "hi"})
		require.Error(t, err)
		assert.Equal(t, http.StatusConflict, chatResp.StatusCode)

		_, _, _, err = env.Stream(map[string]string{"document_id": doc.ID, "message": "hi"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "409")

		env.OpenAI.FailEmbeddings(0)
		reingest, err := env.Post("/documents/"+doc.ID+"/reingest", nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusAccepted, reingest.StatusCode)

		status = env.WaitForStatus(doc.ID, "READY", ingestTimeout)
		assert.Equal(t, "READY", status.Status)
	})

	t.Run("transient embedding errors are retried", func(t *testing.T) {
		env.OpenAI.FailEmbeddings(2)
		doc := uploadReady(t, env, "retry.pdf", testutil.BuildPDF(testutil.TextPages(
			"Warranty terms. The device is covered for two years from the date of purchase.",
		)...))
		assert.Equal(t, 1, doc.PageCount)
	})
}

func TestE2E_S3Storage(t *testing.T) {
	env := SetupE2EEnv(t, true)
	defer env.Cleanup()

	doc := uploadReady(t, env, "lease.pdf", leasePDF())
	assert.Equal(t, 2, doc.PageCount)

	resp, err := env.Post("/chat", map[string]string{"document_id": doc.ID, "message": "When is rent due?"})
	require.NoError(t, err)
	var result chatData
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.NotEmpty(t, result.Content)
}

func TestE2E_CLI(t *testing.T) {
	env := SetupE2EEnv(t)
	defer env.Cleanup()
	env.BuildBinaries()

	pdfPath := env.BinaryDir + "/lease.pdf"
	require.NoError(t, writeFile(pdfPath, leasePDF()))

	var docID, sessionID string

	t.Run("docchat upload --wait", func(t *testing.T) {
		output, err := env.RunDocchat("upload", pdfPath, "--wait", "--output")
		require.NoError(t, err, output)

		var doc documentData
		require.NoError(t, json.Unmarshal([]byte(output), &doc), output)
		assert.Equal(t, "READY", doc.Status)
		docID = doc.ID
	})

	t.Run("docchat ask", func(t *testing.T) {
		env.OpenAI.SetAnswer("The deposit is one month of rent [p. 2].")

		output, err := env.RunDocchat("ask", docID, "How", "big", "is", "the", "deposit?", "--output")
		require.NoError(t, err, output)

		var result struct {
			SessionID string `json:"session_id"`
			Content   string `json:"content"`
			Citations []struct {
				Page int `json:"page"`
			} `json:"citations"`
		}
		require.NoError(t, json.Unmarshal([]byte(output), &result), output)
		assert.Equal(t, "The deposit is one month of rent [p. 2].", result.Content)
		require.NotEmpty(t, result.Citations)
		assert.Equal(t, 2, result.Citations[0].Page)
		sessionID = result.SessionID
	})

	t.Run("docchat sessions and history", func(t *testing.T) {
		output, err := env.RunDocchat("sessions", docID)
		require.NoError(t, err, output)
		assert.Contains(t, output, sessionID)
		assert.Contains(t, output, "How big is the deposit?")

		output, err = env.RunDocchat("history", sessionID)
		require.NoError(t, err, output)
		assert.Contains(t, output, "[user] How big is the deposit?")
		assert.Contains(t, output, "[assistant] The deposit is one month of rent")
	})

	t.Run("docchat status", func(t *testing.T) {
		output, err := env.RunDocchat("status", docID)
		require.NoError(t, err, output)
		assert.Contains(t, output, "Status: READY")
	})
}
