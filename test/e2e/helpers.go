//go:build e2e

package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cloo-solutions/docchat/internal/app"
	"github.com/cloo-solutions/docchat/internal/config"
	"github.com/cloo-solutions/docchat/internal/service"
	"github.com/cloo-solutions/docchat/internal/storage"
	"github.com/cloo-solutions/docchat/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
)

const testAPIKey = "e2e-secret"

// E2ETestEnv holds all resources needed for E2E tests
type E2ETestEnv struct {
	T            *testing.T
	Ctx          context.Context
	PostgresC    *testutil.PostgresContainer
	RustFSC      *testutil.RustFSContainer
	Pool         *pgxpool.Pool
	OpenAI       *testutil.FakeOpenAI
	App          *app.App
	ServerURL    string
	ServerCloser func()
	BinaryDir    string
	HTTPClient   *http.Client
}

type envOptions struct {
	s3 bool
}

// SetupE2EEnv starts Postgres, a fake OpenAI endpoint and the daemon with
// its ingestion worker. Documents are stored on local disk unless withS3 is
// passed, in which case a RustFS container backs the S3 store.
func SetupE2EEnv(t *testing.T, withS3 ...bool) *E2ETestEnv {
	ctx := context.Background()
	opts := envOptions{s3: len(withS3) > 0 && withS3[0]}

	pgC := testutil.NewPostgresContainer(ctx, t)
	pool := testutil.NewTestPool(ctx, t, pgC, "../../migrations")
	fake := testutil.NewFakeOpenAI(t, 1536)

	cfg := testConfig(t, pgC.ConnectionString(), fake.URL())

	env := &E2ETestEnv{
		T:          t,
		Ctx:        ctx,
		PostgresC:  pgC,
		Pool:       pool,
		OpenAI:     fake,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}

	var blobs service.BlobStore
	if opts.s3 {
		env.RustFSC = testutil.NewRustFSContainer(ctx, t)
		s3Store, err := storage.NewS3Store(ctx, storage.S3Config{
			Endpoint:        env.RustFSC.Endpoint(),
			Region:          "us-east-1",
			AccessKeyID:     "rustfsadmin",
			SecretAccessKey: "rustfsadmin",
			Bucket:          "e2e-documents",
			Prefix:          "docchat",
			UsePathStyle:    true,
		})
		if err != nil {
			t.Fatalf("failed to create S3 store: %v", err)
		}
		if err := s3Store.EnsureBucket(ctx); err != nil {
			t.Fatalf("failed to create bucket: %v", err)
		}
		blobs = s3Store
	}

	daemon, err := app.New(ctx, app.Options{Config: cfg, Pool: pool, Blobs: blobs})
	if err != nil {
		t.Fatalf("failed to build app: %v", err)
	}
	env.App = daemon

	port, err := getFreePort()
	if err != nil {
		t.Fatalf("failed to get free port: %v", err)
	}
	env.ServerURL, env.ServerCloser = startServer(t, daemon, port)

	return env
}

func testConfig(t *testing.T, databaseURL, openAIURL string) *config.Config {
	t.Setenv("DOCCHAT_DATABASE_URL", databaseURL)
	t.Setenv("DOCCHAT_API_KEY", testAPIKey)
	t.Setenv("DOCCHAT_OPENAI_API_KEY", "sk-test")
	t.Setenv("DOCCHAT_OPENAI_BASE_URL", openAIURL)
	t.Setenv("DOCCHAT_OPENAI_RPS", "1000")
	t.Setenv("DOCCHAT_OPENAI_BURST", "100")
	t.Setenv("DOCCHAT_LOCAL_STORAGE_DIR", t.TempDir())
	t.Setenv("DOCCHAT_WORKER_POLL_INTERVAL", "200ms")
	t.Setenv("DOCCHAT_RETRY_INITIAL_BACKOFF", "10ms")
	t.Setenv("DOCCHAT_RETRY_MAX_BACKOFF", "50ms")
	t.Setenv("DOCCHAT_S3_ENDPOINT", "")
	t.Setenv("DOCCHAT_OCR_URL", "")
	t.Setenv("DOCCHAT_PIPELINE_FILE", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// Cleanup releases all resources
func (e *E2ETestEnv) Cleanup() {
	if e.ServerCloser != nil {
		e.ServerCloser()
	}
	if e.Pool != nil {
		e.Pool.Close()
	}
	if e.RustFSC != nil {
		e.RustFSC.Terminate(e.Ctx)
	}
	if e.PostgresC != nil {
		e.PostgresC.Terminate(e.Ctx)
	}
	if e.BinaryDir != "" {
		os.RemoveAll(e.BinaryDir)
	}
}

// BuildBinaries builds the docchat CLI
func (e *E2ETestEnv) BuildBinaries() {
	tmpDir, err := os.MkdirTemp("", "docchat-e2e-*")
	if err != nil {
		e.T.Fatalf("failed to create temp dir: %v", err)
	}
	e.BinaryDir = tmpDir

	cmd := exec.Command("go", "build", "-o", filepath.Join(tmpDir, "docchat"), "./cmd/docchat")
	cmd.Dir = "../.."
	if out, err := cmd.CombinedOutput(); err != nil {
		e.T.Fatalf("failed to build docchat: %v\n%s", err, out)
	}
}

// RunDocchat runs the docchat CLI against the test server
func (e *E2ETestEnv) RunDocchat(args ...string) (string, error) {
	cmd := exec.Command(filepath.Join(e.BinaryDir, "docchat"), args...)
	cmd.Dir = e.BinaryDir
	cmd.Env = append(os.Environ(),
		"HOME="+e.BinaryDir,
		"XDG_CONFIG_HOME="+filepath.Join(e.BinaryDir, ".config"),
		"DOCCHAT_CONFIG="+filepath.Join(e.BinaryDir, "docchat.yaml"),
		fmt.Sprintf("DOCCHAT_API_KEY=%s", testAPIKey),
		fmt.Sprintf("DOCCHAT_API_URL=%s", e.ServerURL),
	)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// APIResponse represents a standard API response
type APIResponse struct {
	StatusCode int             `json:"-"`
	Data       json.RawMessage `json:"data"`
	Error      string          `json:"error,omitempty"`
	Code       string          `json:"code,omitempty"`
}

// Get performs a GET request
func (e *E2ETestEnv) Get(path string) (*APIResponse, error) {
	return e.doRequest("GET", path, nil)
}

// Post performs a POST request
func (e *E2ETestEnv) Post(path string, body interface{}) (*APIResponse, error) {
	return e.doRequest("POST", path, body)
}

// Delete performs a DELETE request
func (e *E2ETestEnv) Delete(path string) (*APIResponse, error) {
	return e.doRequest("DELETE", path, nil)
}

func (e *E2ETestEnv) doRequest(method, path string, body interface{}) (*APIResponse, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequest(method, e.ServerURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decode(resp)
}

func decode(resp *http.Response) (*APIResponse, error) {
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	apiResp := &APIResponse{StatusCode: resp.StatusCode}
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, apiResp); err != nil {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
		}
	}
	if resp.StatusCode >= 400 {
		return apiResp, fmt.Errorf("HTTP %d: %s", resp.StatusCode, apiResp.Error)
	}
	return apiResp, nil
}

// Upload posts a PDF as multipart form data
func (e *E2ETestEnv) Upload(filename string, content []byte) (*APIResponse, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(content); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest("POST", e.ServerURL+"/documents", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decode(resp)
}

// DocumentStatus is the status endpoint payload
type DocumentStatus struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Stage     string `json:"stage"`
	Error     string `json:"error"`
	PageCount int    `json:"page_count"`
}

// WaitForStatus polls until the document reaches want or a terminal status.
func (e *E2ETestEnv) WaitForStatus(id, want string, timeout time.Duration) DocumentStatus {
	e.T.Helper()
	deadline := time.Now().Add(timeout)
	var last DocumentStatus
	for time.Now().Before(deadline) {
		resp, err := e.Get("/documents/" + id + "/status")
		if err != nil {
			e.T.Fatalf("status request failed: %v", err)
		}
		if err := json.Unmarshal(resp.Data, &last); err != nil {
			e.T.Fatalf("failed to parse status: %v", err)
		}
		if last.Status == want || last.Status == "READY" || last.Status == "FAILED" {
			return last
		}
		time.Sleep(100 * time.Millisecond)
	}
	e.T.Fatalf("document %s still %s/%s after %s", id, last.Status, last.Stage, timeout)
	return last
}

// StreamEvent is one decoded server-sent event
type StreamEvent struct {
	Type      string            `json:"type"`
	Stage     string            `json:"stage"`
	Content   string            `json:"content"`
	Citations []json.RawMessage `json:"citations"`
}

// Stream posts to /chat/stream and collects every event up to [DONE].
func (e *E2ETestEnv) Stream(body interface{}) (sessionID string, events []StreamEvent, done bool, err error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", nil, false, err
	}
	req, err := http.NewRequest("POST", e.ServerURL+"/chat/stream", bytes.NewReader(data))
	if err != nil {
		return "", nil, false, err
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return "", nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		_, err := decode(resp)
		return "", nil, false, err
	}

	sessionID = resp.Header.Get("X-Session-ID")
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		payload, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		if payload == "[DONE]" {
			return sessionID, events, true, nil
		}
		var ev StreamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return sessionID, events, false, err
		}
		events = append(events, ev)
	}
	return sessionID, events, false, scanner.Err()
}

func startServer(t *testing.T, daemon *app.App, port int) (string, func()) {
	workerCtx, cancelWorker := context.WithCancel(context.Background())
	daemon.Start(workerCtx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: daemon.Handler,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.Logf("server error: %v", err)
		}
	}()

	serverURL := fmt.Sprintf("http://localhost:%d", port)
	waitForServer(t, serverURL, 10*time.Second)

	return serverURL, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		cancelWorker()
		daemon.Stop()
	}
}

func waitForServer(t *testing.T, url string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server did not start within %v", timeout)
}

func getFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func writeFile(path string, content []byte) error {
	return os.WriteFile(path, content, 0644)
}
