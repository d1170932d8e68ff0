// Package ocr talks to the OCR sidecar that rasterizes PDF pages and
// recognizes their text.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cloo-solutions/docchat/internal/domain"
)

const defaultTimeout = 5 * time.Minute

var ErrServiceUnhealthy = errors.New("ocr service is not healthy")

// PageText is the recognized text of one page.
type PageText struct {
	Page       int     `json:"page"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type extractResponse struct {
	Success bool       `json:"success"`
	Pages   []PageText `json:"pages"`
	Error   string     `json:"error,omitempty"`
}

type healthResponse struct {
	Status string `json:"status"`
}

// Client is an HTTP client for the OCR sidecar.
type Client struct {
	baseURL    string
	httpClient *http.Client
	language   string
}

func NewClient(baseURL string) *Client {
	return NewClientWithHTTP(baseURL, &http.Client{Timeout: defaultTimeout})
}

func NewClientWithHTTP(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		language:   "eng",
	}
}

// Healthy checks the sidecar's /health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Transient(fmt.Errorf("ocr health check failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Transient(fmt.Errorf("%w: status %d", ErrServiceUnhealthy, resp.StatusCode))
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}
	if health.Status != "healthy" && health.Status != "ok" {
		return domain.Transient(ErrServiceUnhealthy)
	}
	return nil
}

// RecognizePages uploads the PDF and asks for text of the given 1-based pages.
// Network failures and 5xx/429 responses are reported as transient.
func (c *Client) RecognizePages(ctx context.Context, content []byte, pages []int) (map[int]string, error) {
	if len(pages) == 0 {
		return map[int]string{}, nil
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", "document.pdf")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(content); err != nil {
		return nil, fmt.Errorf("failed to copy file data: %w", err)
	}

	pageList := make([]string, len(pages))
	for i, p := range pages {
		pageList[i] = strconv.Itoa(p)
	}
	_ = writer.WriteField("pages", strings.Join(pageList, ","))
	_ = writer.WriteField("language", c.language)
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ocr", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create OCR request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.Transient(fmt.Errorf("ocr request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := fmt.Errorf("ocr request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, domain.Transient(statusErr)
		}
		return nil, statusErr
	}

	var out extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode OCR response: %w", err)
	}
	if !out.Success {
		return nil, fmt.Errorf("ocr processing failed: %s", out.Error)
	}

	result := make(map[int]string, len(out.Pages))
	for _, p := range out.Pages {
		result[p.Page] = p.Text
	}
	return result, nil
}
