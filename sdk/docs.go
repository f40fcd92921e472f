package voicerag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

// DocsService uploads documents into the backend's retrieval index and
// reports indexing readiness.
type DocsService struct {
	client *Client
}

// UploadResult reports the outcome of one document ingest.
type UploadResult struct {
	Filename string `json:"filename"`
	Status   string `json:"status"`
	Chunks   int    `json:"chunks,omitempty"`
}

// IndexStatus is the readiness snapshot of the retrieval index.
type IndexStatus struct {
	Ready     bool     `json:"ready"`
	Documents []string `json:"documents"`
	Chunks    int      `json:"chunks"`
}

// Upload sends one document to the backend ingest endpoint as a multipart
// form. Name is the filename the backend indexes it under.
func (s *DocsService) Upload(ctx context.Context, name string, r io.Reader) (*UploadResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, NewInvalidRequestError("document name must not be empty")
	}
	if r == nil {
		return nil, NewInvalidRequestError("document reader must not be nil")
	}

	var body strings.Builder
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return nil, NewInvalidRequestError(fmt.Sprintf("build upload form: %v", err))
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, NewInvalidRequestError(fmt.Sprintf("read document: %v", err))
	}
	if err := writer.Close(); err != nil {
		return nil, NewInvalidRequestError(fmt.Sprintf("finalize upload form: %v", err))
	}

	url := s.client.endpoint("/upload")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body.String()))
	if err != nil {
		return nil, NewInvalidRequestError(err.Error())
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "POST", URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, backendError("upload document", resp)
	}

	result := &UploadResult{Filename: name, Status: "indexed"}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil && err != io.EOF {
		s.client.logger.Debug("upload response not decodable, assuming accepted", "error", err)
	}
	return result, nil
}

// Status fetches the retrieval index readiness.
func (s *DocsService) Status(ctx context.Context) (*IndexStatus, error) {
	url := s.client.endpoint("/ragStatus")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, NewInvalidRequestError(err.Error())
	}

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "GET", URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, backendError("fetch index status", resp)
	}

	var status IndexStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, NewMalformedError(fmt.Sprintf("decode index status: %v", err))
	}
	return &status, nil
}
