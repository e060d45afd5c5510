package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const maxErrorBodyLength = 4096

// ErrWorkInProgressNotFound is returned when the container has no work-in-progress change set on the branch.
var ErrWorkInProgressNotFound = errors.New("work in progress not found")

// WorkInProgress is an open change set that uploads are recorded into.
type WorkInProgress struct {
	ID      string `json:"id"`
	RefName string `json:"refName"`
}

// HTTPStore uploads objects to a versioned repository API.
type HTTPStore struct {
	client      *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewHTTPStore ...
func NewHTTPStore(baseURL, accessToken string, logger log.Logger) *HTTPStore {
	return newHTTPStore(retryhttp.NewClient(logger), baseURL, accessToken, logger)
}

func newHTTPStore(client *retryablehttp.Client, baseURL, accessToken string, logger log.Logger) *HTTPStore {
	return &HTTPStore{
		client:      client,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		accessToken: accessToken,
		logger:      logger,
	}
}

// UploadObject streams content as a multipart form to the object endpoint.
// The request is sent once, retrying is up to the caller.
func (s *HTTPStore) UploadObject(ctx context.Context, container, branch, objectPath string, content io.Reader, workInProgressID string) error {
	const op = "upload object"

	contentType, body, err := sniffContentType(content)
	if err != nil {
		return &RequestError{Op: op, Err: fmt.Errorf("read content: %w", err)}
	}

	query := url.Values{}
	query.Set("refName", branch)
	query.Set("path", objectPath)
	if workInProgressID != "" {
		query.Set("wipID", workInProgressID)
	}
	objectURL := fmt.Sprintf("%s/object/%s?%s", s.baseURL, url.PathEscape(container), query.Encode())

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	written := make(chan struct{})
	go func() {
		defer close(written)
		pw.CloseWithError(writeContentPart(form, path.Base(objectPath), contentType, body))
	}()
	defer func() {
		_ = pr.Close()
		<-written
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, objectURL, pr)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.accessToken))
	req.Header.Set("Content-Type", form.FormDataContentType())

	s.logger.Debugf("POST %s (%s)", objectURL, contentType)

	resp, err := s.client.HTTPClient.Do(req)
	if err != nil {
		return &RequestError{Op: op, Err: err, transient: ctx.Err() == nil}
	}
	defer s.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return s.statusError(op, resp)
	}
	return nil
}

// CheckWorkInProgress looks up the work-in-progress change set of a branch.
func (s *HTTPStore) CheckWorkInProgress(ctx context.Context, container, branch string) (WorkInProgress, error) {
	const op = "check work in progress"

	apiURL := fmt.Sprintf("%s/wip/%s?refName=%s", s.baseURL, url.PathEscape(container), url.QueryEscape(branch))
	req, err := retryablehttp.NewRequest(http.MethodGet, apiURL, nil)
	if err != nil {
		return WorkInProgress{}, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.accessToken))

	resp, err := s.client.Do(req)
	if err != nil {
		return WorkInProgress{}, &RequestError{Op: op, Err: err, transient: ctx.Err() == nil}
	}
	defer s.closeBody(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return WorkInProgress{}, ErrWorkInProgressNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return WorkInProgress{}, s.statusError(op, resp)
	}

	var wip WorkInProgress
	if err := json.NewDecoder(resp.Body).Decode(&wip); err != nil {
		return WorkInProgress{}, fmt.Errorf("decode response: %w", err)
	}
	return wip, nil
}

func (s *HTTPStore) statusError(op string, resp *http.Response) error {
	message, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLength))
	if err != nil {
		s.logger.Debugf("Failed to read error response: %s", err)
	}
	return &RequestError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(message)),
		transient:  transientStatus(resp.StatusCode),
	}
}

func (s *HTTPStore) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		s.logger.Printf(err.Error())
	}
}

func writeContentPart(form *multipart.Writer, filename, contentType string, content io.Reader) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="content"; filename=%q`, filename))
	header.Set("Content-Type", contentType)

	part, err := form.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, content); err != nil {
		return err
	}
	return form.Close()
}
