package cloud

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
)

// Job statuses reported by the speech-to-text service.
const (
	JobQueued     = "QUEUED"
	JobInProgress = "IN_PROGRESS"
	JobCompleted  = "COMPLETED"
	JobFailed     = "FAILED"
)

// TranscriptionJob is the service's view of a speech-to-text job.
type TranscriptionJob struct {
	Name          string `json:"name"`
	Status        string `json:"status"`
	LanguageCode  string `json:"language_code,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// TranscriptionClient talks to a remote speech-to-text job service.
type TranscriptionClient struct {
	rest *restClient
}

func NewTranscriptionClient(baseURL, token string, logger *slog.Logger) *TranscriptionClient {
	return &TranscriptionClient{rest: newRestClient("transcription", baseURL, token, 0, logger)}
}

func jobPath(name string) string {
	return "/v1/transcription-jobs/" + url.PathEscape(name)
}

// StartJob uploads media and starts a job under name.
func (c *TranscriptionClient) StartJob(ctx context.Context, name string, media []byte, format string) (*TranscriptionJob, error) {
	var job TranscriptionJob
	req := c.rest.request(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetQueryParam("format", format).
		SetBody(media).
		SetResult(&job)
	if _, err := c.rest.do(req, http.MethodPut, jobPath(name)); err != nil {
		return nil, err
	}
	if job.Name == "" {
		job.Name = name
	}
	return &job, nil
}

// GetJob returns nil, nil when the job does not exist.
func (c *TranscriptionClient) GetJob(ctx context.Context, name string) (*TranscriptionJob, error) {
	var job TranscriptionJob
	req := c.rest.request(ctx).SetResult(&job)
	if _, err := c.rest.do(req, http.MethodGet, jobPath(name)); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// DeleteJob removes a job. Missing jobs are not an error.
func (c *TranscriptionClient) DeleteJob(ctx context.Context, name string) error {
	if _, err := c.rest.do(c.rest.request(ctx), http.MethodDelete, jobPath(name)); err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

// Subtitles downloads the finished job's WebVTT document.
func (c *TranscriptionClient) Subtitles(ctx context.Context, name string) ([]byte, error) {
	return c.download(ctx, jobPath(name)+"/subtitles", "vtt")
}

// Transcript downloads the finished job's JSON transcript.
func (c *TranscriptionClient) Transcript(ctx context.Context, name string) ([]byte, error) {
	return c.download(ctx, jobPath(name)+"/transcript", "json")
}

func (c *TranscriptionClient) download(ctx context.Context, path, format string) ([]byte, error) {
	req := c.rest.request(ctx).SetQueryParam("format", format)
	resp, err := c.rest.do(req, http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	return []byte(resp.String()), nil
}

func (c *TranscriptionClient) Close() {
	c.rest.close()
}
