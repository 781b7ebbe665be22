// Package songgen is the HTTP client for the song generation provider.
package songgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/melodia/internal/config"
	dispatchdomain "github.com/smallbiznis/melodia/internal/dispatch/domain"
	reconciledomain "github.com/smallbiznis/melodia/internal/reconcile/domain"
)

const (
	generatePath   = "/api/v1/generate"
	recordInfoPath = "/api/v1/generate/record-info"

	codeOK = 200
)

var ErrNotConfigured = errors.New("songgen_not_configured")

// UpstreamError is a failed provider call. Transient covers transport
// errors, 429 and 5xx; everything else is a rejection.
type UpstreamError struct {
	StatusCode int
	Code       int
	Message    string
	Transient  bool
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("songgen: %v", e.Err)
	}
	return fmt.Sprintf("songgen: status=%d code=%d: %s", e.StatusCode, e.Code, e.Message)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Upstream() bool { return true }

func (e *UpstreamError) Retryable() bool { return e.Transient }

type Client struct {
	baseURL     string
	apiKey      string
	model       string
	callbackURL string
	token       string
	httpClient  *http.Client
}

func NewClient(cfg config.ProviderConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		callbackURL: cfg.CallbackURL,
		token:       cfg.CallbackToken,
		httpClient:  httpClient,
	}
}

type generateBody struct {
	Prompt       string `json:"prompt"`
	Style        string `json:"style,omitempty"`
	Title        string `json:"title,omitempty"`
	CustomMode   bool   `json:"customMode"`
	Instrumental bool   `json:"instrumental"`
	Model        string `json:"model,omitempty"`
	CallBackURL  string `json:"callBackUrl,omitempty"`
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// StartGeneration submits a job. Lyrics switch the provider into custom
// mode, where the prompt field carries the lyrics.
func (c *Client) StartGeneration(ctx context.Context, req dispatchdomain.StartRequest) (string, error) {
	if c.baseURL == "" || c.apiKey == "" {
		return "", ErrNotConfigured
	}

	in := req.Params
	body := generateBody{
		Prompt:       in.Prompt,
		Style:        in.Style,
		Title:        in.Title,
		Instrumental: in.Instrumental,
		Model:        c.model,
		CallBackURL:  req.CallbackURL,
	}
	if body.CallBackURL == "" && req.TaskID != 0 {
		body.CallBackURL = c.CallbackURL(req.TaskID.String())
	}
	if strings.TrimSpace(in.Lyrics) != "" {
		body.CustomMode = true
		body.Prompt = in.Lyrics
		if body.Style == "" {
			body.Style = in.Prompt
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	var data struct {
		TaskID string `json:"taskId"`
	}
	if err := c.do(ctx, http.MethodPost, c.baseURL+generatePath, bytes.NewReader(payload), &data); err != nil {
		return "", err
	}
	if data.TaskID == "" {
		return "", &UpstreamError{StatusCode: http.StatusOK, Message: "missing taskId"}
	}
	return data.TaskID, nil
}

// CallbackURL returns the push target for one task, or "" when pushes are
// not configured.
func (c *Client) CallbackURL(taskID string) string {
	if c.callbackURL == "" {
		return ""
	}
	u, err := url.Parse(c.callbackURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	if c.token != "" {
		q.Set("token", c.token)
	}
	if taskID != "" {
		q.Set("task_id", taskID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type recordInfo struct {
	TaskID       string `json:"taskId"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
	Response     struct {
		SunoData []TrackPayload `json:"sunoData"`
	} `json:"response"`
}

// TrackPayload is the provider's track shape, shared by record-info and
// the push callback.
type TrackPayload struct {
	ID             string  `json:"id"`
	AudioURL       string  `json:"audioUrl"`
	StreamAudioURL string  `json:"streamAudioUrl"`
	ImageURL       string  `json:"imageUrl"`
	Prompt         string  `json:"prompt"`
	ModelName      string  `json:"modelName"`
	Title          string  `json:"title"`
	Tags           string  `json:"tags"`
	Duration       float64 `json:"duration"`
	CreateTime     any     `json:"createTime"`
}

func (c *Client) FetchStatus(ctx context.Context, externalTaskID string) (*reconciledomain.StatusUpdate, error) {
	if c.baseURL == "" || c.apiKey == "" {
		return nil, ErrNotConfigured
	}
	if externalTaskID == "" {
		return nil, reconciledomain.ErrInvalidTask
	}

	endpoint := c.baseURL + recordInfoPath + "?taskId=" + url.QueryEscape(externalTaskID)
	var info recordInfo
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &info); err != nil {
		return nil, err
	}
	if info.TaskID == "" {
		info.TaskID = externalTaskID
	}

	return &reconciledomain.StatusUpdate{
		ExternalTaskID: info.TaskID,
		Status:         info.Status,
		Tracks:         ToTracks(info.Response.SunoData),
		ErrorMessage:   info.ErrorMessage,
	}, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return err
		}
		return &UpstreamError{Transient: true, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &UpstreamError{StatusCode: resp.StatusCode, Transient: true, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &UpstreamError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(raw)),
			Transient:  retryableStatus(resp.StatusCode),
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &UpstreamError{StatusCode: resp.StatusCode, Message: "invalid response body", Err: err}
	}
	if env.Code != codeOK {
		return &UpstreamError{
			StatusCode: resp.StatusCode,
			Code:       env.Code,
			Message:    env.Msg,
			Transient:  retryableStatus(env.Code),
		}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &UpstreamError{StatusCode: resp.StatusCode, Message: "invalid response data", Err: err}
	}
	return nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// ToTracks converts provider tracks. createTime arrives either as epoch
// milliseconds or as an RFC 3339 string.
func ToTracks(items []TrackPayload) []reconciledomain.Track {
	out := make([]reconciledomain.Track, 0, len(items))
	for _, item := range items {
		out = append(out, reconciledomain.Track{
			ID:             item.ID,
			AudioURL:       item.AudioURL,
			StreamAudioURL: item.StreamAudioURL,
			ImageURL:       item.ImageURL,
			Prompt:         item.Prompt,
			ModelName:      item.ModelName,
			Title:          item.Title,
			Tags:           item.Tags,
			Duration:       item.Duration,
			CreateTime:     parseCreateTime(item.CreateTime),
		})
	}
	return out
}

func parseCreateTime(v any) *time.Time {
	switch val := v.(type) {
	case float64:
		if val <= 0 {
			return nil
		}
		t := time.UnixMilli(int64(val)).UTC()
		return &t
	case string:
		t, err := time.Parse(time.RFC3339, val)
		if err != nil {
			return nil
		}
		t = t.UTC()
		return &t
	default:
		return nil
	}
}
