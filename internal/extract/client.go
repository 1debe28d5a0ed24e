// Package extract turns raw text or image payloads into structured event and
// task drafts by calling an OpenAI-compatible chat-completions service.
package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yfei/agendabot/internal/model"
)

// Error is the whole-batch extraction failure: the service was unreachable,
// rejected the request, or produced output with no usable structure.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("extraction failed: %s", e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

const systemPrompt = `You are a meticulous executive assistant. Extract calendar-ready events and to-do tasks from the user's input.
Always respond with valid JSON: an object {"items": [...]} where each item uses this schema:
{
  "entry_type": "event" or "task",
  "title": string,
  "start": ISO 8601 datetime (events only; include timezone offset if known),
  "end": ISO 8601 datetime,
  "due": ISO 8601 datetime (tasks only, optional),
  "timezone": IANA timezone string,
  "location": string,
  "description": string,
  "attendees": list of email strings,
  "all_day": bool,
  "category": lowercase classification such as work, meeting, personal, travel, study, finance, family, health, reminder, other,
  "color": optional color hint when the user explicitly names one
}
Return {"items": []} when nothing schedulable exists.
An item with a concrete date and time is an event; anything without a firm start time is a task.
Infer missing timezone from context; default to %s.
Keep titles short but specific. Never fabricate URLs, meeting links, or locations.`

// Client calls the extraction service. The request/response wire format is
// the chat-completions API; the service address and credentials come from
// configuration.
type Client struct {
	baseURL    string
	apiKey     string
	defaultTZ  string
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient creates an extraction client for the given endpoint.
func NewClient(baseURL, apiKey, defaultTZ string, log *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		defaultTZ:  defaultTZ,
		httpClient: &http.Client{Timeout: 90 * time.Second},
		log:        log,
	}
}

type apiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type apiContentPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *apiImageURL `json:"image_url,omitempty"`
}

type apiImageURL struct {
	URL string `json:"url"`
}

type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	Temperature float64      `json:"temperature"`
}

type apiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Extract sends the input payload to the extraction service and decodes the
// response into zero or more drafts. The model is chosen from sel by the
// input's modality and is fixed for the duration of the call. A zero-draft
// result is valid and not an error. The returned extraction carries the
// service-reported token spend for the usage log.
func (c *Client) Extract(ctx context.Context, in model.RawInput, sel model.ModelSelection) (model.Extraction, error) {
	if in.Empty() {
		return model.Extraction{}, &Error{Reason: "empty payload"}
	}

	modelName := sel.ModelFor(in.Modality())
	if modelName == "" {
		return model.Extraction{}, &Error{Reason: "no extraction model selected"}
	}

	var userContent any
	if in.Modality() == model.ModalityImage {
		hint := in.Text
		if hint == "" {
			hint = "Find any schedulable events or tasks in this image."
		}
		mime := in.ImageMIME
		if mime == "" {
			mime = "image/png"
		}
		encoded := base64.StdEncoding.EncodeToString(in.Image)
		userContent = []apiContentPart{
			{Type: "text", Text: hint},
			{Type: "image_url", ImageURL: &apiImageURL{
				URL: fmt.Sprintf("data:%s;base64,%s", mime, encoded),
			}},
		}
	} else {
		userContent = in.Text
	}

	raw, usage, err := c.complete(ctx, modelName, userContent)
	if err != nil {
		return model.Extraction{}, err
	}

	drafts, err := decodeDrafts(raw, c.defaultTZ)
	if err != nil {
		return model.Extraction{}, err
	}

	c.log.Debug("extraction complete",
		"model", modelName, "modality", string(in.Modality()), "drafts", len(drafts),
		"prompt_tokens", usage.PromptTokens, "completion_tokens", usage.CompletionTokens)
	return model.Extraction{Drafts: drafts, Model: modelName, Usage: usage}, nil
}

// complete makes a single chat-completions request and returns the raw
// assistant message content plus the reported token spend.
func (c *Client) complete(ctx context.Context, modelName string, userContent any) (string, model.TokenUsage, error) {
	reqBody := apiRequest{
		Model: modelName,
		Messages: []apiMessage{
			{Role: "system", Content: fmt.Sprintf(systemPrompt, c.defaultTZ)},
			{Role: "user", Content: userContent},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", model.TokenUsage{}, &Error{Reason: "marshaling request", Err: err}
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return "", model.TokenUsage{}, &Error{Reason: "creating request", Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", model.TokenUsage{}, &Error{Reason: "calling extraction service", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", model.TokenUsage{}, &Error{Reason: "reading response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", model.TokenUsage{}, &Error{Reason: fmt.Sprintf("service error (%d): %s", resp.StatusCode, apiErr.Error.Message)}
		}
		return "", model.TokenUsage{}, &Error{Reason: fmt.Sprintf("service error (%d)", resp.StatusCode)}
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", model.TokenUsage{}, &Error{Reason: "decoding response", Err: err}
	}
	if len(result.Choices) == 0 {
		return "", model.TokenUsage{}, &Error{Reason: "response contained no choices"}
	}

	usage := model.TokenUsage{
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
	}
	return result.Choices[0].Message.Content, usage, nil
}
