package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Recording operations.
const (
	OpInit   = "init"
	OpFeed   = "feed"
	OpFinish = "finish"
)

// Step is one line of a recording.
type Step struct {
	Op   string          `json:"op"`
	Body json.RawMessage `json:"body"`
}

// StreamAck is the server answer to a streamed batch.
type StreamAck struct {
	OK      bool   `json:"ok"`
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
}

// Client talks to the live import API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	stream *websocket.Conn
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logger,
	}
}

// Close closes the stream, if open.
func (c *Client) Close() error {
	if c.stream == nil {
		return nil
	}
	_ = c.stream.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := c.stream.Close()
	c.stream = nil
	return err
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response of %s: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// Init starts a live import and returns the run id.
func (c *Client) Init(ctx context.Context, body []byte) (int64, error) {
	data, err := c.post(ctx, "/api/v2/importruns/init", body)
	if err != nil {
		return 0, err
	}
	var resp struct {
		RunID int64 `json:"runid"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, fmt.Errorf("decode init response: %w", err)
	}
	return resp.RunID, nil
}

// Feed sends a batch of events.
func (c *Client) Feed(ctx context.Context, runID int64, body []byte) error {
	_, err := c.post(ctx, fmt.Sprintf("/api/v2/importruns/feed?run=%d", runID), body)
	return err
}

// Finish closes the run.
func (c *Client) Finish(ctx context.Context, runID int64, body []byte) error {
	_, err := c.post(ctx, fmt.Sprintf("/api/v2/importruns/finish?run=%d", runID), body)
	return err
}

// StreamFeed sends a batch over the run's websocket, opening it on first use.
func (c *Client) StreamFeed(runID int64, body []byte) error {
	if c.stream == nil {
		u, err := url.Parse(c.baseURL)
		if err != nil {
			return err
		}
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		default:
			u.Scheme = "ws"
		}
		u.Path += "/api/v2/importruns/stream"
		u.RawQuery = fmt.Sprintf("run=%d", runID)

		conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}
		c.stream = conn
	}

	if err := c.stream.WriteMessage(websocket.TextMessage, body); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	var ack StreamAck
	if err := c.stream.ReadJSON(&ack); err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	if !ack.OK {
		c.stream.Close()
		c.stream = nil
		return fmt.Errorf("feed: status %d: %s", ack.Status, ack.Message)
	}
	return nil
}

// Replay runs a recording and returns the id of the imported run.
func (c *Client) Replay(ctx context.Context, r io.Reader, stream bool, delay time.Duration) (int64, error) {
	defer c.Close()

	var runID int64
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var step Step
		if err := json.Unmarshal(text, &step); err != nil {
			return runID, fmt.Errorf("line %d: %w", line, err)
		}
		if step.Op != OpInit && runID == 0 {
			return runID, fmt.Errorf("line %d: %s before init", line, step.Op)
		}

		var err error
		switch step.Op {
		case OpInit:
			runID, err = c.Init(ctx, step.Body)
			if err == nil {
				c.log.Info().Int64("run_id", runID).Msg("live import started")
			}
		case OpFeed:
			if stream {
				err = c.StreamFeed(runID, step.Body)
			} else {
				err = c.Feed(ctx, runID, step.Body)
			}
		case OpFinish:
			err = c.Finish(ctx, runID, step.Body)
			if err == nil {
				c.log.Info().Int64("run_id", runID).Msg("live import finished")
			}
		default:
			err = fmt.Errorf("unknown op %q", step.Op)
		}
		if err != nil {
			return runID, fmt.Errorf("line %d: %w", line, err)
		}
		c.log.Debug().Int("line", line).Str("op", step.Op).Msg("step replayed")

		if delay > 0 {
			select {
			case <-ctx.Done():
				return runID, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return runID, fmt.Errorf("read recording: %w", err)
	}
	return runID, nil
}
