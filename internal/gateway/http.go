package gateway

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"clawcontrol/internal/config"
)

// HTTPRuntime talks to the runtime gateway over HTTP. Agent turns are read
// as server-sent events.
type HTTPRuntime struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPRuntime(cfg config.GatewayConfig) *HTTPRuntime {
	return &HTTPRuntime{
		BaseURL: strings.TrimRight(cfg.URL, "/"),
		Token:   cfg.Token,
		Client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

func (r *HTTPRuntime) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.BaseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}
	return req, nil
}

func (r *HTTPRuntime) do(req *http.Request) (*http.Response, error) {
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("gateway %s %s: %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

func (r *HTTPRuntime) CheckAvailability(ctx context.Context) Availability {
	start := time.Now()
	av := Availability{Status: StatusUnavailable}
	req, err := r.newRequest(ctx, http.MethodGet, "/health", nil)
	if err == nil {
		var resp *http.Response
		resp, err = r.do(req)
		if err == nil {
			resp.Body.Close()
		}
	}
	av.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		av.Error = err.Error()
		return av
	}
	av.Status, av.Available = StatusOK, true
	return av
}

func (r *HTTPRuntime) RestartAgent(ctx context.Context, agentID string) error {
	req, err := r.newRequest(ctx, http.MethodPost, "/agents/"+url.PathEscape(agentID)+"/restart", struct{}{})
	if err != nil {
		return err
	}
	resp, err := r.do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// SendToAgent posts a message and streams the reply. The channel is closed
// after the terminating [DONE] event, a read error, or context cancellation.
func (r *HTTPRuntime) SendToAgent(ctx context.Context, agentID, message string) (<-chan Chunk, error) {
	req, err := r.newRequest(ctx, http.MethodPost, "/agents/"+url.PathEscape(agentID)+"/messages", map[string]string{"message": message})
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := r.do(req)
	if err != nil {
		return nil, err
	}
	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if data == "[DONE]" {
				return
			}
			var payload struct {
				Text  string `json:"text"`
				Error string `json:"error"`
			}
			chunk := Chunk{Text: data}
			if json.Unmarshal([]byte(data), &payload) == nil {
				chunk.Text = payload.Text
				if payload.Error != "" {
					chunk.Err = fmt.Errorf("agent %s: %s", agentID, payload.Error)
				}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.Err != nil {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			select {
			case out <- Chunk{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}
