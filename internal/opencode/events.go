package opencode

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"

	"github.com/tmaxmax/go-sse"
)

// maxEventSize bounds one SSE event; message updates can carry whole tool
// outputs.
const maxEventSize = 4 << 20

// Events opens the global event stream and yields its envelopes until the
// stream ends, fails, or ctx is cancelled. A clean end of stream yields
// nothing further; the caller decides whether to reconnect.
func (c *Client) Events(ctx context.Context) iter.Seq2[GlobalEvent, error] {
	return func(yield func(GlobalEvent, error) bool) {
		req, err := c.newRequest(ctx, http.MethodGet, "/global/event", "", nil)
		if err != nil {
			yield(GlobalEvent{}, err)
			return
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")

		resp, err := c.http.Do(req)
		if err != nil {
			yield(GlobalEvent{}, fmt.Errorf("connect event stream: %w", err))
			return
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				c.logger.Debug("failed to close event stream", "error", closeErr)
			}
		}()
		if resp.StatusCode != http.StatusOK {
			yield(GlobalEvent{}, &StatusError{Method: http.MethodGet, Path: "/global/event", Status: resp.StatusCode})
			return
		}

		c.logger.Info("event stream connected")
		for ev, err := range sse.Read(resp.Body, &sse.ReadConfig{MaxEventSize: maxEventSize}) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(GlobalEvent{}, fmt.Errorf("read event stream: %w", err))
				return
			}
			if ev.Data == "" {
				continue
			}
			var ge GlobalEvent
			if err := json.Unmarshal([]byte(ev.Data), &ge); err != nil {
				c.logger.Warn("skipping undecodable event", "error", err, "event_type", ev.Type)
				continue
			}
			if !yield(ge, nil) {
				return
			}
		}
	}
}
