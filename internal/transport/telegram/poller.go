package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "tgnotify/pkg/logx"
)

const (
	minPollBackoff = 500 * time.Millisecond
	maxPollBackoff = 30 * time.Second
	// Upper bound on one getUpdates response body.
	maxUpdatesBody = 8 << 20
)

// updatePoller is a tele.Poller that runs getUpdates under the subscription
// context. Cancelling that context aborts the request in flight, so stopping
// never waits out a long poll. Failed calls back off exponentially.
type updatePoller struct {
	ctx     context.Context
	http    *http.Client
	url     string
	timeout time.Duration
	log     logx.Logger

	minWait time.Duration
	maxWait time.Duration

	// next update id to ask for; 0 lets the server pick.
	offset int
}

func newUpdatePoller(ctx context.Context, hc *http.Client, apiURL, token string, timeout time.Duration, log logx.Logger) *updatePoller {
	return &updatePoller{
		ctx:     ctx,
		http:    hc,
		url:     apiURL + "/bot" + token + "/getUpdates",
		timeout: timeout,
		log:     log,
		minWait: minPollBackoff,
		maxWait: maxPollBackoff,
	}
}

var _ tele.Poller = (*updatePoller)(nil)

func (p *updatePoller) Poll(_ *tele.Bot, dest chan tele.Update, stop chan struct{}) {
	ctx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	wait := p.minWait
	failures := 0
	for ctx.Err() == nil {
		updates, retryAfter, err := p.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			delay := max(wait, retryAfter)
			p.log.Warn("getUpdates failed", logx.Int("failures", failures), logx.Duration("retry_in", delay), logx.Err(err))
			if !sleepCtx(ctx, delay) {
				return
			}
			wait = min(wait*2, p.maxWait)
			continue
		}
		if failures > 0 {
			p.log.Info("getUpdates recovered", logx.Int("failures", failures))
			failures = 0
			wait = p.minWait
		}
		for _, u := range updates {
			p.offset = u.ID + 1
			select {
			case dest <- u:
			case <-ctx.Done():
				return
			}
		}
	}
}

type updatesResponse struct {
	OK          bool   `json:"ok"`
	Code        int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
	Result []tele.Update `json:"result"`
}

// fetch returns the server's retry_after hint alongside an API error.
func (p *updatePoller) fetch(ctx context.Context) ([]tele.Update, time.Duration, error) {
	body, err := json.Marshal(map[string]any{
		"offset":          p.offset,
		"timeout":         int(p.timeout / time.Second),
		"allowed_updates": []string{"message"},
	})
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var out updatesResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUpdatesBody)).Decode(&out); err != nil {
		return nil, 0, fmt.Errorf("decode getUpdates (%s): %w", resp.Status, err)
	}
	if !out.OK {
		return nil, time.Duration(out.Parameters.RetryAfter) * time.Second, tele.NewError(out.Code, out.Description)
	}
	return out.Result, 0, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
