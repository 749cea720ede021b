// Package client talks to the Tieba mobile API: thread listings, image
// bytes, and reply posting.
package client

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/tieba-tools/tieba-relay/internal/relay"
)

const (
	apiBase       = "https://tieba.baidu.com"
	clientVersion = "12.57.4.2"
	// request signature salt used by the mobile client protocol
	signSalt = "tiebaclient!!!"
)

// responses larger than this are certainly not the image we asked for
const maxImageBytes = 20 << 20

// Config captures client behavior knobs.
type Config struct {
	// BaseURL overrides the production API host, mainly for tests.
	BaseURL         string
	Timeout         time.Duration
	RequestAttempts int
	UserAgent       string
}

// Client implements relay.PlatformClient over the mobile HTTP API.
type Client struct {
	http     *http.Client
	cfg      Config
	accounts *AccountPool
	retry    retryPolicy
}

// New constructs a Client. accounts supplies posting credentials; reads
// work unauthenticated.
func New(cfg Config, accounts *AccountPool) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "tieba-relay/0.2"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = apiBase
	}
	return &Client{
		http:     &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
		accounts: accounts,
		retry:    newRetryPolicy(cfg.RequestAttempts),
	}
}

// apiError is a platform-level failure (non-zero error_code).
type apiError struct {
	Code int
	Msg  string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("tieba api error %d: %s", e.Code, e.Msg)
}

// HTTP status failures are mapped to negative codes so that 5xx stays
// retryable while platform rejections (auth, deleted thread, banned)
// and client errors are final.
func (e *apiError) retryable() bool {
	switch e.Code {
	case 110001, 230871, 4011: // throttled / busy
		return true
	}
	return e.Code <= -500
}

// ListThreads returns one page of the forum's thread list sorted by
// creation time, mapped to domain threads with their image references.
func (c *Client) ListThreads(ctx context.Context, forum string, pn, rn int) (relay.ThreadPage, error) {
	form := map[string]string{
		"kw":              forum,
		"pn":              fmt.Sprint(pn),
		"rn":              fmt.Sprint(rn),
		"sort_type":       "3", // by create time
		"_client_version": clientVersion,
	}

	var page relay.ThreadPage
	err := c.withRetry(ctx, func() error {
		var resp frsResponse
		if err := c.callAPI(ctx, "/c/f/frs/page", form, &resp); err != nil {
			return err
		}
		mapped, err := mapThreadPage(forum, resp)
		if err != nil {
			return err
		}
		page = mapped
		return nil
	})
	if err != nil {
		return relay.ThreadPage{}, fmt.Errorf("list threads %s pn=%d: %w", forum, pn, err)
	}
	return page, nil
}

// FetchThreadDetail loads the first floor of a single thread. The pb
// endpoint carries the full post body, richer than the listing abstract.
func (c *Client) FetchThreadDetail(ctx context.Context, tid int64) (relay.ThreadDetail, error) {
	form := map[string]string{
		"kz":              fmt.Sprint(tid),
		"pn":              "1",
		"rn":              "2", // the endpoint rejects rn < 2
		"_client_version": clientVersion,
	}

	var detail relay.ThreadDetail
	err := c.withRetry(ctx, func() error {
		var resp pbResponse
		if err := c.callAPI(ctx, "/c/f/pb/page", form, &resp); err != nil {
			return err
		}
		detail = mapThreadDetail(tid, resp)
		return nil
	})
	if err != nil {
		return relay.ThreadDetail{}, fmt.Errorf("thread detail tid=%d: %w", tid, err)
	}
	return detail, nil
}

// FetchImage downloads raw image bytes.
func (c *Client) FetchImage(ctx context.Context, imageURL string) ([]byte, string, error) {
	var body []byte
	var contentType string

	err := c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("fetch: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return &apiError{Code: -resp.StatusCode, Msg: resp.Status}
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		body = data
		contentType = resp.Header.Get("Content-Type")
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return body, contentType, nil
}

// PostReply posts content as a reply into thread tid of forum. Exactly
// one attempt: the caller's state machine owns retries, and a timeout is
// ambiguous (the reply may have landed).
func (c *Client) PostReply(ctx context.Context, forum string, tid int64, content string) error {
	acc, err := c.accounts.Next()
	if err != nil {
		return fmt.Errorf("post reply tid=%d: %w", tid, err)
	}

	tbs, err := c.fetchTBS(ctx, acc)
	if err != nil {
		return fmt.Errorf("post reply tid=%d: %w", tid, err)
	}

	form := map[string]string{
		"BDUSS":           acc.BDUSS,
		"stoken":          acc.SToken,
		"kw":              forum,
		"tid":             fmt.Sprint(tid),
		"content":         content,
		"tbs":             tbs,
		"_client_version": clientVersion,
	}
	var resp postResponse
	if err := c.callAPI(ctx, "/c/c/post/add", form, &resp); err != nil {
		c.accounts.MarkFailed(acc)
		return fmt.Errorf("post reply tid=%d: %w", tid, err)
	}
	return nil
}

// fetchTBS obtains the anti-CSRF token required by write endpoints.
func (c *Client) fetchTBS(ctx context.Context, acc Account) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/dc/common/tbs", nil)
	if err != nil {
		return "", fmt.Errorf("build tbs request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Cookie", "BDUSS="+acc.BDUSS)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch tbs: %w", err)
	}
	defer resp.Body.Close()

	var payload struct {
		TBS     string `json:"tbs"`
		IsLogin int    `json:"is_login"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode tbs: %w", err)
	}
	if payload.IsLogin != 1 || payload.TBS == "" {
		return "", &apiError{Code: 1, Msg: "not logged in"}
	}
	return payload.TBS, nil
}

// callAPI posts a signed form to an API path and decodes the JSON
// response, converting non-zero error codes to apiError.
func (c *Client) callAPI(ctx context.Context, path string, form map[string]string, out errCoded) error {
	values := url.Values{}
	for k, v := range form {
		values.Set(k, v)
	}
	values.Set("sign", sign(form))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path,
		strings.NewReader(values.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &apiError{Code: -resp.StatusCode, Msg: resp.Status}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if code := out.errorCode(); code != 0 {
		return &apiError{Code: code, Msg: out.errorMsg()}
	}
	return nil
}

func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn()
		if !c.retry.shouldRetry(lastErr, attempt) {
			return lastErr
		}
		if err := sleepCtx(ctx, c.retry.backoff(attempt)); err != nil {
			return lastErr
		}
	}
}

// sign computes the mobile client signature: md5 over the form sorted by
// key, concatenated as k=v, plus the client salt.
func sign(form map[string]string) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(form[k])
	}
	b.WriteString(signSalt)
	sum := md5.Sum([]byte(b.String()))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
