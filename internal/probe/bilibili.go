package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL   = "https://api.bilibili.com"
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	pathUserInfo = "/x/space/acc/info"
	pathDynamics = "/x/polymer/web-dynamic/v1/feed/space"

	feedPageSize = 5
	maxBodyBytes = 4 << 20
)

// API codes with a fixed meaning.
const (
	codeOK            = 0
	codeBadRequest    = -400
	codeNotFound      = -404
	codeRiskControl   = -412
	codeRateLimited   = -509
	codeTooFrequent   = -799
	codeDynamicHidden = 53013
)

// Activity is what one probe learns about a subject.
type Activity struct {
	// LastActivityAt is the newest item timestamp, nil when the feed is
	// empty or hidden.
	LastActivityAt *time.Time
	Name           string
	Items          int
	Hidden         bool
}

// BilibiliClient reads a profile's public dynamics feed.
type BilibiliClient struct {
	http      *http.Client
	baseURL   string
	userAgent string
}

func NewBilibiliClient(baseURL, userAgent string, client *http.Client) *BilibiliClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = DefaultUserAgent
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &BilibiliClient{http: client, baseURL: baseURL, userAgent: userAgent}
}

// FetchLatestActivity performs the user-info + dynamics request pair for uid.
// Every error it returns is a *Error.
func (c *BilibiliClient) FetchLatestActivity(ctx context.Context, uid string) (Activity, error) {
	uid = strings.TrimSpace(uid)
	if _, err := strconv.ParseUint(uid, 10, 64); err != nil {
		return Activity{}, permanent("user_info", 0, 0, fmt.Errorf("invalid uid %q", uid))
	}

	var info struct {
		Name string          `json:"name"`
		Face json.RawMessage `json:"face"`
	}
	raw, err := c.get(ctx, "user_info", pathUserInfo, url.Values{"mid": {uid}})
	if err != nil {
		return Activity{}, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return Activity{}, permanent("user_info", 0, 0, errors.New("account not found"))
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return Activity{}, transient("user_info", 0, 0, fmt.Errorf("decode data: %w", err))
	}
	if len(info.Face) == 0 || string(info.Face) == "null" {
		return Activity{}, permanent("user_info", 0, 0, errors.New("account deleted"))
	}

	act := Activity{Name: info.Name}
	raw, err = c.get(ctx, "dynamics", pathDynamics, url.Values{
		"host_mid":  {uid},
		"page_size": {strconv.Itoa(feedPageSize)},
		"offset":    {""},
	})
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) && pe.Code == codeDynamicHidden {
			act.Hidden = true
			return act, nil
		}
		return Activity{}, err
	}

	var feed struct {
		Items []json.RawMessage `json:"items"`
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &feed); err != nil {
			return Activity{}, transient("dynamics", 0, 0, fmt.Errorf("decode data: %w", err))
		}
	}
	act.Items = len(feed.Items)
	act.LastActivityAt = latestItemTime(feed.Items)
	return act, nil
}

// get issues one request and returns the envelope's data field.
func (c *BilibiliClient) get(ctx context.Context, op, path string, q url.Values) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, permanent(op, 0, 0, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Referer", "https://www.bilibili.com/")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transient(op, 0, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, transient(op, resp.StatusCode, 0, fmt.Errorf("read body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusPreconditionFailed,
		resp.StatusCode >= 500:
		return nil, transient(op, resp.StatusCode, 0, errors.New(http.StatusText(resp.StatusCode)))
	case resp.StatusCode == http.StatusNotFound:
		return nil, permanent(op, resp.StatusCode, 0, errors.New("not found"))
	case resp.StatusCode/100 != 2:
		return nil, permanent(op, resp.StatusCode, 0, errors.New(http.StatusText(resp.StatusCode)))
	}

	var env struct {
		Code    *int            `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, transient(op, resp.StatusCode, 0, fmt.Errorf("decode envelope: %w", err))
	}
	if env.Code == nil {
		return nil, transient(op, resp.StatusCode, 0, errors.New("envelope without code"))
	}

	switch code := *env.Code; code {
	case codeOK:
		return env.Data, nil
	case codeNotFound, codeBadRequest:
		return nil, permanent(op, resp.StatusCode, code, errors.New(apiMessage(env.Message)))
	case codeDynamicHidden:
		// Hidden feed is not a failure; FetchLatestActivity maps it to Success(absent).
		return nil, permanent(op, resp.StatusCode, code, errors.New(apiMessage(env.Message)))
	case codeRiskControl, codeRateLimited, codeTooFrequent:
		return nil, transient(op, resp.StatusCode, code, fmt.Errorf("rate limited: %s", apiMessage(env.Message)))
	default:
		return nil, transient(op, resp.StatusCode, code, errors.New(apiMessage(env.Message)))
	}
}

func apiMessage(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "api error"
	}
	return s
}

// latestItemTime returns the newest timestamp across feed items. Pinned items
// come first and may be older than later ones, so every item is inspected.
func latestItemTime(items []json.RawMessage) *time.Time {
	var best *time.Time
	for _, it := range items {
		ts, ok := itemTimestamp(it)
		if !ok {
			continue
		}
		if best == nil || ts.After(*best) {
			t := ts
			best = &t
		}
	}
	return best
}

func itemTimestamp(raw json.RawMessage) (time.Time, bool) {
	var it struct {
		Modules struct {
			Author struct {
				PubTS json.RawMessage `json:"pub_ts"`
			} `json:"module_author"`
		} `json:"modules"`
		PubTS      json.RawMessage `json:"pub_ts"`
		ExtendJSON json.RawMessage `json:"extend_json"`
	}
	if json.Unmarshal(raw, &it) != nil {
		return time.Time{}, false
	}
	if v, ok := parseEpoch(it.Modules.Author.PubTS); ok {
		return v, true
	}
	if v, ok := parseEpoch(it.PubTS); ok {
		return v, true
	}
	if len(it.ExtendJSON) == 0 {
		return time.Time{}, false
	}

	// extend_json is either an object or a JSON document encoded as a string.
	ext := []byte(it.ExtendJSON)
	var s string
	if json.Unmarshal(ext, &s) == nil {
		ext = []byte(s)
	}
	var e struct {
		PubTS     json.RawMessage `json:"pub_ts"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if json.Unmarshal(ext, &e) != nil {
		return time.Time{}, false
	}
	if v, ok := parseEpoch(e.PubTS); ok {
		return v, true
	}
	return parseEpoch(e.Timestamp)
}

// parseEpoch accepts a number or numeric string; values above 1e10 are
// milliseconds.
func parseEpoch(raw json.RawMessage) (time.Time, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return time.Time{}, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return time.Time{}, false
	}
	if f > 1e10 {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	return time.Unix(int64(f), 0).UTC(), true
}
