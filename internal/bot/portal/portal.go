package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/kubev2v/bot-runner/internal/bot"
	"go.uber.org/zap"
)

const (
	Name        = "portal"
	defaultPage = 50
)

var ErrNotAuthenticated = fmt.Errorf("%w: no session, call Authenticate first", bot.ErrAuthentication)

type Options struct {
	BaseURL  string
	Client   *http.Client
	PageSize int
}

// Bot drives a portal exposing a small JSON API:
//
//	POST /login                       {"username","password"} -> {"token"}
//	GET  /targets/{key}               -> {"found","message"}
//	GET  /targets?filter=&page=&size= -> {"total","items":[...],"next_page"}
type Bot struct {
	base     *url.URL
	client   *http.Client
	pageSize int

	mu    sync.Mutex
	token string

	total   atomic.Int64
	closers []func() error
	log     *zap.SugaredLogger
}

func New(opts Options) (*Bot, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("portal: base url is required")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("portal: invalid base url: %w", err)
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPage
	}

	b := &Bot{
		base:     base,
		client:   opts.Client,
		pageSize: opts.PageSize,
		log:      zap.S().Named("portal"),
	}
	b.total.Store(-1)
	return b, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type targetResponse struct {
	Key     string `json:"key"`
	Found   bool   `json:"found"`
	Message string `json:"message"`
}

type pageResponse struct {
	Total    int              `json:"total"`
	Items    []targetResponse `json:"items"`
	NextPage int              `json:"next_page"`
}

func (b *Bot) Authenticate(ctx context.Context, creds bot.Credentials) (bool, error) {
	body, err := json.Marshal(loginRequest(creds))
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint("login", nil), bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("portal login: %w", err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return false, nil
	default:
		return false, fmt.Errorf("portal login: unexpected status %d", resp.StatusCode)
	}

	var login loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		return false, fmt.Errorf("portal login: decoding response: %w", err)
	}
	if login.Token == "" {
		return false, fmt.Errorf("%w: portal returned an empty token", bot.ErrAuthentication)
	}

	b.mu.Lock()
	b.token = login.Token
	b.mu.Unlock()
	return true, nil
}

func (b *Bot) LocateTarget(ctx context.Context, query bot.Query) iter.Seq2[bot.Result, error] {
	return func(yield func(bot.Result, error) bool) {
		if b.session() == "" {
			yield(bot.Result{}, ErrNotAuthenticated)
			return
		}

		if len(query.Keys) > 0 {
			b.total.Store(int64(len(query.Keys)))
			for _, key := range query.Keys {
				res, err := b.lookup(ctx, key)
				if !yield(res, err) || err != nil {
					return
				}
			}
			return
		}

		for page := 1; page > 0; {
			resp, err := b.page(ctx, query.Filter, page)
			if err != nil {
				yield(bot.Result{}, err)
				return
			}
			b.total.Store(int64(resp.Total))
			for _, item := range resp.Items {
				if !yield(toResult(item.Key, item), nil) {
					return
				}
			}
			page = resp.NextPage
		}
	}
}

// Total is known once the first lookup or page has been requested.
func (b *Bot) Total() (int, bool) {
	t := b.total.Load()
	return int(t), t >= 0
}

// Close releases what the bot started, helper processes included.
func (b *Bot) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	b.closers = nil
	return errors.Join(errs...)
}

func (b *Bot) lookup(ctx context.Context, key string) (bot.Result, error) {
	var target targetResponse
	status, err := b.get(ctx, b.endpoint("targets/"+url.PathEscape(key), nil), &target)
	if err != nil {
		return bot.Result{}, err
	}
	if status == http.StatusNotFound {
		return bot.Result{Key: key, OK: false, Message: fmt.Sprintf("target %s not found", key)}, nil
	}
	return toResult(key, target), nil
}

func (b *Bot) page(ctx context.Context, filter string, page int) (*pageResponse, error) {
	q := url.Values{}
	q.Set("filter", filter)
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(b.pageSize))

	var resp pageResponse
	status, err := b.get(ctx, b.endpoint("targets", q), &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return &pageResponse{Total: 0}, nil
	}
	return &resp, nil
}

func (b *Bot) get(ctx context.Context, endpoint string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+b.session())
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("portal request: %w", err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return resp.StatusCode, nil
	case http.StatusUnauthorized:
		return resp.StatusCode, fmt.Errorf("%w: portal session expired", bot.ErrAuthentication)
	default:
		return resp.StatusCode, fmt.Errorf("portal request: unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("portal request: decoding response: %w", err)
	}
	return resp.StatusCode, nil
}

func (b *Bot) endpoint(path string, q url.Values) string {
	u := b.base.JoinPath(path)
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (b *Bot) session() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token
}

func (b *Bot) onClose(fn func() error) {
	b.closers = append(b.closers, fn)
}

func toResult(key string, t targetResponse) bot.Result {
	if t.Key != "" {
		key = t.Key
	}
	msg := t.Message
	if msg == "" {
		if t.Found {
			msg = fmt.Sprintf("target %s located", key)
		} else {
			msg = fmt.Sprintf("target %s not found", key)
		}
	}
	return bot.Result{Key: key, OK: t.Found, Message: msg}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
