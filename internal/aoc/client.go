package aoc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"aocbot/pkg/logx"
)

const (
	DefaultBaseURL   = "https://adventofcode.com"
	DefaultUserAgent = "github.com/aocbot/aocbot leaderboard bot"
	maxBodyBytes     = 8 << 20
)

// ClientConfig configures the upstream HTTP client.
type ClientConfig struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration

	// RatePerSec paces all outbound requests. <= 0 disables pacing.
	RatePerSec float64
	Burst      int

	Breaker BreakerConfig
}

// BreakerConfig configures the circuit breaker wrapped around upstream calls.
// Only transient failures count against it.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

type ClientOption func(*Client)

func WithLogger(log logx.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithBreakerObserver is called on every circuit breaker state change.
func WithBreakerObserver(fn func(name string, to gobreaker.State)) ClientOption {
	return func(c *Client) { c.onBreaker = fn }
}

// WithFetchObserver is called with every failed fetch, after classification.
func WithFetchObserver(fn func(op string, err error)) ClientOption {
	return func(c *Client) { c.onFailure = fn }
}

// Client fetches leaderboards and puzzle pages. It never retries.
type Client struct {
	baseURL   string
	userAgent string
	timeout   time.Duration

	http      *http.Client
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker[[]byte]
	onBreaker func(name string, to gobreaker.State)
	onFailure func(op string, err error)
	log       logx.Logger
}

func NewClient(cfg ClientConfig, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		userAgent: strings.TrimSpace(cfg.UserAgent),
		timeout:   cfg.Timeout,
		log:       logx.Nop(),
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	// Redirects mean the session cookie was not accepted; surface them instead of following.
	cp := *c.http
	cp.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	c.http = &cp

	if cfg.RatePerSec > 0 {
		burst := max(1, cfg.Burst)
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	} else {
		c.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	c.breaker = newBreaker(cfg.Breaker, c)
	return c
}

func newBreaker(cfg BreakerConfig, c *Client) *gobreaker.CircuitBreaker[[]byte] {
	trip := cfg.ConsecutiveFailures
	if trip == 0 {
		trip = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	st := gobreaker.Settings{
		Name:        "adventofcode",
		MaxRequests: max(1, cfg.MaxRequests),
		Interval:    cfg.Interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		IsSuccessful: func(err error) bool {
			return err == nil || canceledByCaller(err) || KindOf(err) != KindTransient
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("upstream circuit breaker state changed",
				logx.String("breaker", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()),
			)
			if c.onBreaker != nil {
				c.onBreaker(name, to)
			}
		},
	}
	return gobreaker.NewCircuitBreaker[[]byte](st)
}

// BreakerState reports the current breaker state ("closed", "half-open", "open").
func (c *Client) BreakerState() string { return c.breaker.State().String() }

// FetchLeaderboard downloads and decodes a private leaderboard for event.
func (c *Client) FetchLeaderboard(ctx context.Context, event string, cred Credential) (_ *Leaderboard, err error) {
	const op = "leaderboard"
	defer c.observe(op, &err)
	if !cred.Valid() {
		return nil, &FetchError{Kind: KindUnauthorized, Op: op, Err: errors.New("missing session token or leaderboard id")}
	}
	body, err := c.get(ctx, op, leaderboardPath(event, cred.LeaderboardID)+".json", cred.SessionToken)
	if err != nil {
		return nil, err
	}
	lb, err := decodeLeaderboard(body)
	if err != nil {
		return nil, transient(op, http.StatusOK, err)
	}
	if lb.Event == "" {
		lb.Event = event
	}
	return lb, nil
}

// FetchPuzzle downloads the puzzle page for (year, day) and extracts its title.
func (c *Client) FetchPuzzle(ctx context.Context, year, day int) (_ *Puzzle, err error) {
	const op = "puzzle"
	defer c.observe(op, &err)
	if year < FirstEvent || day < 1 || day > LastDay {
		return nil, &FetchError{Kind: KindNotFound, Op: op, Err: fmt.Errorf("no puzzle for %d day %d", year, day)}
	}
	path := puzzlePath(year, day)
	body, err := c.get(ctx, op, path, "")
	if err != nil {
		return nil, err
	}
	name, err := parsePuzzleTitle(body)
	if err != nil {
		return nil, transient(op, http.StatusOK, err)
	}
	return &Puzzle{Year: year, Day: day, Name: name, URL: c.PuzzleURL(year, day)}, nil
}

func (c *Client) observe(op string, errp *error) {
	if *errp != nil && c.onFailure != nil && !canceledByCaller(*errp) {
		c.onFailure(op, *errp)
	}
}

// LeaderboardURL is the human-facing page of a private leaderboard.
func (c *Client) LeaderboardURL(event, id string) string {
	return c.baseURL + leaderboardPath(event, id)
}

// PuzzleURL is the puzzle page for (year, day).
func (c *Client) PuzzleURL(year, day int) string {
	return c.baseURL + puzzlePath(year, day)
}

func (c *Client) get(ctx context.Context, op, path, session string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, transient(op, 0, err)
	}
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, op, path, session)
	})
	if err == nil {
		return body, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, transient(op, 0, err)
	}
	return nil, err
}

func (c *Client) do(ctx context.Context, op, path, session string) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, transient(op, 0, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if session != "" {
		req.AddCookie(&http.Cookie{Name: "session", Value: session})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transient(op, 0, err)
	}
	defer resp.Body.Close()

	if kind, ok := classifyStatus(resp.StatusCode); ok {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &FetchError{Kind: kind, Op: op, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, transient(op, resp.StatusCode, err)
	}
	c.log.Debug("upstream fetch ok",
		logx.String("op", op),
		logx.String("path", path),
		logx.Int("bytes", len(body)),
	)
	return body, nil
}

// classifyStatus maps a non-200 status to a failure kind.
func classifyStatus(code int) (Kind, bool) {
	switch {
	case code == http.StatusOK:
		return 0, false
	case code == http.StatusNotFound:
		return KindNotFound, true
	case code == http.StatusBadRequest, code == http.StatusUnauthorized, code == http.StatusForbidden:
		return KindUnauthorized, true
	case code >= 300 && code < 400:
		return KindUnauthorized, true
	default:
		return KindTransient, true
	}
}

type wireLeaderboard struct {
	Event   string                `json:"event"`
	OwnerID int64                 `json:"owner_id"`
	Members map[string]wireMember `json:"members"`
}

type wireMember struct {
	ID          flexInt `json:"id"`
	Name        *string `json:"name"`
	LocalScore  int     `json:"local_score"`
	GlobalScore int     `json:"global_score"`
	Stars       int     `json:"stars"`
	LastStarTS  flexInt `json:"last_star_ts"`
}

// flexInt accepts both 123 and "123"; older events encode ids and timestamps as strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q", s)
	}
	*f = flexInt(v)
	return nil
}

func decodeLeaderboard(body []byte) (*Leaderboard, error) {
	var w wireLeaderboard
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("decode leaderboard: %w", err)
	}
	if w.Members == nil {
		return nil, errors.New("decode leaderboard: no members object")
	}
	lb := &Leaderboard{Event: w.Event, OwnerID: w.OwnerID, Members: make([]Member, 0, len(w.Members))}
	for _, m := range w.Members {
		name := ""
		if m.Name != nil {
			name = strings.TrimSpace(*m.Name)
		}
		lb.Members = append(lb.Members, Member{
			ID:          int64(m.ID),
			Name:        name,
			LocalScore:  m.LocalScore,
			GlobalScore: m.GlobalScore,
			Stars:       m.Stars,
			LastStarTS:  int64(m.LastStarTS),
		})
	}
	sortMembersByID(lb.Members)
	return lb, nil
}
