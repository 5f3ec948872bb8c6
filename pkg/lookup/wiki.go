package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/OFFIS-RIT/chatkg/pkg/logger"

	"codeberg.org/readeck/go-readability/v2"
	"golang.org/x/sync/singleflight"
)

// Result is an encyclopedia entry.
type Result struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// Placeholder is shown when no entry was found.
var Placeholder = Result{Title: "无相关信息", Summary: "暂无相关描述"}

// Searcher looks up a short encyclopedia entry for a query. A miss is
// reported by ok == false and is never an error.
type Searcher interface {
	Search(ctx context.Context, query string) (Result, bool)
}

const (
	DefaultBaseURL   = "https://zh.wikipedia.org"
	DefaultUserAgent = "ChatKG/1.0"
)

// WikiParams configures a WikiSearcher.
type WikiParams struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	// Variant maps a query to an alternative script form that is tried when
	// the query itself has no page.
	Variant func(string) string
	// Normalize is applied to the title and summary of every hit.
	Normalize func(string) string
	Client    *http.Client
}

// WikiSearcher queries the MediaWiki REST summary endpoint.
type WikiSearcher struct {
	baseURL   string
	userAgent string
	variant   func(string) string
	normalize func(string) string
	client    *http.Client

	cache   map[string]Result
	cacheMu sync.RWMutex
	group   singleflight.Group
}

func NewWikiSearcher(params WikiParams) *WikiSearcher {
	if params.BaseURL == "" {
		params.BaseURL = DefaultBaseURL
	}
	if params.UserAgent == "" {
		params.UserAgent = DefaultUserAgent
	}
	if params.Client == nil {
		timeout := params.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		params.Client = &http.Client{Timeout: timeout}
	}
	return &WikiSearcher{
		baseURL:   strings.TrimRight(params.BaseURL, "/"),
		userAgent: params.UserAgent,
		variant:   params.Variant,
		normalize: params.Normalize,
		client:    params.Client,
		cache:     make(map[string]Result),
	}
}

// Search returns the entry for query, trying the variant form on a miss.
// Transport failures are logged and reported as a miss.
func (w *WikiSearcher) Search(ctx context.Context, query string) (Result, bool) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Result{}, false
	}

	candidates := []string{query}
	if w.variant != nil {
		if alt := w.variant(query); alt != "" && alt != query {
			candidates = append(candidates, alt)
		}
	}

	for _, q := range candidates {
		res, ok, err := w.lookup(ctx, q)
		if err != nil {
			logger.Warn("[Lookup] search failed", "query", q, "err", err)
			continue
		}
		if ok {
			if w.normalize != nil {
				res.Title = w.normalize(res.Title)
				res.Summary = w.normalize(res.Summary)
			}
			logger.Debug("[Lookup] found", "query", q, "title", res.Title)
			return res, true
		}
	}
	logger.Debug("[Lookup] no entry", "query", query)
	return Result{}, false
}

type lookupResult struct {
	res Result
	ok  bool
}

func (w *WikiSearcher) lookup(ctx context.Context, title string) (Result, bool, error) {
	w.cacheMu.RLock()
	if cached, ok := w.cache[title]; ok {
		w.cacheMu.RUnlock()
		return cached, true, nil
	}
	w.cacheMu.RUnlock()

	v, err, _ := w.group.Do(title, func() (any, error) {
		res, ok, err := w.fetchSummary(ctx, title)
		if err != nil || !ok {
			return lookupResult{}, err
		}
		if res.Summary == "" {
			text, err := w.fetchPageText(ctx, title)
			if err != nil {
				return lookupResult{}, err
			}
			res.Summary = text
		}
		if res.Summary == "" {
			return lookupResult{}, nil
		}

		w.cacheMu.Lock()
		w.cache[title] = res
		w.cacheMu.Unlock()
		return lookupResult{res: res, ok: true}, nil
	})
	if err != nil {
		return Result{}, false, err
	}
	r := v.(lookupResult)
	return r.res, r.ok, nil
}

type summaryResponse struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Extract string `json:"extract"`
}

func (w *WikiSearcher) get(ctx context.Context, u string, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", w.userAgent)
	req.Header.Set("Accept", accept)
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", u, err)
	}
	return resp, nil
}

func (w *WikiSearcher) fetchSummary(ctx context.Context, title string) (Result, bool, error) {
	u := w.baseURL + "/api/rest_v1/page/summary/" + url.PathEscape(title)
	resp, err := w.get(ctx, u, "application/json")
	if err != nil {
		return Result{}, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Result{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, false, fmt.Errorf("summary endpoint returned %s", resp.Status)
	}

	var body summaryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{}, false, fmt.Errorf("failed to decode summary: %w", err)
	}
	if body.Title == "" {
		body.Title = title
	}
	return Result{Title: body.Title, Summary: strings.TrimSpace(body.Extract)}, true, nil
}

// fetchPageText extracts the lead paragraph of the rendered article.
func (w *WikiSearcher) fetchPageText(ctx context.Context, title string) (string, error) {
	u := w.baseURL + "/wiki/" + url.PathEscape(title)
	resp, err := w.get(ctx, u, "text/html")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", nil
	}

	pageURL, err := url.Parse(u)
	if err != nil {
		return "", fmt.Errorf("failed to parse url: %w", err)
	}
	article, err := readability.FromReader(resp.Body, pageURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}
	var builder strings.Builder
	if err := article.RenderText(&builder); err != nil {
		return "", fmt.Errorf("failed to render article text: %w", err)
	}
	return leadParagraph(builder.String()), nil
}

func leadParagraph(text string) string {
	for _, p := range strings.Split(text, "\n") {
		if p = strings.TrimSpace(p); p != "" {
			return p
		}
	}
	return ""
}
