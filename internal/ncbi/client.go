// Package ncbi is a small client for the NCBI Entrez E-utilities used to
// locate and download open-access PubMed Central articles.
package ncbi

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"

	"github.com/kalambet/litrag/internal/retry"
)

const DefaultBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

var (
	// ErrNotFound means Entrez answered but holds no article for the id.
	ErrNotFound = errors.New("article not found")
	// ErrMalformed means the response body could not be read as an article set.
	ErrMalformed = errors.New("malformed response")
)

// StatusError is a non-2xx answer from Entrez.
type StatusError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.Status, e.Body)
}

// Options configures a Client. Zero values fall back to sensible defaults.
type Options struct {
	BaseURL           string
	Tool              string
	Email             string
	APIKey            string
	RequestsPerSecond float64
	Timeout           time.Duration
	Retry             retry.Policy
	HTTPClient        *http.Client
}

// Client issues rate-limited, retried Entrez requests.
type Client struct {
	baseURL    string
	tool       string
	email      string
	apiKey     string
	timeout    time.Duration
	retry      retry.Policy
	limiter    *rate.Limiter
	httpClient *http.Client
}

func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		tool:       opts.Tool,
		email:      opts.Email,
		apiKey:     opts.APIKey,
		timeout:    opts.Timeout,
		retry:      opts.Retry,
		limiter:    rate.NewLimiter(limit, 1),
		httpClient: opts.HTTPClient,
	}
}

// get performs one logical Entrez request. Every attempt waits for the rate
// limiter; 429, 5xx and transport failures are retried.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if c.tool != "" {
		params.Set("tool", c.tool)
	}
	if c.email != "" {
		params.Set("email", c.email)
	}
	if c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}
	u := c.baseURL + "/" + endpoint + "?" + params.Encode()

	var body []byte
	err := c.retry.Do(ctx, endpoint, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, u, nil)
		if err != nil {
			return retry.Permanent(fmt.Errorf("creating request: %w", err))
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(ctx.Err())
			}
			return fmt.Errorf("%s request: %w", endpoint, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading %s response: %w", endpoint, err)
		}
		if resp.StatusCode != http.StatusOK {
			serr := &StatusError{Endpoint: endpoint, Status: resp.StatusCode, Body: truncate(string(data), 200)}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return serr
			}
			return retry.Permanent(serr)
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

type esearchResponse struct {
	Result struct {
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

// Search runs an esearch against db and returns up to retmax ids ordered by relevance.
func (c *Client) Search(ctx context.Context, db, query string, retmax int) ([]string, error) {
	params := url.Values{}
	params.Set("db", db)
	params.Set("term", query)
	params.Set("retmax", strconv.Itoa(retmax))
	params.Set("retmode", "json")
	params.Set("sort", "relevance")

	data, err := c.get(ctx, "esearch.fcgi", params)
	if err != nil {
		return nil, err
	}
	var r esearchResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding esearch response: %w", err)
	}
	return r.Result.IDList, nil
}

type elinkResponse struct {
	LinkSets []struct {
		LinkSetDBs []struct {
			LinkName string   `json:"linkname"`
			Links    []string `json:"links"`
		} `json:"linksetdbs"`
	} `json:"linksets"`
}

// LinkPMC returns the PMC id (digits only) linked to a PubMed id, or "" when
// the article has no PMC full text.
func (c *Client) LinkPMC(ctx context.Context, pmid string) (string, error) {
	params := url.Values{}
	params.Set("dbfrom", "pubmed")
	params.Set("db", "pmc")
	params.Set("id", pmid)
	params.Set("retmode", "json")

	data, err := c.get(ctx, "elink.fcgi", params)
	if err != nil {
		return "", err
	}
	var r elinkResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return "", fmt.Errorf("decoding elink response: %w", err)
	}
	for _, ls := range r.LinkSets {
		for _, db := range ls.LinkSetDBs {
			if db.LinkName == "pubmed_pmc" && len(db.Links) > 0 {
				return db.Links[0], nil
			}
		}
	}
	return "", nil
}

// SearchPMC finds up to n PMC ids for a PubMed query. PubMed is searched for
// 3n candidates because many results have no open-access full text.
func (c *Client) SearchPMC(ctx context.Context, query string, n int) ([]string, error) {
	pmids, err := c.Search(ctx, "pubmed", query, n*3)
	if err != nil {
		return nil, fmt.Errorf("searching pubmed: %w", err)
	}

	var ids []string
	for _, pmid := range pmids {
		if len(ids) >= n {
			break
		}
		pmc, err := c.LinkPMC(ctx, pmid)
		if err != nil {
			if ctx.Err() != nil {
				return ids, ctx.Err()
			}
			continue
		}
		if pmc != "" {
			ids = append(ids, "PMC"+pmc)
		}
	}
	return ids, nil
}

// FetchPMC downloads the JATS XML of one article. digits is the numeric part
// of the PMC id. ErrNotFound is returned when Entrez has no such article.
func (c *Client) FetchPMC(ctx context.Context, digits string) ([]byte, error) {
	params := url.Values{}
	params.Set("db", "pmc")
	params.Set("id", digits)
	params.Set("rettype", "full")
	params.Set("retmode", "xml")

	data, err := c.get(ctx, "efetch.fcgi", params)
	if err != nil {
		return nil, err
	}
	if err := checkArticleSet(data); err != nil {
		return nil, err
	}
	return data, nil
}

// checkArticleSet scans the response for the first <article> or <error>.
func checkArticleSet(data []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	dec.CharsetReader = charset.NewReaderLabel
	sawElement := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		sawElement = true
		switch se.Name.Local {
		case "article":
			return nil
		case "error", "ERROR":
			return ErrNotFound
		}
	}
	if !sawElement {
		return fmt.Errorf("%w: no XML elements", ErrMalformed)
	}
	return ErrNotFound
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
