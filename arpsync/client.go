package arpsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/atahubbr/atahub_backend/models"
	"github.com/atahubbr/atahub_backend/utils"
)

const (
	arpListPath = "/modulo-arp/1_consultarARP"
	arpItemPath = "/modulo-arp/2_consultarARPItem"
)

// Failure is the terminal outcome of an upstream request: retries exhausted,
// or a response that must not be retried.
type Failure struct {
	Category string
	Message  string
	Attempts int

	retryable  bool
	retryAfter time.Duration
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %s", f.Category, f.Attempts, f.Message)
}

// pageEnvelope is the pagination wrapper every compras.gov.br list endpoint
// returns.
type pageEnvelope struct {
	Items          []json.RawMessage `json:"resultado"`
	TotalRecords   int               `json:"totalRegistros"`
	TotalPages     int               `json:"totalPaginas"`
	PagesRemaining int               `json:"paginasRestantes"`
}

type comprasClient struct {
	baseURL     string
	http        *http.Client
	limiter     Limiter
	pageSize    int
	maxAttempts int
	backoffBase time.Duration
	logger      *logrus.Logger
	rnd         func() float64
}

func newComprasClient(cfg runConfig, limiter Limiter, logger *logrus.Logger) *comprasClient {
	baseURL := strings.TrimSpace(os.Getenv("ARP_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://dadosabertos.compras.gov.br"
	}
	return &comprasClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        &http.Client{Timeout: 30 * time.Second},
		limiter:     limiter,
		pageSize:    cfg.PageSize,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: time.Duration(cfg.BackoffBaseMs) * time.Millisecond,
		logger:      logger,
		rnd:         rand.Float64,
	}
}

// getPage runs one rate-limited GET with retries. 5xx and transport errors
// back off exponentially with jitter; 429 sleeps the server's Retry-After;
// other 4xx and undecodable bodies fail on the first attempt.
func (c *comprasClient) getPage(ctx context.Context, path string, params url.Values) (pageEnvelope, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	var last *Failure
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.limiter.Acquire(ctx); err != nil {
			return pageEnvelope{}, err
		}

		env, failure := c.doAttempt(ctx, endpoint)
		if failure == nil {
			return env, nil
		}
		if ctx.Err() != nil {
			return pageEnvelope{}, ctx.Err()
		}
		failure.Attempts = attempt
		last = failure

		if !failure.retryable || attempt == c.maxAttempts {
			break
		}

		var wait time.Duration
		if failure.retryAfter > 0 {
			wait = failure.retryAfter
		} else {
			jitter := 0.5 + c.rnd()
			wait = time.Duration(float64(c.backoffBase) * math.Pow(2, float64(attempt-1)) * jitter)
		}
		fields := logrus.Fields{
			"endpoint": path,
			"attempt":  attempt,
			"category": failure.Category,
			"wait":     wait.String(),
		}
		if runId, ok := utils.GetIngestRunIdFromContext(ctx); ok {
			fields["run_id"] = runId
		}
		c.logger.WithFields(fields).Warn("upstream request failed; retrying")
		if err := sleepCtx(ctx, wait); err != nil {
			return pageEnvelope{}, err
		}
	}
	return pageEnvelope{}, last
}

func (c *comprasClient) doAttempt(ctx context.Context, endpoint string) (pageEnvelope, *Failure) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return pageEnvelope{}, &Failure{Category: models.ErrCategoryUpstreamClient, Message: err.Error()}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return pageEnvelope{}, &Failure{Category: models.ErrCategoryTransientNetwork, Message: err.Error(), retryable: true}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return pageEnvelope{}, &Failure{
			Category:   models.ErrCategoryRateLimited,
			Message:    fmt.Sprintf("upstream 429: %s", strings.TrimSpace(string(body))),
			retryable:  true,
			retryAfter: retryAfterDelay(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return pageEnvelope{}, &Failure{
			Category:  models.ErrCategoryTransientNetwork,
			Message:   fmt.Sprintf("upstream %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			retryable: true,
		}
	case resp.StatusCode >= 400:
		return pageEnvelope{}, &Failure{
			Category: models.ErrCategoryUpstreamClient,
			Message:  fmt.Sprintf("upstream %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var parsed pageEnvelope
	if err := json.Unmarshal(body, &parsed); err != nil {
		return pageEnvelope{}, &Failure{
			Category: models.ErrCategoryUpstreamClient,
			Message:  fmt.Sprintf("undecodable response: %v", err),
		}
	}
	return parsed, nil
}

func (c *comprasClient) fetchArpsPage(ctx context.Context, dateStart, dateEnd time.Time, page int) (pageEnvelope, error) {
	params := url.Values{}
	params.Set("dataVigenciaInicialMin", dateStart.Format("2006-01-02"))
	params.Set("dataVigenciaInicialMax", dateEnd.Format("2006-01-02"))
	params.Set("pagina", strconv.Itoa(page))
	params.Set("tamanhoPagina", strconv.Itoa(c.pageSize))
	return c.getPage(ctx, arpListPath, params)
}

// fetchArpItemsPage queries the item endpoint for one record. The endpoint
// keys on purchase number + managing unit, narrowed to the record's exact
// validity start so sibling records of the same purchase don't bleed in.
func (c *comprasClient) fetchArpItemsPage(ctx context.Context, purchaseNumber, uasg string, validityStart *time.Time, page int) (pageEnvelope, error) {
	params := url.Values{}
	params.Set("numeroCompra", purchaseNumber)
	params.Set("codigoUnidadeGerenciadora", uasg)
	if validityStart != nil {
		params.Set("dataVigenciaInicialMin", validityStart.Format("2006-01-02"))
		params.Set("dataVigenciaInicialMax", validityStart.Format("2006-01-02"))
	}
	params.Set("pagina", strconv.Itoa(page))
	params.Set("tamanhoPagina", strconv.Itoa(c.pageSize))
	return c.getPage(ctx, arpItemPath, params)
}

func (c *comprasClient) fetchAllArpItems(ctx context.Context, purchaseNumber, uasg string, validityStart *time.Time) ([]json.RawMessage, error) {
	var out []json.RawMessage
	page := 1
	for {
		env, err := c.fetchArpItemsPage(ctx, purchaseNumber, uasg, validityStart, page)
		if err != nil {
			return nil, err
		}
		if len(env.Items) == 0 {
			break
		}
		out = append(out, env.Items...)
		if env.TotalPages > 0 && page >= env.TotalPages {
			break
		}
		page++
	}
	return out, nil
}

func retryAfterDelay(header string) time.Duration {
	if v := strings.TrimSpace(header); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 5 * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
