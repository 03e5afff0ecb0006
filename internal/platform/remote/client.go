// Package remote talks to the national exchange: FHIR lookups and writes
// for ServiceRequest/ImagingStudy and the DICOM instance push endpoint.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/dicomrouter/router/internal/platform/apperr"
	"github.com/dicomrouter/router/internal/platform/fhir"
	"github.com/dicomrouter/router/internal/platform/telemetry"
)

const alreadyExistsMarker = "Instance already exists"

type Config struct {
	BaseURL        string
	FHIRPath       string
	DicomPath      string
	OrganizationID string
	Timeout        time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	OrderCacheTTL  time.Duration
}

// OrderRef identifies the remote ServiceRequest for an accession and the
// patient it is for.
type OrderRef struct {
	ServiceRequestID string
	PatientID        string
}

type PushResult int

const (
	PushStored PushResult = iota
	PushAlreadyExists
)

func (r PushResult) String() string {
	if r == PushAlreadyExists {
		return "already_exists"
	}
	return "stored"
}

type Client struct {
	cfg     Config
	http    *http.Client
	cache   *cache.Cache
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// New returns a client that authenticates every call with tokens.
func New(cfg Config, tokens oauth2.TokenSource, logger zerolog.Logger, metrics *telemetry.Metrics) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.OrderCacheTTL == 0 {
		cfg.OrderCacheTTL = 5 * time.Minute
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &oauth2.Transport{Source: tokens},
		},
		cache:   cache.New(cfg.OrderCacheTTL, 2*cfg.OrderCacheTTL),
		logger:  logger.With().Str("component", "remote").Logger(),
		metrics: metrics,
	}
}

func (c *Client) fhirURL(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + c.cfg.FHIRPath + path
}

func (c *Client) accessionQuery(resourceType, accession string) string {
	q := url.Values{}
	q.Set("identifier", fhir.SystemACSNPrefix+c.cfg.OrganizationID+"|"+accession)
	q.Set("_sort", "-_lastUpdated")
	q.Set("_count", "1")
	return c.fhirURL("/" + resourceType + "?" + q.Encode())
}

// FindOrderReference looks up the newest ServiceRequest for accession.
// Hits are cached for the configured TTL.
func (c *Client) FindOrderReference(ctx context.Context, accession string) (OrderRef, error) {
	const op = "remote.find_order"
	if v, ok := c.cache.Get("order:" + accession); ok {
		return v.(OrderRef), nil
	}

	var sr struct {
		fhir.Resource
		Subject fhir.Reference `json:"subject"`
	}
	found, err := c.searchFirst(ctx, op, c.accessionQuery("ServiceRequest", accession), &sr)
	if err != nil {
		return OrderRef{}, err
	}
	if !found {
		return OrderRef{}, apperr.NotFoundError(op, "ServiceRequest not found for accession "+accession)
	}
	ref := OrderRef{ServiceRequestID: sr.ID, PatientID: sr.Subject.ID()}
	if ref.ServiceRequestID == "" || ref.PatientID == "" {
		return OrderRef{}, apperr.RemoteCallError(op, errors.New("ServiceRequest without id or subject"))
	}
	c.cache.Set("order:"+accession, ref, cache.DefaultExpiration)
	return ref, nil
}

// FindExistingRecord returns the id of the newest ImagingStudy for
// accession, or "" when there is none.
func (c *Client) FindExistingRecord(ctx context.Context, accession string) (string, error) {
	var study fhir.Resource
	found, err := c.searchFirst(ctx, "remote.find_record", c.accessionQuery("ImagingStudy", accession), &study)
	if err != nil || !found {
		return "", err
	}
	return study.ID, nil
}

func (c *Client) searchFirst(ctx context.Context, op, u string, v interface{}) (bool, error) {
	status, body, err := c.do(ctx, op, retryServerErrors, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/fhir+json")
		return req, nil
	})
	if err != nil {
		return false, err
	}
	if status < 200 || status > 299 {
		return false, apperr.RemoteCallError(op, statusError(status, body))
	}
	var bundle fhir.Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return false, apperr.RemoteCallError(op, fmt.Errorf("decode bundle: %w", err))
	}
	found, err := bundle.First(v)
	if err != nil {
		return false, apperr.RemoteCallError(op, err)
	}
	return found, nil
}

// CreateRecord posts a new ImagingStudy and returns its id. Never retried.
func (c *Client) CreateRecord(ctx context.Context, study *fhir.ImagingStudy) (string, error) {
	return c.writeRecord(ctx, "remote.create_record", http.MethodPost, c.fhirURL("/ImagingStudy"), study)
}

// UpdateRecord replaces the ImagingStudy id. Never retried.
func (c *Client) UpdateRecord(ctx context.Context, id string, study *fhir.ImagingStudy) (string, error) {
	study.ID = id
	return c.writeRecord(ctx, "remote.update_record", http.MethodPut, c.fhirURL("/ImagingStudy/"+url.PathEscape(id)), study)
}

func (c *Client) writeRecord(ctx context.Context, op, method, u string, study *fhir.ImagingStudy) (string, error) {
	payload, err := json.Marshal(study)
	if err != nil {
		return "", apperr.RemoteCallError(op, fmt.Errorf("encode ImagingStudy: %w", err))
	}
	status, body, err := c.do(ctx, op, nil, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/fhir+json")
		req.Header.Set("Accept", "application/fhir+json")
		return req, nil
	})
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		return "", apperr.RemoteCallError(op, statusError(status, body))
	}
	var out fhir.Resource
	if err := json.Unmarshal(body, &out); err != nil {
		return "", apperr.RemoteCallError(op, fmt.Errorf("decode response: %w", err))
	}
	if out.ResourceType != "ImagingStudy" || out.ID == "" {
		return "", apperr.RemoteCallError(op, fmt.Errorf("unexpected %s response", out.ResourceType))
	}
	return out.ID, nil
}

// PushInstance uploads one Part-10 file linked to recordID.
func (c *Client) PushInstance(ctx context.Context, path, recordID string) (PushResult, error) {
	const op = "remote.push_instance"
	u := strings.TrimRight(c.cfg.BaseURL, "/") + c.cfg.DicomPath
	status, body, err := c.do(ctx, op, retryUnlessExists, func() (*http.Request, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, f)
		if err != nil {
			f.Close()
			return nil, err
		}
		if info, err := f.Stat(); err == nil {
			req.ContentLength = info.Size()
		}
		req.Header.Set("Content-Type", "application/dicom")
		req.Header.Set("Accept", "application/dicom+json")
		req.Header.Set("X-ImagingStudy-ID", recordID)
		return req, nil
	})
	if err != nil {
		return PushStored, err
	}
	if bytes.Contains(body, []byte(alreadyExistsMarker)) {
		return PushAlreadyExists, nil
	}
	if status < 200 || status > 299 {
		return PushStored, apperr.RemoteCallError(op, statusError(status, body))
	}
	return PushStored, nil
}

// MirrorEnabled reads the exchange's client-side mirror flag from dcm_cfg.
func (c *Client) MirrorEnabled(ctx context.Context) (bool, error) {
	const op = "remote.dcm_cfg"
	status, body, err := c.do(ctx, op, retryServerErrors, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fhirURL("/dcm_cfg"), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return false, err
	}
	if status < 200 || status > 299 {
		return false, apperr.RemoteCallError(op, statusError(status, body))
	}
	var cfg struct {
		ClientEnable bool `json:"SATUSEHAT_CLIENT_ENABLE"`
	}
	if err := json.Unmarshal(body, &cfg); err != nil {
		return false, apperr.RemoteCallError(op, fmt.Errorf("decode dcm_cfg: %w", err))
	}
	return cfg.ClientEnable, nil
}

// retryPolicy reports whether a rejected response is worth another attempt.
// A nil policy sends the request once.
type retryPolicy func(status int, body []byte) bool

func retryServerErrors(status int, _ []byte) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// retryUnlessExists retries like retryServerErrors, except for responses
// that already report the instance as stored.
func retryUnlessExists(status int, body []byte) bool {
	return retryServerErrors(status, body) && !bytes.Contains(body, []byte(alreadyExistsMarker))
}

// do sends the request built by build. With a retry policy, transport errors
// and the responses the policy accepts are retried with exponential backoff.
func (c *Client) do(ctx context.Context, op string, retry retryPolicy, build func() (*http.Request, error)) (int, []byte, error) {
	attempts := 1
	if retry != nil {
		attempts += c.cfg.MaxRetries
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			wait := c.cfg.RetryBackoff << (i - 1)
			select {
			case <-ctx.Done():
				return 0, nil, apperr.RemoteCallError(op, ctx.Err())
			case <-time.After(wait):
			}
		}

		req, err := build()
		if err != nil {
			return 0, nil, apperr.RemoteCallError(op, err)
		}
		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			c.metrics.RemoteCall(op, 0, time.Since(start))
			c.logger.Warn().Err(err).Str("op", op).Int("attempt", i+1).Msg("remote call failed")
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		c.metrics.RemoteCall(op, resp.StatusCode, time.Since(start))
		if err != nil {
			lastErr = fmt.Errorf("read body: %w", err)
			continue
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			c.logger.Warn().Str("op", op).Int("status", resp.StatusCode).Int("attempt", i+1).Msg("remote call rejected")
			lastErr = statusError(resp.StatusCode, body)
			if i+1 < attempts && retry(resp.StatusCode, body) {
				continue
			}
			return resp.StatusCode, body, nil
		}
		c.logger.Debug().Str("op", op).Int("status", resp.StatusCode).Dur("latency", time.Since(start)).Msg("remote call")
		return resp.StatusCode, body, nil
	}
	return 0, nil, apperr.RemoteCallError(op, lastErr)
}

func statusError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return errors.New("status " + strconv.Itoa(status) + ": " + msg)
}
