package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/decred/slog"
)

// ErrNotAttested is returned by FetchAttestation while the oracle has not
// yet published an outcome.
var ErrNotAttested = errors.New("event not yet attested")

// TransientError wraps failures worth retrying: connection errors and 5xx
// responses. Anything else from the oracle is treated as permanent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Client fetches announcements and attestations from oracles over HTTP.
type Client struct {
	scheme     string
	httpClient *http.Client
	retries    int
	log        slog.Logger
}

// NewClient returns a client using the given scheme ("https" outside of
// tests), per-request timeout and retry count for transient failures.
func NewClient(scheme string, timeout time.Duration, retries int, log slog.Logger) *Client {
	return &Client{
		scheme:     scheme,
		httpClient: &http.Client{Timeout: timeout},
		retries:    retries,
		log:        log,
	}
}

type rootResponse struct {
	AnnouncementKey B33    `json:"announcement_key"`
	AttestationKey  B33    `json:"attestation_key"`
	CurveID         string `json:"curve_id"`
}

type eventResponse struct {
	OutcomeTime     time.Time `json:"outcome_time"`
	Outcomes        []string  `json:"outcomes"`
	Nonce           B33       `json:"nonce"`
	AnnouncementSig []byte    `json:"announcement_sig"`
}

type attestationResponse struct {
	Outcome string `json:"outcome"`
	Scalar  B32    `json:"scalar"`
}

// FetchInfo performs the trust-on-first-use key fetch against the oracle
// root. The caller shows the returned keys to the user before storing them.
func (c *Client) FetchInfo(ctx context.Context, oracleID string) (*Info, error) {
	var root rootResponse
	if err := c.getJSON(ctx, fmt.Sprintf("%s://%s/", c.scheme, oracleID), &root); err != nil {
		return nil, err
	}
	if root.CurveID != "" && root.CurveID != CurveID {
		return nil, fmt.Errorf("oracle %s announces on curve %q, want %q", oracleID, root.CurveID, CurveID)
	}
	if _, err := root.AnnouncementKey.PubKey(); err != nil {
		return nil, fmt.Errorf("oracle %s announcement key: %w", oracleID, err)
	}
	if _, err := root.AttestationKey.PubKey(); err != nil {
		return nil, fmt.Errorf("oracle %s attestation key: %w", oracleID, err)
	}
	return &Info{
		ID:              oracleID,
		AnnouncementKey: root.AnnouncementKey,
		AttestationKey:  root.AttestationKey,
		CurveID:         CurveID,
	}, nil
}

// FetchEvent fetches and verifies an event announcement. The event path
// must begin with "/".
func (c *Client) FetchEvent(ctx context.Context, info *Info, path string) (*Event, error) {
	var resp eventResponse
	if err := c.getJSON(ctx, fmt.Sprintf("%s://%s%s", c.scheme, info.ID, path), &resp); err != nil {
		return nil, err
	}
	ev := &Event{
		OracleID:    info.ID,
		Path:        path,
		OutcomeTime: resp.OutcomeTime,
		Outcomes:    resp.Outcomes,
		Nonce:       resp.Nonce,
	}
	if err := ev.validate(); err != nil {
		return nil, err
	}
	if err := VerifyAnnouncement(info, ev, resp.AnnouncementSig); err != nil {
		return nil, err
	}
	return ev, nil
}

// FetchAttestation fetches the attestation for an event, returning
// ErrNotAttested while the oracle has not published one. The scalar is
// NOT verified here; callers must check it with VerifyAttestation before
// acting on it.
func (c *Client) FetchAttestation(ctx context.Context, info *Info, ev *Event) (*Attestation, error) {
	var resp attestationResponse
	url := fmt.Sprintf("%s://%s%s/attestation", c.scheme, info.ID, ev.Path)
	err := c.getJSON(ctx, url, &resp)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, ErrNotAttested
		}
		return nil, err
	}
	att := &Attestation{
		EventID: ev.ID(),
		Outcome: resp.Outcome,
		Scalar:  resp.Scalar,
	}
	return att, nil
}

var errNotFound = errors.New("not found")

// getJSON performs a GET with retries on transient failures.
func (c *Client) getJSON(ctx context.Context, url string, into interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			c.log.Debugf("retrying %s in %s (attempt %d): %v", url, backoff, attempt, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		lastErr = c.getJSONOnce(ctx, url, into)
		if lastErr == nil || !IsTransient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) getJSONOnce(ctx context.Context, url string, into interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("GET %s: %s", url, resp.Status)}
	default:
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransientError{Err: err}
	}
	if err := json.Unmarshal(body, into); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}
