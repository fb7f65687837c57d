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
	"time"

	"github.com/dmitrijs2005/carelog/internal/common"
)

// HTTPStore talks to the record-store server over its JSON API.
type HTTPStore struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPStore builds a client for the given base URL authenticating with a
// bearer token.
func NewHTTPStore(baseURL, token string) *HTTPStore {
	return &HTTPStore{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// do performs one JSON round-trip. A nil in skips the request body; a nil
// out discards the response body.
func (s *HTTPStore) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(common.AccessTokenHeaderName, "Bearer "+s.token)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := statusToError(resp.StatusCode); err != nil {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %w: %s", method, path, err, bytes.TrimSpace(msg))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", common.ErrValidation, err)
		}
	}
	return nil
}

// statusToError maps HTTP status codes onto the shared error taxonomy.
func statusToError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return common.ErrNotFound
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return common.ErrUnauthorized
	case code == http.StatusConflict:
		return common.ErrConflict
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		return common.ErrValidation
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return common.ErrUnavailable
	default:
		return common.ErrUnavailable
	}
}

func (s *HTTPStore) EnsureZone(ctx context.Context, zoneID string) error {
	return s.do(ctx, http.MethodPut, "/api/zones/"+url.PathEscape(zoneID), nil, nil)
}

func (s *HTTPStore) DeleteZone(ctx context.Context, zoneID string) error {
	return s.do(ctx, http.MethodDelete, "/api/zones/"+url.PathEscape(zoneID), nil, nil)
}

func (s *HTTPStore) SaveRecords(ctx context.Context, zoneID string, records []Record) error {
	in := struct {
		Records []Record `json:"records"`
	}{Records: records}
	return s.do(ctx, http.MethodPost, "/api/zones/"+url.PathEscape(zoneID)+"/records", in, nil)
}

func (s *HTTPStore) DeleteRecords(ctx context.Context, zoneID string, names []string) error {
	in := struct {
		Names []string `json:"names"`
	}{Names: names}
	return s.do(ctx, http.MethodPost, "/api/zones/"+url.PathEscape(zoneID)+"/records/delete", in, nil)
}

func (s *HTTPStore) FetchRecord(ctx context.Context, zoneID, name string) (*Record, error) {
	var rec Record
	path := "/api/zones/" + url.PathEscape(zoneID) + "/records/" + url.PathEscape(name)
	if err := s.do(ctx, http.MethodGet, path, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *HTTPStore) Changes(ctx context.Context, zoneID, sinceToken string) (*ChangeBatch, error) {
	var batch ChangeBatch
	path := "/api/zones/" + url.PathEscape(zoneID) + "/changes"
	if sinceToken != "" {
		path += "?since=" + url.QueryEscape(sinceToken)
	}
	if err := s.do(ctx, http.MethodGet, path, nil, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

func (s *HTTPStore) CreateShare(ctx context.Context, zoneID, rootRecord string) (*Share, error) {
	in := struct {
		RootRecord string `json:"root_record"`
	}{RootRecord: rootRecord}
	var share Share
	if err := s.do(ctx, http.MethodPost, "/api/zones/"+url.PathEscape(zoneID)+"/shares", in, &share); err != nil {
		return nil, err
	}
	return &share, nil
}

func (s *HTTPStore) ResolveShare(ctx context.Context, shareID string) (*Share, error) {
	var share Share
	if err := s.do(ctx, http.MethodGet, "/api/shares/"+url.PathEscape(shareID), nil, &share); err != nil {
		return nil, err
	}
	return &share, nil
}

func (s *HTTPStore) DeleteShare(ctx context.Context, shareID string) error {
	return s.do(ctx, http.MethodDelete, "/api/shares/"+url.PathEscape(shareID), nil, nil)
}

func (s *HTTPStore) AcceptShare(ctx context.Context, inviteToken string) (*Share, error) {
	in := struct {
		InviteToken string `json:"invite_token"`
	}{InviteToken: inviteToken}
	var share Share
	if err := s.do(ctx, http.MethodPost, "/api/shares/accept", in, &share); err != nil {
		return nil, err
	}
	return &share, nil
}

func (s *HTTPStore) UpdateParticipant(ctx context.Context, shareID, participantID, permission string) error {
	in := struct {
		Permission string `json:"permission"`
	}{Permission: permission}
	path := "/api/shares/" + url.PathEscape(shareID) + "/participants/" + url.PathEscape(participantID)
	err := s.do(ctx, http.MethodPatch, path, in, nil)
	return participantError(err)
}

func (s *HTTPStore) RemoveParticipant(ctx context.Context, shareID, participantID string) error {
	path := "/api/shares/" + url.PathEscape(shareID) + "/participants/" + url.PathEscape(participantID)
	err := s.do(ctx, http.MethodDelete, path, nil, nil)
	return participantError(err)
}

// participantError narrows a generic not-found on a participant endpoint to
// the participant-specific condition callers are told to expect.
func participantError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, common.ErrNotFound) {
		return common.ErrParticipantNotFound
	}
	return err
}

func (s *HTTPStore) EnsureSubscription(ctx context.Context, scope, subscriptionID string) (string, error) {
	in := struct {
		SubscriptionID string `json:"subscription_id"`
	}{SubscriptionID: subscriptionID}
	var out struct {
		SubscriptionID string `json:"subscription_id"`
	}
	if err := s.do(ctx, http.MethodPut, "/api/subscriptions/"+url.PathEscape(scope), in, &out); err != nil {
		return "", err
	}
	return out.SubscriptionID, nil
}
