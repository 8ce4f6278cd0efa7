package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"messaging-service/internal/apperr"
	"messaging-service/internal/models"
)

// doJSON performs one REST call and decodes the response into out when it is non-nil.
// Error statuses are mapped back onto apperr kinds.
func (a *Adapter) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return apperr.Transient(method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return statusError(resp.StatusCode, payload.Message)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(status int, message string) error {
	if message == "" {
		message = http.StatusText(status)
	}
	switch {
	case status == http.StatusBadRequest:
		return apperr.Validation(message)
	case status == http.StatusForbidden:
		return apperr.Forbidden(message)
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", message, apperr.ErrNotFound)
	case status == http.StatusServiceUnavailable:
		return apperr.Transient("request", fmt.Errorf("%d %s", status, message))
	}
	return fmt.Errorf("unexpected status %d: %s", status, message)
}

func sortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
