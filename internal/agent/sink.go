package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/pqrelay/internal/observability"
	"github.com/rs/zerolog"
)

var ErrSinkStatus = errors.New("agent: sink rejected message")

// Sink posts finished sub-service messages to the external HTTP collector as a form with
// a single field.
type Sink struct {
	url    string
	field  string
	client *http.Client
	log    zerolog.Logger
}

func NewSink(rawURL, field string, timeout time.Duration) *Sink {
	if field == "" {
		field = "msg"
	}
	return &Sink{
		url:    rawURL,
		field:  field,
		client: &http.Client{Timeout: timeout, Transport: http.DefaultTransport.(*http.Transport).Clone()},
		log:    observability.Logger("agent.sink"),
	}
}

func (s *Sink) Enabled() bool {
	return s != nil && strings.TrimSpace(s.url) != ""
}

// Post submits msg once. Failures are returned for logging; the caller never retries.
func (s *Sink) Post(ctx context.Context, route byte, msg []byte) error {
	form := url.Values{s.field: {string(msg)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, strings.NewReader(form.Encode()))
	if err != nil {
		observability.RecordSinkPost(route, false)
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		observability.RecordSinkPost(route, false)
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	s.log.Debug().Int("status", resp.StatusCode).Str("route", string(route)).Msg("agent.Sink HTTP post returned status")
	if resp.StatusCode >= http.StatusMultipleChoices {
		observability.RecordSinkPost(route, false)
		return fmt.Errorf("%w: %s", ErrSinkStatus, resp.Status)
	}
	observability.RecordSinkPost(route, true)
	return nil
}

// Close releases idle sink connections.
func (s *Sink) Close() {
	s.client.CloseIdleConnections()
}
