// Package agent is the controller-side client for the reader bridge.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/service"
	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/types"
)

const (
	defaultTimeout       = 30 * time.Second
	defaultHealthTimeout = 3 * time.Second
)

// Config for New.
type Config struct {
	// BaseURL of the bridge, e.g. http://localhost:3001.
	BaseURL string

	// Timeout bounds every call except health checks.  It should exceed
	// the bridge's detection timeout plus write time.
	Timeout time.Duration

	// HealthTimeout bounds GET /health so an unreachable bridge is
	// reported quickly.
	HealthTimeout time.Duration
}

// Client talks to the bridge over HTTP.  It implements service.Agent.
type Client struct {
	rc            *resty.Client
	healthTimeout time.Duration
	logger        *zap.Logger
}

var _ service.Agent = (*Client)(nil)

func New(cfg Config, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid bridge url %q", cfg.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	healthTimeout := cfg.HealthTimeout
	if healthTimeout <= 0 {
		healthTimeout = defaultHealthTimeout
	}

	rc := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	rc.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		logger.Debug("bridge request", zap.String("method", req.Method), zap.String("url", req.URL))
		return nil
	})
	rc.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		fields := []zap.Field{
			zap.String("method", resp.Request.Method),
			zap.String("url", resp.Request.URL),
			zap.Int("status", resp.StatusCode()),
			zap.Duration("duration", resp.Time()),
		}
		if resp.IsError() {
			logger.Warn("bridge response", fields...)
		} else {
			logger.Debug("bridge response", fields...)
		}
		return nil
	})

	return &Client{rc: rc, healthTimeout: healthTimeout, logger: logger}, nil
}

// CheckAvailability distinguishes "bridge down" (Available=false) from
// "reader unplugged" (Available=true, ReaderConnected=false).
func (c *Client) CheckAvailability(ctx context.Context) types.Availability {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	var health types.BridgeHealthResponse
	resp, err := c.rc.R().SetContext(ctx).SetResult(&health).Get("/health")
	if err != nil {
		return types.Availability{Available: false, Detail: err.Error()}
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Availability{Available: false, Detail: fmt.Sprintf("bridge health returned %s", resp.Status())}
	}
	return types.Availability{Available: true, ReaderConnected: health.ReaderConnected}
}

// Encode programs one card with a payload the controller already built.
func (c *Client) Encode(ctx context.Context, req service.EncodeRequest) (service.EncodeResponse, error) {
	body := types.ProgramRequest{
		CardType: req.CardType,
		IssueID:  req.IssueID,
		HotelID:  req.HotelID,
		RoomID:   req.RoomID,
		Payload:  req.Payload,
	}

	var ok, failed types.ProgramResponse
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&ok).
		SetError(&failed).
		Post("/api/card/program")
	if err != nil {
		return service.EncodeResponse{}, fmt.Errorf("program card: %w", err)
	}

	if resp.IsError() {
		if failed.Error == "" && failed.Code == "" {
			return service.EncodeResponse{}, fmt.Errorf("program card: bridge returned %s", resp.Status())
		}
		return service.EncodeResponse{OK: false, Error: failed.Error, Code: failed.Code}, nil
	}
	if !ok.Success {
		return service.EncodeResponse{OK: false, Error: ok.Error, Code: ok.Code}, nil
	}
	return service.EncodeResponse{OK: true, Result: ok.Result}, nil
}

// ReaderStatus reports whether the bridge holds a reader handle.
func (c *Client) ReaderStatus(ctx context.Context) (types.ReaderStatusResponse, error) {
	var out types.ReaderStatusResponse
	err := c.call(ctx, http.MethodGet, "/api/reader/status", nil, &out)
	return out, err
}

// Reconnect asks the bridge to reopen the reader.
func (c *Client) Reconnect(ctx context.Context) (types.ReconnectResponse, error) {
	var out types.ReconnectResponse
	err := c.call(ctx, http.MethodPost, "/api/reader/reconnect", nil, &out)
	return out, err
}

// Detect waits for a card on the reader.  A timeout on the bridge side
// returns types.ErrCardDetectionTimeout.
func (c *Client) Detect(ctx context.Context) (types.DetectedCard, error) {
	var out types.DetectResponse
	if err := c.call(ctx, http.MethodPost, "/api/card/detect", nil, &out); err != nil {
		return types.DetectedCard{}, err
	}
	if !out.Success || out.Card == nil {
		return types.DetectedCard{}, fmt.Errorf("%w: %s", types.ErrorForCode(out.Code), out.Error)
	}
	return *out.Card, nil
}

// ProgramSequence has the bridge run all five cards itself.
func (c *Client) ProgramSequence(ctx context.Context, b types.Booking) (types.ProgramSequenceResponse, error) {
	var out types.ProgramSequenceResponse
	err := c.call(ctx, http.MethodPost, "/api/card/program-sequence",
		types.ProgramSequenceRequest{BookingData: types.BookingDataFrom(b)}, &out)
	return out, err
}

// Devices lists the HID devices the bridge can see.
func (c *Client) Devices(ctx context.Context) ([]types.Device, error) {
	var out types.DevicesResponse
	err := c.call(ctx, http.MethodGet, "/api/devices", nil, &out)
	return out.Devices, err
}

// call performs a JSON round trip.  Transport failures wrap
// types.ErrAgentUnavailable; error bodies map through the bridge code.
func (c *Client) call(ctx context.Context, method, path string, body, result any) error {
	var failed types.ErrorResponse
	req := c.rc.R().SetContext(ctx).SetResult(result).SetError(&failed)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", types.ErrAgentUnavailable, err)
	}
	if resp.IsError() {
		msg := failed.Error
		if msg == "" {
			msg = resp.Status()
		}
		return fmt.Errorf("%s %s: %w: %s", method, path, types.ErrorForCode(failed.Code), msg)
	}
	return nil
}
