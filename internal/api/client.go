// Package api is a client for the Quilt cloud gRPC services. It speaks the
// gRPC wire protocol directly over HTTP/2: unary calls POST one framed
// message, and the notifier subscription is a server stream read frame by
// frame off the response body.
package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/http2"

	"quilt-bridge/internal/auth"
	"quilt-bridge/internal/hds"
	"quilt-bridge/internal/protowire"
)

const (
	DefaultHost = "api.prod.quilt.cloud:443"

	// The cloud rejects unknown clients, so the official app's agent is
	// presented.
	userAgent = "grpc-swift-nio/1.26.0"

	methodListSystems          = "/core.protos.app.SystemInformationService/ListSystems"
	methodGetEnergyMetrics     = "/core.protos.app.SystemInformationService/GetEnergyMetrics"
	methodGetSystem            = "/core.protos.home_datastore.HomeDatastoreService/GetHomeDatastoreSystem"
	methodUpdateSpace          = "/core.protos.home_datastore.HomeDatastoreService/UpdateSpace"
	methodUpdateIndoorUnit     = "/core.protos.home_datastore.HomeDatastoreService/UpdateIndoorUnit"
	methodUpdateComfortSetting = "/core.protos.home_datastore.HomeDatastoreService/UpdateComfortSetting"
	methodSubscribe            = "/core.protos.notifier.NotifierService/Subscribe"
	methodPublish              = "/core.protos.notifier.NotifierService/Publish"
)

// gRPC status codes the bridge branches on.
const (
	CodeOK                 = 0
	CodeInvalidArgument    = 3
	CodeNotFound           = 5
	CodeFailedPrecondition = 9
	CodeUnavailable        = 14
	CodeUnauthenticated    = 16
)

// Error is a non-OK gRPC status from the cloud.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc status %d: %s", e.Code, e.Message)
}

// IsStatus reports whether err is a gRPC status error with the given code.
func IsStatus(err error, code int) bool {
	var se *Error
	return errors.As(err, &se) && se.Code == code
}

// Client issues calls against one Quilt cloud host.
type Client struct {
	host   string
	http   *http.Client
	tokens auth.TokenSource
	log    *slog.Logger
}

// NewClient creates a client. httpClient may be nil, in which case an
// HTTP/2 transport over TLS is used.
func NewClient(host string, tokens auth.TokenSource, httpClient *http.Client, log *slog.Logger) *Client {
	if host == "" {
		host = DefaultHost
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http2.Transport{
				DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
					d := tls.Dialer{Config: cfg, NetDialer: &net.Dialer{Timeout: 15 * time.Second}}
					return d.DialContext(ctx, network, addr)
				},
				ReadIdleTimeout: 30 * time.Second,
				PingTimeout:     15 * time.Second,
			},
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{host: host, http: httpClient, tokens: tokens, log: log}
}

func (c *Client) newRequest(ctx context.Context, method string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+c.host+method, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/grpc+proto")
	req.Header.Set("TE", "trailers")
	req.Header.Set("User-Agent", userAgent)

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	req.Header.Set("Authorization", token)
	return req, nil
}

// statusError extracts the gRPC status from a finished response. The status
// arrives in trailers, or in headers on trailers-only responses.
func statusError(resp *http.Response) error {
	code := resp.Trailer.Get("Grpc-Status")
	msg := resp.Trailer.Get("Grpc-Message")
	if code == "" {
		code = resp.Header.Get("Grpc-Status")
		msg = resp.Header.Get("Grpc-Message")
	}
	if code == "" {
		return fmt.Errorf("missing grpc-status (http %d)", resp.StatusCode)
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return fmt.Errorf("malformed grpc-status %q", code)
	}
	if n == CodeOK {
		return nil
	}
	if decoded, err := url.QueryUnescape(msg); err == nil {
		msg = decoded
	}
	return &Error{Code: n, Message: msg}
}

// unary performs one request/response call and returns the decoded message.
func (c *Client) unary(ctx context.Context, method string, msg []byte) ([]byte, error) {
	req, err := c.newRequest(ctx, method, bytes.NewReader(appendFrame(nil, msg)))
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("call %s: http %d", method, resp.StatusCode)
	}

	out, err := readFrame(resp.Body)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	// Drain to EOF so trailers become visible.
	io.Copy(io.Discard, resp.Body)

	if serr := statusError(resp); serr != nil {
		return nil, fmt.Errorf("call %s: %w", method, serr)
	}
	return out, nil
}

// ListSystems returns the systems visible to the account.
func (c *Client) ListSystems(ctx context.Context) ([]hds.SystemInfo, error) {
	resp, err := c.unary(ctx, methodListSystems, nil)
	if err != nil {
		return nil, err
	}
	return hds.ParseListSystemsResponse(resp)
}

// GetSystem fetches the full datastore snapshot for one system.
func (c *Client) GetSystem(ctx context.Context, systemID string) (*hds.System, error) {
	resp, err := c.unary(ctx, methodGetSystem, hds.EncodeGetSystemRequest(systemID))
	if err != nil {
		return nil, err
	}
	sys, err := hds.ParseSystemResponse(resp)
	if err != nil {
		return nil, err
	}
	if sys.SystemID == "" {
		sys.SystemID = systemID
	}
	return sys, nil
}

// GetEnergyMetrics fetches per-space energy buckets for a time window.
func (c *Client) GetEnergyMetrics(ctx context.Context, systemID string, start, end time.Time, resolution int) ([]hds.SpaceEnergy, error) {
	resp, err := c.unary(ctx, methodGetEnergyMetrics, hds.EncodeEnergyMetricsRequest(systemID, start, end, resolution))
	if err != nil {
		return nil, err
	}
	return hds.ParseEnergyMetricsResponse(resp)
}

// UpdateSpace pushes new space controls. The update message is wrapped as
// field 1 of the RPC request.
func (c *Client) UpdateSpace(ctx context.Context, space *hds.Space, upd hds.SpaceControlsUpdate) error {
	body := protowire.AppendBytes(nil, 1, hds.EncodeSpaceUpdate(space, upd))
	_, err := c.unary(ctx, methodUpdateSpace, body)
	return err
}

// UpdateIndoorUnit pushes new indoor unit controls.
func (c *Client) UpdateIndoorUnit(ctx context.Context, iu *hds.IndoorUnit, upd hds.IndoorUnitControlsUpdate) error {
	body := protowire.AppendBytes(nil, 1, hds.EncodeIndoorUnitUpdate(iu, upd))
	_, err := c.unary(ctx, methodUpdateIndoorUnit, body)
	return err
}

// UpdateComfortSetting pushes new comfort setting attributes.
func (c *Client) UpdateComfortSetting(ctx context.Context, cs *hds.ComfortSetting, upd hds.ComfortSettingUpdate) error {
	body := protowire.AppendBytes(nil, 1, hds.EncodeComfortSettingUpdate(cs, upd))
	_, err := c.unary(ctx, methodUpdateComfortSetting, body)
	return err
}

// PublishHeartbeat tells the notifier this client is still listening.
func (c *Client) PublishHeartbeat(ctx context.Context, systemID string) error {
	body := hds.EncodePublishRequest([]hds.PublishEvent{{Topic: hds.HeartbeatTopic(systemID)}})
	_, err := c.unary(ctx, methodPublish, body)
	return err
}

// EventStream is an open notifier subscription.
type EventStream struct {
	body   io.ReadCloser
	cancel context.CancelFunc
}

// Recv blocks for the next event payload. It returns io.EOF when the server
// closes the stream.
func (s *EventStream) Recv() ([]byte, error) {
	return readFrame(s.body)
}

// Close tears down the stream.
func (s *EventStream) Close() error {
	s.cancel()
	return s.body.Close()
}

// Subscribe opens a notifier stream for the given topics. The request is a
// single framed message with the send side half-closed, which the notifier
// accepts even though the method is declared bidirectional.
func (c *Client) Subscribe(ctx context.Context, topics []string) (*EventStream, error) {
	ctx, cancel := context.WithCancel(ctx)

	msg := hds.EncodeSubscribeRequest(hds.SubscribeAppend, topics)
	req, err := c.newRequest(ctx, methodSubscribe, bytes.NewReader(appendFrame(nil, msg)))
	if err != nil {
		cancel()
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("subscribe: http %d", resp.StatusCode)
	}
	if code := resp.Header.Get("Grpc-Status"); code != "" && code != "0" {
		err := statusError(resp)
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	c.log.Debug("notifier stream opened", "topics", len(topics))
	return &EventStream{body: resp.Body, cancel: cancel}, nil
}

