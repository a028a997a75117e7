package melodix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/keshon/melodix/pkg/retrylimit"
)

const restAttemptTimeout = 15 * time.Second

// restClient issues authenticated HTTP calls to one audio server. One
// instance is owned by exactly one Node (§4.2).
type restClient struct {
	baseURL     string
	password    string
	retryAmount int
	httpClient  *http.Client
	limiter     *retrylimit.AdaptiveLimiter

	sessionID func() string
}

func newRESTClient(cfg NodeConfig, sessionID func() string) *restClient {
	return &restClient{
		baseURL:     cfg.restBaseURL(),
		password:    cfg.Password,
		retryAmount: cfg.RetryAmount,
		httpClient:  &http.Client{},
		limiter:     retrylimit.NewAdaptiveLimiter(5, 1, 20, 1, 0.5),
		sessionID:   sessionID,
	}
}

// request performs one logical call with the §4.2 retry policy: each attempt
// is capped at 15s wall clock; on timeout or connection refusal it tries again,
// making at most retryAmount attempts in all, with linear backoff
// 500ms*attempt; a non-network non-2xx response never retries.
func (c *restClient) request(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &ProtocolError{Msg: "encoding request body", Err: err}
		}
		bodyBytes = b
	}

	fullPath := path
	if len(query) > 0 {
		fullPath += "?" + query.Encode()
	}

	attempts := c.retryAmount
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		err := c.attempt(ctx, method, fullPath, bodyBytes, out)
		if err == nil {
			c.limiter.Success()
			return nil
		}

		if !isNetworkError(err) {
			// Non-network non-2xx responses never retry (§4.2).
			if re, ok := err.(*RequestError); ok && (re.Status == http.StatusTooManyRequests || re.Status >= 500) {
				c.limiter.RateLimited()
			}
			return err
		}

		c.limiter.RateLimited()
		lastErr = err

		if attempt == attempts {
			break
		}

		delay := 500 * time.Millisecond * time.Duration(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

// attempt performs exactly one HTTP round trip, bounded by the 15s per-attempt
// cap, and decodes the response into out on 2xx.
func (c *restClient) attempt(ctx context.Context, method, path string, body []byte, out any) error {
	attemptCtx, cancel := context.WithTimeout(ctx, restAttemptTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, c.baseURL+path, reader)
	if err != nil {
		return &ProtocolError{Msg: "building request", Err: err}
	}
	req.Header.Set("Authorization", c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Msg: fmt.Sprintf("%s %s", method, path), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Msg: "reading response body", Err: err}
	}

	if resp.StatusCode == http.StatusNotFound && isSessionScoped(path) {
		return &SessionError{Msg: "session or player not found", Code: resp.StatusCode}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reqErr := &RequestError{Method: method, Path: path, Status: resp.StatusCode}
		_ = json.Unmarshal(respBody, reqErr)
		return reqErr
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &ProtocolError{Msg: "decoding response body", Err: err}
		}
	}
	return nil
}

func isSessionScoped(path string) bool {
	return len(path) >= len("/v4/sessions/") && path[:len("/v4/sessions/")] == "/v4/sessions/"
}

func isNetworkError(err error) bool {
	switch err.(type) {
	case *TransportError:
		return true
	}
	if err == context.DeadlineExceeded {
		return true
	}
	return false
}

func (c *restClient) requireSession() (string, error) {
	sid := c.sessionID()
	if sid == "" {
		return "", &PreconditionError{Op: "rest request", Msg: "no active session id"}
	}
	return sid, nil
}

// Version calls GET /version.
func (c *restClient) Version(ctx context.Context) (string, error) {
	var out string
	// /version returns text/plain, not JSON; read it as raw bytes via a
	// dedicated small path rather than forcing it through request's decoder.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/version", nil)
	if err != nil {
		return "", &ProtocolError{Msg: "building request", Err: err}
	}
	req.Header.Set("Authorization", c.password)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &TransportError{Msg: "GET /version", Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Msg: "reading response body", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &RequestError{Method: "GET", Path: "/version", Status: resp.StatusCode}
	}
	out = string(body)
	return out, nil
}

// ServerInfo decodes GET /v4/info.
type ServerInfo struct {
	Version struct {
		Semver string `json:"semver"`
	} `json:"version"`
	SourceManagers []string `json:"sourceManagers"`
}

func (c *restClient) Info(ctx context.Context) (*ServerInfo, error) {
	var info ServerInfo
	if err := c.request(ctx, http.MethodGet, "/v4/info", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *restClient) Stats(ctx context.Context) (*NodeStats, error) {
	var stats NodeStats
	if err := c.request(ctx, http.MethodGet, "/v4/stats", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// LoadResult decodes the server's loadtracks response verbatim (§4.5).
type LoadResult struct {
	LoadType string          `json:"loadType"`
	Data     json.RawMessage `json:"data"`
}

func (c *restClient) LoadTracks(ctx context.Context, identifier string) (*LoadResult, error) {
	q := url.Values{"identifier": {identifier}}
	var res LoadResult
	if err := c.request(ctx, http.MethodGet, "/v4/loadtracks", q, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *restClient) DecodeTrack(ctx context.Context, encoded string) (*Track, error) {
	q := url.Values{"encodedTrack": {encoded}}
	var t Track
	if err := c.request(ctx, http.MethodGet, "/v4/decodetrack", q, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *restClient) DecodeTracks(ctx context.Context, encoded []string) ([]Track, error) {
	var tracks []Track
	if err := c.request(ctx, http.MethodPost, "/v4/decodetracks", nil, encoded, &tracks); err != nil {
		return nil, err
	}
	return tracks, nil
}

// sessionUpdate is the PATCH /v4/sessions/{sid} body (§6).
type sessionUpdate struct {
	Resuming *bool `json:"resuming,omitempty"`
	Timeout  *int  `json:"timeout,omitempty"`
}

func (c *restClient) UpdateSession(ctx context.Context, resuming bool, timeoutSeconds int) error {
	sid, err := c.requireSession()
	if err != nil {
		return err
	}
	body := sessionUpdate{Resuming: &resuming, Timeout: &timeoutSeconds}
	return c.request(ctx, http.MethodPatch, "/v4/sessions/"+sid, nil, body, nil)
}

// VoiceState is the PATCH player body's nested voice object (§4.4.3, §6).
type VoiceState struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
}

func (v VoiceState) complete() bool {
	return v.Token != "" && v.Endpoint != "" && v.SessionID != ""
}

// PlayerUpdate is the PATCH /v4/sessions/{sid}/players/{guildId} body.
// Pointer fields are omitted from the request when nil so partial updates
// (e.g. only volume) do not clobber other fields server-side.
type PlayerUpdate struct {
	EncodedTrack *string      `json:"encodedTrack,omitempty"`
	Position     *int64       `json:"position,omitempty"`
	EndTime      *int64       `json:"endTime,omitempty"`
	Paused       *bool        `json:"paused,omitempty"`
	Volume       *int         `json:"volume,omitempty"`
	Filters      any          `json:"filters,omitempty"`
	Voice        *VoiceState  `json:"voice,omitempty"`
}

// playerUpdateStop marshals encodedTrack as JSON null, which the Lavalink
// protocol uses to mean "stop playback", distinct from the field being
// entirely absent. encoding/json never emits a present field as null from a
// nil *string with omitempty, so this type exists specifically for that
// case.
type playerUpdateStop struct {
	EncodedTrack *string     `json:"encodedTrack"`
	Paused       *bool       `json:"paused,omitempty"`
}

func (c *restClient) GetPlayer(ctx context.Context, guildID string) (*playerState, error) {
	sid, err := c.requireSession()
	if err != nil {
		return nil, err
	}
	var state playerState
	if err := c.request(ctx, http.MethodGet, "/v4/sessions/"+sid+"/players/"+guildID, nil, nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *restClient) PatchPlayer(ctx context.Context, guildID string, update PlayerUpdate, noReplace bool) (*playerState, error) {
	sid, err := c.requireSession()
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	if noReplace {
		q.Set("noReplace", "true")
	}
	var state playerState
	if err := c.request(ctx, http.MethodPatch, "/v4/sessions/"+sid+"/players/"+guildID, q, update, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// StopPlayer issues {encodedTrack:null}, the defensive "stop" PATCH used by
// Player.Stop and queue progression's empty-queue branch.
func (c *restClient) StopPlayer(ctx context.Context, guildID string) error {
	sid, err := c.requireSession()
	if err != nil {
		return err
	}
	body := playerUpdateStop{EncodedTrack: nil}
	return c.request(ctx, http.MethodPatch, "/v4/sessions/"+sid+"/players/"+guildID, nil, body, nil)
}

// applyVoice issues the voice-only PATCH that completes the three-way voice
// handshake (§4.4 step 4).
func (c *restClient) applyVoice(ctx context.Context, guildID string, voice VoiceState) error {
	update := PlayerUpdate{Voice: &voice}
	_, err := c.PatchPlayer(ctx, guildID, update, false)
	return err
}

func (c *restClient) DeletePlayer(ctx context.Context, guildID string) error {
	sid, err := c.requireSession()
	if err != nil {
		return err
	}
	return c.request(ctx, http.MethodDelete, "/v4/sessions/"+sid+"/players/"+guildID, nil, nil, nil)
}

// playerState decodes the server's player object, returned by GET/PATCH.
type playerState struct {
	GuildID      string             `json:"guildId"`
	Track        *Track             `json:"track"`
	Volume       int                `json:"volume"`
	Paused       bool               `json:"paused"`
	State        PlayerUpdateState  `json:"state"`
	Voice        VoiceState         `json:"voice"`
}
