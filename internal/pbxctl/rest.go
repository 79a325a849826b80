package pbxctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/icholy/digest"
)

// ExternalMediaParams mirrors channels.externalMedia's request body.
type ExternalMediaParams struct {
	App            string `json:"app"`
	ExternalHost   string `json:"external_host"`
	Format         string `json:"format"`
	Transport      string `json:"transport"`
	Encapsulation  string `json:"encapsulation"`
	ConnectionType string `json:"connection_type"`
	Direction      string `json:"direction"`
}

// CreateBridge issues bridges.create.
func (c *Client) CreateBridge(ctx context.Context, bridgeType string) (*Bridge, error) {
	body, err := c.doREST(ctx, http.MethodPost, "/bridges?type="+bridgeType, nil)
	if err != nil {
		return nil, err
	}
	var br Bridge
	if err := json.Unmarshal(body, &br); err != nil {
		return nil, fmt.Errorf("pbxctl: decode bridge: %w", err)
	}
	return &br, nil
}

// GetBridge issues bridges.get.
func (c *Client) GetBridge(ctx context.Context, bridgeID string) (*Bridge, error) {
	body, err := c.doREST(ctx, http.MethodGet, "/bridges/"+bridgeID, nil)
	if err != nil {
		return nil, err
	}
	var br Bridge
	if err := json.Unmarshal(body, &br); err != nil {
		return nil, fmt.Errorf("pbxctl: decode bridge: %w", err)
	}
	return &br, nil
}

// DestroyBridge issues bridges.destroy.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	_, err := c.doREST(ctx, http.MethodDelete, "/bridges/"+bridgeID, nil)
	return err
}

// AddChannelToBridge issues bridges.addChannel.
func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	_, err := c.doREST(ctx, http.MethodPost, "/bridges/"+bridgeID+"/addChannel?channel="+channelID, nil)
	return err
}

// AnswerChannel answers a SIP leg.
func (c *Client) AnswerChannel(ctx context.Context, channelID string) error {
	_, err := c.doREST(ctx, http.MethodPost, "/channels/"+channelID+"/answer", nil)
	return err
}

// HangupChannel issues channels.hangup.
func (c *Client) HangupChannel(ctx context.Context, channelID string) error {
	_, err := c.doREST(ctx, http.MethodDelete, "/channels/"+channelID, nil)
	return err
}

// OriginateExternalMedia issues channels.externalMedia.
func (c *Client) OriginateExternalMedia(ctx context.Context, params ExternalMediaParams) (*Channel, error) {
	body, err := c.doREST(ctx, http.MethodPost, "/channels/externalMedia", params)
	if err != nil {
		return nil, err
	}
	var ch Channel
	if err := json.Unmarshal(body, &ch); err != nil {
		return nil, fmt.Errorf("pbxctl: decode channel: %w", err)
	}
	return &ch, nil
}

// ContinueInDialplan issues channels.continueInDialplan.
func (c *Client) ContinueInDialplan(ctx context.Context, channelID, dialplanContext, extension string, priority int) error {
	path := fmt.Sprintf("/channels/%s/continue?context=%s&extension=%s&priority=%d",
		channelID, dialplanContext, extension, priority)
	_, err := c.doREST(ctx, http.MethodPost, path, nil)
	return err
}

// doREST performs one authenticated REST call. It tries HTTP Basic first;
// if the PBX challenges with "401 WWW-Authenticate: Digest", it switches to
// RFC 7616 digest auth for this and every subsequent call on this Client.
func (c *Client) doREST(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var bodyBytes []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("pbxctl: encode request: %w", err)
		}
		bodyBytes = b
	}

	reqURL := strings.TrimSuffix(c.cfg.BaseURL, "/") + path

	do := func(useDigest bool) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, err
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if useDigest {
			return c.digestClient().Do(req)
		}
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
		return c.httpClient.Do(req)
	}

	c.mu.Lock()
	useDigest := c.useDigest
	c.mu.Unlock()

	resp, err := do(useDigest)
	if err != nil {
		return nil, fmt.Errorf("pbxctl: %s %s: %w", method, path, err)
	}

	if !useDigest && resp.StatusCode == http.StatusUnauthorized && strings.Contains(resp.Header.Get("WWW-Authenticate"), "Digest") {
		resp.Body.Close()
		c.mu.Lock()
		c.useDigest = true
		c.mu.Unlock()
		resp, err = do(true)
		if err != nil {
			return nil, fmt.Errorf("pbxctl: %s %s (digest retry): %w", method, path, err)
		}
	}

	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("pbxctl: %s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("pbxctl: %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	return data, nil
}

func (c *Client) digestClient() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.digest == nil {
		c.digest = &http.Client{
			Timeout: 10 * time.Second,
			Transport: &digest.Transport{
				Username: c.cfg.Username,
				Password: c.cfg.Password,
			},
		}
	}
	return c.digest
}
