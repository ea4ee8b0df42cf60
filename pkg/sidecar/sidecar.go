// Package sidecar implements HTTP clients for the three collaborator
// services the broker coordinates per submission: monitor, controller
// and visualizer. Grounded in
// original_source/broker/utils/framework/monitor.py and visualizer.py.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/jobbroker/pkg/brokererr"
)

// Client talks to one collaborator service (monitor, controller or
// visualizer) over HTTP.
type Client struct {
	baseURL string
	service string
	http    *http.Client
}

// New builds a Client for service ("monitoring", "controlling",
// "visualizing") rooted at baseURL.
func New(baseURL, service string) *Client {
	return &Client{
		baseURL: baseURL,
		service: service,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// StartPayload is the body sent to start a collaborator for a
// submission: plugin info and collect period. It carries no plugin
// name field.
type StartPayload struct {
	PluginInfo    map[string]interface{} `json:"plugin_info,omitempty"`
	CollectPeriod int                    `json:"collect_period,omitempty"`
}

// Start begins the collaborator's work for appID.
func (c *Client) Start(ctx context.Context, appID string, payload StartPayload) error {
	url := fmt.Sprintf("%s/%s/%s", c.baseURL, c.service, appID)
	resp, err := c.doJSON(ctx, http.MethodPost, url, payload)
	if err != nil {
		return brokererr.TransientCollaborator(err, "start %s for %s", c.service, appID)
	}
	defer resp.Body.Close()
	return nil
}

// Stop ends the collaborator's work for appID. Failures during
// teardown are non-fatal by contract — callers log and continue.
func (c *Client) Stop(ctx context.Context, appID string) error {
	url := fmt.Sprintf("%s/%s/%s/stop", c.baseURL, c.service, appID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, nil)
	if err != nil {
		return brokererr.TransientCollaborator(err, "build stop request for %s", c.service)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return brokererr.TransientCollaborator(err, "stop %s for %s", c.service, appID)
	}
	defer resp.Body.Close()
	return nil
}

// URL fetches the collaborator-reported URL for appID. Only
// meaningful for the visualizer.
func (c *Client) URL(ctx context.Context, appID string) (string, error) {
	url := fmt.Sprintf("%s/%s/%s", c.baseURL, c.service, appID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", brokererr.TransientCollaborator(err, "build url request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", brokererr.TransientCollaborator(err, "get %s url for %s", c.service, appID)
	}
	defer resp.Body.Close()

	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", brokererr.TransientCollaborator(err, "decode %s url response", c.service)
	}
	return body.URL, nil
}

// Report fetches the monitor's final report for appID, retrying until
// the response is 200 OK or 400 Bad Request.
func (c *Client) Report(ctx context.Context, appID string, detailed bool) ([]byte, error) {
	path := "report"
	if detailed {
		path = "report/detailed"
	}
	url := fmt.Sprintf("%s/monitoring/%s/%s", c.baseURL, appID, path)

	for {
		select {
		case <-ctx.Done():
			return nil, brokererr.TransientCollaborator(ctx.Err(), "report fetch canceled for %s", appID)
		default:
		}

		resp, err := c.http.Get(url)
		if err != nil {
			time.Sleep(time.Second)
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			time.Sleep(time.Second)
			continue
		}
		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusBadRequest {
			return body, nil
		}
		time.Sleep(time.Second)
	}
}

// InstallPlugin echoes a plugin installation request to the collaborator.
func (c *Client) InstallPlugin(ctx context.Context, source, pluginSource string) error {
	url := fmt.Sprintf("%s/plugins", c.baseURL)
	payload := map[string]string{
		"install_source": source,
		"plugin_source":  pluginSource,
	}
	resp, err := c.doJSON(ctx, http.MethodPost, url, payload)
	if err != nil {
		return brokererr.TransientCollaborator(err, "install plugin on %s", c.service)
	}
	defer resp.Body.Close()
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}
