// Copyright © 2022 Alibaba Group Holding Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package distributionutil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/docker/distribution/registry/api/errcode"
	dockerTransport "github.com/docker/distribution/registry/client/transport"
	"github.com/pkg/errors"
)

const (
	defaultUserAgent = "mocker"
	// error bodies are only read for their message
	maxErrorBodySize = 64 << 10
)

// Client talks to a single registry over the v2 HTTP API.
type Client struct {
	config      Config
	registryURL *url.URL
	client      *http.Client
}

func NewClient(config Config) (*Client, error) {
	rurlStr := strings.TrimSuffix(config.RegistryURL, "/")
	if !strings.HasPrefix(rurlStr, "https://") && !strings.HasPrefix(rurlStr, "http://") {
		rurlStr = "https://" + rurlStr
	}
	rurl, err := url.Parse(rurlStr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid registry url %q", config.RegistryURL)
	}
	if rurl.Host == "" {
		return nil, errors.Errorf("invalid registry url %q: no host", config.RegistryURL)
	}
	if config.AuthURL != "" {
		if _, err = url.Parse(config.AuthURL); err != nil {
			return nil, errors.Wrapf(err, "invalid auth url %q", config.AuthURL)
		}
	}
	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}

	client := config.HTTPClient
	if client == nil {
		client = newHTTPClient(config.UserAgent)
	}

	return &Client{
		config:      config,
		registryURL: rurl,
		client:      client,
	}, nil
}

func newHTTPClient(userAgent string) *http.Client {
	direct := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           direct.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		MaxIdleConnsPerHost:   8,
	}
	headers := http.Header{}
	headers.Set("User-Agent", userAgent)

	// no overall timeout, blob bodies are as long as the layer is large
	return &http.Client{
		Transport: dockerTransport.NewTransport(base, dockerTransport.NewHeaderRequestModifier(headers)),
	}
}

func (c *Client) endpoint(repository string, parts ...string) string {
	u := *c.registryURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + repository + "/" + strings.Join(parts, "/")
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, rawURL string, token Token) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+string(token))
	}
	return req, nil
}

func closeBody(body io.ReadCloser) {
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBodySize))
	_ = body.Close()
}

// describeResponse renders a non-2xx response, using the registry's JSON
// error envelope when there is one.
func describeResponse(resp *http.Response) string {
	status := fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil || len(body) == 0 {
		return status
	}
	var errs errcode.Errors
	if err = json.Unmarshal(body, &errs); err == nil && errs.Len() > 0 {
		return fmt.Sprintf("%s: %s", status, strings.TrimSpace(errs.Error()))
	}
	return fmt.Sprintf("%s: %s", status, strings.TrimSpace(string(body)))
}

func isSuccess(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
