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
	"net/url"

	"github.com/pkg/errors"

	"github.com/sealerio/mocker/pkg/image/types"
)

const maxTokenSize = 1 << 20

// Token is an opaque bearer token scoped to one repository and action.
type Token string

type tokenResponse struct {
	Token string `json:"token"`
	// AccessToken is the OAuth2 spelling some registries return instead.
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	IssuedAt    string `json:"issued_at"`
}

// Scope formats the token scope for an action on a repository,
// e.g. repository:library/alpine:pull.
func Scope(repository, action string) string {
	return fmt.Sprintf("repository:%s:%s", repository, action)
}

// Authenticate asks the token endpoint for a bearer token. When no auth url
// is configured the registry is anonymous and the empty token is returned
// without any request.
func (c *Client) Authenticate(ctx context.Context, repository, action string) (Token, error) {
	if c.config.AuthURL == "" {
		return "", nil
	}

	u, err := url.Parse(c.config.AuthURL)
	if err != nil {
		return "", errors.Wrapf(types.ErrAuth, "invalid auth url %q: %v", c.config.AuthURL, err)
	}
	q := u.Query()
	if c.config.AuthService != "" {
		q.Set("service", c.config.AuthService)
	}
	q.Set("scope", Scope(repository, action))
	u.RawQuery = q.Encode()

	req, err := c.newRequest(ctx, u.String(), "")
	if err != nil {
		return "", errors.Wrapf(types.ErrAuth, "failed to build token request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", errors.Wrapf(types.ErrAuth, "failed to request token for %s: %v", repository, err)
	}
	defer closeBody(resp.Body)

	if !isSuccess(resp) {
		return "", errors.Wrapf(types.ErrAuth, "token request for %s rejected: %s", repository, describeResponse(resp))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenSize))
	if err != nil {
		return "", errors.Wrapf(types.ErrAuth, "failed to read token response for %s: %v", repository, err)
	}
	var tr tokenResponse
	if err = json.Unmarshal(body, &tr); err != nil {
		return "", errors.Wrapf(types.ErrAuth, "failed to decode token response for %s: %v", repository, err)
	}

	token := tr.Token
	if token == "" {
		token = tr.AccessToken
	}
	if token == "" {
		return "", errors.Wrapf(types.ErrAuth, "token response for %s carries no token", repository)
	}
	return Token(token), nil
}
