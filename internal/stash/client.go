// Copyright (c) 2026 ccunniff
// SSH Key Enforcer - managed SSH key governance for Bitbucket Server
// This source code is licensed under the MIT license found in the LICENSE file.

// Package stash is a thin REST adapter for Bitbucket Server. It implements
// the engine's collaborator interfaces (native key store, access-grant
// index, user directory) against the host's HTTP API.
package stash

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ccunniff/ssh-key-enforcer-stash/internal/enforcer"
	"github.com/ccunniff/ssh-key-enforcer-stash/internal/model"
)

// defaultTimeout bounds every REST call; the engine does not override
// collaborator timeout policy.
const defaultTimeout = 30 * time.Second

// Client talks to a Bitbucket Server instance using a personal access token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a Client for the given base URL (e.g.
// "https://stash.example.com") and bearer token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// do performs a JSON round trip. A nil out discards the response body.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var errNotFound = fmt.Errorf("not found")

type sshKeyResponse struct {
	ID    int    `json:"id"`
	Text  string `json:"text"`
	Label string `json:"label"`
}

// AddForUser registers a public key for the user in Bitbucket's native key
// store and returns the key with its assigned id.
func (c *Client) AddForUser(ctx context.Context, user model.Principal, publicKey string) (*model.NativeKey, error) {
	var resp sshKeyResponse
	path := "/rest/ssh/1.0/keys?user=" + url.QueryEscape(user.Name)
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"text": publicKey}, &resp); err != nil {
		return nil, fmt.Errorf("add key for %s: %w", user, err)
	}
	return &model.NativeKey{ID: resp.ID, Text: resp.Text, Label: resp.Label}, nil
}

// Remove revokes a key at the native store. Bitbucket fires the
// key-removal event that re-enters the engine through ForgetDeletedKey.
func (c *Client) Remove(ctx context.Context, keyID int) error {
	path := fmt.Sprintf("/rest/ssh/1.0/keys/%d", keyID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil && err != errNotFound {
		return fmt.Errorf("remove key %d: %w", keyID, err)
	}
	return nil
}

type accessGrantPage struct {
	Values []struct {
		Repository *struct {
			ID int `json:"id"`
		} `json:"repository"`
		Project *struct {
			ID int `json:"id"`
		} `json:"project"`
	} `json:"values"`
}

// GrantsForKey returns the resource-level access grants referencing the
// key, bounded by the page request.
func (c *Client) GrantsForKey(ctx context.Context, keyID int, page enforcer.PageRequest) ([]model.AccessGrant, error) {
	var resp accessGrantPage
	path := fmt.Sprintf("/rest/keys/1.0/ssh/%d/permissions?start=%d&limit=%d", keyID, page.Start, page.Limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		if err == errNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("grants for key %d: %w", keyID, err)
	}
	grants := make([]model.AccessGrant, 0, len(resp.Values))
	for _, v := range resp.Values {
		grant := model.AccessGrant{KeyID: keyID}
		switch {
		case v.Repository != nil:
			grant.Resource = model.Resource{Kind: model.ResourceRepository, ID: v.Repository.ID}
		case v.Project != nil:
			grant.Resource = model.Resource{Kind: model.ResourceProject, ID: v.Project.ID}
		}
		grants = append(grants, grant)
	}
	return grants, nil
}

type userResponse struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// UserByName resolves a user by slug. Returns (nil, nil) when the user
// does not exist.
func (c *Client) UserByName(ctx context.Context, name string) (*model.Principal, error) {
	var resp userResponse
	path := "/rest/api/1.0/users/" + url.PathEscape(name)
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	if err == errNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", name, err)
	}
	return &model.Principal{ID: resp.ID, Name: resp.Name, DisplayName: resp.DisplayName}, nil
}

// UserByID resolves a user by numeric id. Returns (nil, nil) when the user
// no longer exists.
func (c *Client) UserByID(ctx context.Context, id int) (*model.Principal, error) {
	var resp userResponse
	path := fmt.Sprintf("/rest/api/1.0/admin/users/%d", id)
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	if err == errNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("user id %d: %w", id, err)
	}
	return &model.Principal{ID: resp.ID, Name: resp.Name, DisplayName: resp.DisplayName}, nil
}

type groupPage struct {
	Values []struct {
		Name string `json:"name"`
	} `json:"values"`
}

// GroupExists reports whether the named group is known to Bitbucket.
func (c *Client) GroupExists(ctx context.Context, name string) (bool, error) {
	var resp groupPage
	path := "/rest/api/1.0/admin/groups?filter=" + url.QueryEscape(name)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		if err == errNotFound {
			return false, nil
		}
		return false, fmt.Errorf("group %q: %w", name, err)
	}
	for _, g := range resp.Values {
		if g.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// IsUserInGroup reports whether the user is a member of the named group.
func (c *Client) IsUserInGroup(ctx context.Context, user model.Principal, group string) (bool, error) {
	var resp struct {
		Values []userResponse `json:"values"`
	}
	path := "/rest/api/1.0/admin/groups/more-members?context=" + url.QueryEscape(group) +
		"&filter=" + url.QueryEscape(user.Name)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		if err == errNotFound {
			return false, nil
		}
		return false, fmt.Errorf("membership of %s in %q: %w", user, group, err)
	}
	for _, v := range resp.Values {
		if v.Name == user.Name {
			return true, nil
		}
	}
	return false, nil
}
