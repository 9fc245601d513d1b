// Copyright 2026 The Brood Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/brood-sh/brood"
)

// Client is a programmatic consumer of the monitoring API.  It caches the
// last health view by Etag so that Watch calls can long-poll for changes
// without re-transferring unchanged state.
type Client struct {
	base   string
	client *http.Client

	lock      sync.Mutex
	health    *HealthInfo
	healthTag string
}

// NewClient returns a client for the API rooted at baseURI.  A nil
// http.Client means http.DefaultClient; pass your own to control TLS or
// timeouts.
func NewClient(hc *http.Client, baseURI string) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		base:   strings.TrimRight(baseURI, "/"),
		client: hc,
	}
}

// Health fetches the current aggregate health.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	v := &HealthInfo{}
	tag, err := c.get(ctx, c.base+"/cluster/health", "", 0, v)
	if err != nil {
		return nil, err
	}
	c.lock.Lock()
	if tag != "" {
		c.health, c.healthTag = v, tag
	} else {
		v = c.health
	}
	c.lock.Unlock()
	return v, nil
}

// WatchHealth long-polls until the pool state changes from the last view
// this client saw, for up to the server's poll limit, and returns the new
// health.  It degrades to a plain fetch when nothing is cached yet.
func (c *Client) WatchHealth(ctx context.Context) (*HealthInfo, error) {
	c.lock.Lock()
	tag := c.healthTag
	c.lock.Unlock()
	if tag == "" {
		return c.Health(ctx)
	}
	v := &HealthInfo{}
	newTag, err := c.get(ctx, c.base+"/cluster/health", tag, 300, v)
	if err != nil {
		return nil, err
	}
	c.lock.Lock()
	if newTag != "" {
		c.health, c.healthTag = v, newTag
	} else {
		v = c.health
	}
	c.lock.Unlock()
	return v, nil
}

// Stats fetches the per-slot and supervisor statistics.
func (c *Client) Stats(ctx context.Context) (*ClusterStats, error) {
	v := &ClusterStats{}
	if _, err := c.get(ctx, c.base+"/cluster/stats", "", 0, v); err != nil {
		return nil, err
	}
	return v, nil
}

// Log fetches the retained log records.
func (c *Client) Log(ctx context.Context) ([]brood.LogRecord, error) {
	var recs []brood.LogRecord
	if _, err := c.get(ctx, c.base+"/cluster/log", "", 0, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// RestartFailed re-arms every FAILED slot, returning how many.
func (c *Client) RestartFailed(ctx context.Context) (int, error) {
	return c.postRestart(ctx, c.base+"/cluster/restart")
}

// RestartSlot restarts one slot regardless of its state.
func (c *Client) RestartSlot(ctx context.Context, slot int) error {
	_, err := c.postRestart(ctx, c.base+"/cluster/restart/"+strconv.Itoa(slot))
	return err
}

// get issues a GET, optionally conditional on etag and optionally long
// polling for wait seconds.  An empty returned etag means 304: the value
// did not change and v was not touched.
func (c *Client) get(ctx context.Context, url, etag string, wait int, v interface{}) (string, error) {
	req, e := http.NewRequestWithContext(ctx, "GET", url, nil)
	if e != nil {
		return "", e
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
		if wait > 0 {
			req.Header.Set(PollEtagHeader, etag)
			req.Header.Set(PollTimeHeader, strconv.Itoa(wait))
		}
	}
	res, e := c.client.Do(req)
	if e != nil {
		return "", e
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotModified {
		return "", nil
	}
	if res.StatusCode != http.StatusOK {
		return "", &Error{Code: res.StatusCode, Message: res.Status}
	}
	body, e := io.ReadAll(res.Body)
	if e != nil {
		return "", e
	}
	if e := json.Unmarshal(body, v); e != nil {
		return "", e
	}
	return res.Header.Get("Etag"), nil
}

func (c *Client) postRestart(ctx context.Context, url string) (int, error) {
	req, e := http.NewRequestWithContext(ctx, "POST", url, strings.NewReader(""))
	if e != nil {
		return 0, e
	}
	res, e := c.client.Do(req)
	if e != nil {
		return 0, e
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return 0, &Error{Code: res.StatusCode, Message: res.Status}
	}
	v := &RestartResult{}
	if e := json.NewDecoder(res.Body).Decode(v); e != nil {
		return 0, e
	}
	return v.Restarted, nil
}
