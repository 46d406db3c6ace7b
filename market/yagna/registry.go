package yagna

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"
)

// DefaultRegistryURL is the public image registry.
const DefaultRegistryURL = "https://registry.golem.network"

type imageInfo struct {
	URL  string `json:"url"`
	SHA3 string `json:"sha3"`
}

// resolveImage turns an image tag into the task package descriptor providers
// download. Results are cached per client.
func (c *Client) resolveImage(ctx context.Context, tag string) (string, error) {
	c.mu.RLock()
	pkg, ok := c.images[tag]
	c.mu.RUnlock()
	if ok {
		return pkg, nil
	}

	info, err := fetchImageInfo(ctx, c.http, c.limiter, c.config.RegistryURL, tag)
	if err != nil {
		return "", err
	}
	pkg = fmt.Sprintf("hash:sha3:%s:%s", info.SHA3, info.URL)

	c.mu.Lock()
	c.images[tag] = pkg
	c.mu.Unlock()

	c.logger.Info("resolved image", "tag", tag, "url", info.URL)
	return pkg, nil
}

func fetchImageInfo(ctx context.Context, hc *http.Client, limiter *rate.Limiter, registryURL, tag string) (imageInfo, error) {
	if err := limiter.Wait(ctx); err != nil {
		return imageInfo{}, err
	}

	q := url.Values{}
	q.Set("tag", tag)
	q.Set("count", "true")
	target := strings.TrimRight(registryURL, "/") + "/v1/image/info?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return imageInfo{}, fmt.Errorf("failed to build registry request: %w", err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return imageInfo{}, fmt.Errorf("registry lookup for %s: %w", tag, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return imageInfo{}, fmt.Errorf("registry lookup for %s: status %d: %s", tag, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var info imageInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return imageInfo{}, fmt.Errorf("failed to decode registry response: %w", err)
	}
	if info.URL == "" || info.SHA3 == "" {
		return imageInfo{}, fmt.Errorf("registry returned an incomplete descriptor for %s", tag)
	}
	return info, nil
}
