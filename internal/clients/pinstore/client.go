// Package pinstore is the content-addressed pin upstream boundary. Evidence
// bundles go in as JSON, a cid comes back; identical bytes yield the
// identical cid, which the bundler relies on for idempotent publishes.
package pinstore

import (
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"microcrop-processor/internal/clients/httpx"
	"microcrop-processor/internal/fault"
)

// Config carries the upstream coordinates and the read gateway.
type Config struct {
	BaseURL string
	JWT     string
	// Gateway is the host serving pinned content; a bare host gets https.
	Gateway string
	Timeout time.Duration
}

// Pin describes one pinned object in a listing.
type Pin struct {
	CID      string
	Size     int64
	Name     string
	PinnedAt time.Time
}

// Client is consumed by the evidence bundler and the pin admin endpoints.
type Client interface {
	TestAuth(ctx context.Context) error
	PinJSON(ctx context.Context, name string, keyvalues map[string]string, payload []byte) (string, int64, error)
	PinByCID(ctx context.Context, cid, name string) error
	Unpin(ctx context.Context, cid string) error
	ListPins(ctx context.Context, limit int) ([]Pin, error)
	FetchJSON(ctx context.Context, cid string, out any) error
}

// HTTPClient implements Client against the live upstream.
type HTTPClient struct {
	cfg  Config
	doer *httpx.Doer
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.JWT == "" {
		return nil, fault.New(fault.Fatal, "pinstore.new", "PINSTORE_JWT is not set")
	}
	if cfg.BaseURL == "" {
		return nil, fault.New(fault.Fatal, "pinstore.new", "PINSTORE_API_URL is not set")
	}
	return &HTTPClient{
		cfg: cfg,
		doer: httpx.New(httpx.Options{
			Upstream:  "pinstore",
			Timeout:   cfg.Timeout,
			Authorize: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+cfg.JWT) },
		}),
	}, nil
}

// TestAuth verifies the token against the authentication probe.
func (c *HTTPClient) TestAuth(ctx context.Context) error {
	var out struct {
		Message string `json:"message"`
	}
	return c.doer.GetJSON(ctx, c.cfg.BaseURL+"/data/testAuthentication", &out)
}

type pinResponse struct {
	IpfsHash string `json:"IpfsHash"`
	PinSize  int64  `json:"PinSize"`
}

// PinJSON uploads payload as a named JSON file with metadata keyvalues and
// returns the cid and pinned size.
func (c *HTTPClient) PinJSON(ctx context.Context, name string, keyvalues map[string]string, payload []byte) (string, int64, error) {
	meta, err := json.Marshal(map[string]any{"name": name, "keyvalues": keyvalues})
	if err != nil {
		return "", 0, fault.Wrap(fault.Permanent, "pinstore.pin", err)
	}

	var out pinResponse
	err = c.doer.PostMultipart(ctx, c.cfg.BaseURL+"/pinning/pinFileToIPFS", func(w *multipart.Writer) error {
		file, err := w.CreateFormFile("file", name+".json")
		if err != nil {
			return err
		}
		if _, err := file.Write(payload); err != nil {
			return err
		}
		return w.WriteField("pinataMetadata", string(meta))
	}, &out)
	if err != nil {
		return "", 0, err
	}
	if out.IpfsHash == "" {
		return "", 0, fault.New(fault.Permanent, "pinstore.pin", "upstream returned no cid for %s", name)
	}
	return out.IpfsHash, out.PinSize, nil
}

// PinByCID asks the upstream to pin content it can already reach.
func (c *HTTPClient) PinByCID(ctx context.Context, cid, name string) error {
	body := map[string]any{
		"hashToPin":      cid,
		"pinataMetadata": map[string]string{"name": name},
	}
	return c.doer.PostJSON(ctx, c.cfg.BaseURL+"/pinning/pinByHash", body, nil)
}

// Unpin releases a cid. Unpinning an unknown cid is the upstream's error to
// report; callers decide whether a 404 matters.
func (c *HTTPClient) Unpin(ctx context.Context, cid string) error {
	return c.doer.Delete(ctx, c.cfg.BaseURL+"/pinning/unpin/"+url.PathEscape(cid))
}

type pinListResponse struct {
	Count int `json:"count"`
	Rows  []struct {
		IpfsPinHash string `json:"ipfs_pin_hash"`
		Size        any    `json:"size"`
		DatePinned  string `json:"date_pinned"`
		Metadata    struct {
			Name string `json:"name"`
		} `json:"metadata"`
	} `json:"rows"`
}

// ListPins returns up to limit currently pinned objects, newest first.
func (c *HTTPClient) ListPins(ctx context.Context, limit int) ([]Pin, error) {
	q := url.Values{}
	q.Set("status", "pinned")
	if limit > 0 {
		q.Set("pageLimit", strconv.Itoa(limit))
	}

	var out pinListResponse
	if err := c.doer.GetJSON(ctx, c.cfg.BaseURL+"/data/pinList?"+q.Encode(), &out); err != nil {
		return nil, err
	}

	pins := make([]Pin, 0, len(out.Rows))
	for _, row := range out.Rows {
		p := Pin{CID: row.IpfsPinHash, Name: row.Metadata.Name}
		switch v := row.Size.(type) {
		case float64:
			p.Size = int64(v)
		case string:
			p.Size, _ = strconv.ParseInt(v, 10, 64)
		}
		if at, err := time.Parse(time.RFC3339, row.DatePinned); err == nil {
			p.PinnedAt = at.UTC()
		}
		pins = append(pins, p)
	}
	return pins, nil
}

// FetchJSON reads pinned content back through the gateway and decodes it.
func (c *HTTPClient) FetchJSON(ctx context.Context, cid string, out any) error {
	raw, err := c.doer.Download(ctx, c.GatewayURL(cid))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fault.Wrap(fault.Permanent, "pinstore.fetch", fmt.Errorf("decoding pinned content %s: %w", cid, err))
	}
	return nil
}

// GatewayURL renders the public read URL for a cid.
func (c *HTTPClient) GatewayURL(cid string) string {
	gw := c.cfg.Gateway
	if !strings.Contains(gw, "://") {
		gw = "https://" + gw
	}
	return gw + "/ipfs/" + url.PathEscape(cid)
}
