package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Candidate is one registry entry from GET /nodes.
type Candidate struct {
	Address  string `json:"address"`
	Port     uint16 `json:"port"`
	Version  string `json:"version"`
	Height   uint64 `json:"height"`
	LastSeen int64  `json:"last_seen"`
}

// Registration is the body of POST /register.
type Registration struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Version string `json:"version"`
	Height  uint64 `json:"height"`
}

// DiscoveryClient consumes the DNS registry's HTTP interface. The registry
// is advisory only: it seeds the dialer's candidate list and never acts as
// a trust root — everything it returns still passes the peer manager's
// filters and the handshake's identity check.
type DiscoveryClient struct {
	log     zerolog.Logger
	baseURL string
	http    *http.Client
}

func NewDiscoveryClient(log zerolog.Logger, baseURL string) *DiscoveryClient {
	return &DiscoveryClient{
		log:     ComponentLogger(log, "discovery"),
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Nodes fetches up to limit candidates at or above minHeight.
func (c *DiscoveryClient) Nodes(ctx context.Context, limit int, minHeight uint64) ([]Candidate, error) {
	u, err := url.Parse(c.baseURL + "/nodes")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	q.Set("min_height", strconv.FormatUint(minHeight, 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery: /nodes returned %s", resp.Status)
	}
	var out []Candidate
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Register announces our listener to the registry; the registry validates
// reachability before persisting, so failure here is expected for nodes
// behind NAT and is logged at debug only.
func (c *DiscoveryClient) Register(ctx context.Context, reg Registration) error {
	body, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("discovery: /register returned %s", resp.Status)
	}
	return nil
}

func joinHostPort(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}
