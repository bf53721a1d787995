// Package unifi asks a UniFi controller where a device currently lives. It is
// the fallback when a broadcast sweep does not find a device.
package unifi

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fbettag/kasa-web-controller/internal/identity"
	"github.com/sirupsen/logrus"
	"github.com/unpoller/unifi/v5"
)

const maxAuthBackoff = 64 * time.Second

// Station is one client the controller knows about.
type Station struct {
	MAC      string
	IP       string
	Hostname string
	LastSeen time.Time
}

// Client wraps the unpoller/unifi client
type Client struct {
	baseURL  string
	username string
	password string
	siteID   string
	log      *logrus.Entry

	mu     sync.Mutex
	client *unifi.Unifi

	// Authentication retry state
	authRetryCount   int
	lastAuthAttempt  time.Time
	authRetryBackoff time.Duration
}

func NewClient(baseURL, username, password, siteID string, logger *logrus.Logger) *Client {
	if siteID == "" {
		siteID = "default"
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		siteID:   siteID,
		log:      logger.WithField("component", "unifi"),
	}
}

// Login authenticates with the UniFi controller
func (c *Client) Login() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.login()
}

func (c *Client) login() error {
	c.log.Debugf("Logging in to UniFi controller at %s as %s", c.baseURL, c.username)

	client, err := unifi.NewUnifi(&unifi.Config{
		User:      c.username,
		Pass:      c.password,
		URL:       c.baseURL,
		VerifySSL: false, // controllers ship self-signed certificates
		Timeout:   30 * time.Second,
		ErrorLog:  c.log.Errorf,
		DebugLog:  c.log.Debugf,
	})
	if err != nil {
		return fmt.Errorf("failed to create UniFi client: %w", err)
	}
	if err := client.Login(); err != nil {
		return fmt.Errorf("failed to login: %w", err)
	}

	c.client = client
	c.log.Infof("Logged in to UniFi controller")
	return nil
}

// Stations lists the clients of siteID.
func (c *Client) Stations(siteID string) ([]Station, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("not logged in")
	}

	clients, err := client.GetClients([]*unifi.Site{{Name: siteID}})
	if err != nil {
		return nil, fmt.Errorf("failed to get clients: %w", err)
	}

	stations := make([]Station, 0, len(clients))
	for _, cl := range clients {
		stations = append(stations, Station{
			MAC:      cl.Mac,
			IP:       cl.IP,
			Hostname: cl.Hostname,
			LastSeen: time.Unix(int64(cl.LastSeen.Val), 0),
		})
	}
	return stations, nil
}

// ClientAddresses maps canonical MACs to their current IP on siteID.
func (c *Client) ClientAddresses(siteID string) (map[string]string, error) {
	stations, err := c.Stations(siteID)
	if err != nil {
		return nil, err
	}

	addrs := make(map[string]string, len(stations))
	for _, s := range stations {
		mac, err := identity.Normalize(s.MAC)
		if err != nil || s.IP == "" {
			continue
		}
		addrs[mac] = s.IP
	}
	return addrs, nil
}

// LookupAddress returns the IP the controller associates with mac, or ""
// when the controller does not know it. It logs in on first use and
// re-authenticates once when the session has expired.
func (c *Client) LookupAddress(ctx context.Context, mac string) (string, error) {
	canonical, err := identity.Normalize(mac)
	if err != nil {
		return "", err
	}

	type answer struct {
		addr string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		addr, err := c.lookup(canonical)
		ch <- answer{addr, err}
	}()

	select {
	case a := <-ch:
		return a.addr, a.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Client) lookup(mac string) (string, error) {
	c.mu.Lock()
	needLogin := c.client == nil
	c.mu.Unlock()
	if needLogin {
		if err := c.reauthenticateWithBackoff(); err != nil {
			return "", err
		}
	}

	addrs, err := c.ClientAddresses(c.siteID)
	if err != nil && isAuthError(err) {
		if reauthErr := c.reauthenticateWithBackoff(); reauthErr != nil {
			return "", reauthErr
		}
		addrs, err = c.ClientAddresses(c.siteID)
	}
	if err != nil {
		return "", err
	}
	return addrs[mac], nil
}

// reauthenticateWithBackoff logs in again unless a previous failure is still
// inside its backoff window (1s doubling to 64s).
func (c *Client) reauthenticateWithBackoff() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if wait := c.authRetryBackoff - time.Since(c.lastAuthAttempt); wait > 0 {
		return fmt.Errorf("authentication retry backoff in effect (wait %v)", wait)
	}

	c.lastAuthAttempt = time.Now()
	if err := c.login(); err != nil {
		c.authRetryCount++
		c.authRetryBackoff = time.Duration(1<<uint(c.authRetryCount-1)) * time.Second
		if c.authRetryBackoff > maxAuthBackoff {
			c.authRetryBackoff = maxAuthBackoff
		}
		c.log.Errorf("UniFi login failed (attempt #%d): %v. Next retry in %v", c.authRetryCount, err, c.authRetryBackoff)
		return err
	}

	c.authRetryCount = 0
	c.authRetryBackoff = 0
	return nil
}

// isAuthError checks if the error is an authentication-related error
func isAuthError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "not logged in") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "invalid token")
}
