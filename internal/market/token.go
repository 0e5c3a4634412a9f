package market

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// tokenExpiryMargin refreshes the token slightly before the reported expiry
// so an in-flight search never races the cutoff.
const tokenExpiryMargin = 60 * time.Second

// tokenStoreName keys the marketplace credential in the token store.
const tokenStoreName = "marketplace"

// TokenStore persists the application token across restarts. Implementations
// are expected to encrypt the token at rest.
type TokenStore interface {
	GetAPIToken(name string) (token string, expiresAt time.Time, err error)
	SetAPIToken(name string, token string, expiresAt time.Time) error
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// ensureToken returns a valid application token, performing the
// client-credentials exchange when the cached one is missing or expired.
// Concurrent callers share a single in-flight refresh.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	token, expiry := c.token, c.tokenExpiry
	c.mu.RUnlock()
	if tokenValid(token, expiry) {
		return token, nil
	}

	v, err, _ := c.refreshGroup.Do("token", func() (any, error) {
		// Another caller may have refreshed while we waited on the group.
		c.mu.RLock()
		token, expiry := c.token, c.tokenExpiry
		c.mu.RUnlock()
		if tokenValid(token, expiry) {
			return token, nil
		}

		if c.tokenStore != nil {
			stored, storedExpiry, err := c.tokenStore.GetAPIToken(tokenStoreName)
			if err != nil {
				log.Warn().Err(err).Msg("failed to read stored marketplace token")
			} else if tokenValid(stored, storedExpiry) {
				c.setToken(stored, storedExpiry)
				return stored, nil
			}
		}

		return c.exchangeToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// exchangeToken performs the OAuth client-credentials exchange.
func (c *Client) exchangeToken(ctx context.Context) (string, error) {
	result := &tokenResponse{}
	res, err := c.authClient.
		NewRequest().
		SetContext(ctx).
		SetBasicAuth(c.clientID, c.clientSecret).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetFormData(map[string]string{
			"grant_type": "client_credentials",
			"scope":      c.tokenScope,
		}).
		SetResult(result).
		Post("/identity/v1/oauth2/token")
	if _, err := handleError(res, err); err != nil {
		return "", fmt.Errorf("token exchange failed: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("token exchange returned empty access token")
	}

	expiry := time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	c.setToken(result.AccessToken, expiry)

	if c.tokenStore != nil {
		if err := c.tokenStore.SetAPIToken(tokenStoreName, result.AccessToken, expiry); err != nil {
			log.Warn().Err(err).Msg("failed to persist marketplace token")
		}
	}

	log.Debug().Time("expiresAt", expiry).Msg("marketplace token refreshed")
	return result.AccessToken, nil
}

func (c *Client) setToken(token string, expiry time.Time) {
	c.mu.Lock()
	c.token = token
	c.tokenExpiry = expiry
	c.mu.Unlock()
}

func tokenValid(token string, expiry time.Time) bool {
	return token != "" && time.Now().Before(expiry.Add(-tokenExpiryMargin))
}
