package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// expiryMargin is how long before nominal expiry a cached token is
// considered stale. Graph occasionally rejects tokens in their final minute.
const expiryMargin = 60 * time.Second

// defaultScope requests all application permissions granted to the client
// registration.
const defaultScope = "https://graph.microsoft.com/.default"

// ClientCredentialsSource obtains app-only tokens via the OAuth2 client
// credentials grant. Tokens are cached until close to expiry; concurrent
// refreshes are collapsed into a single request.
type ClientCredentialsSource struct {
	src    oauth2.TokenSource
	logger *slog.Logger

	group singleflight.Group

	mu     sync.Mutex
	cached *oauth2.Token

	// nowFunc is overridable for tests.
	nowFunc func() time.Time
}

// NewClientCredentialsSource builds a token source for the given Azure AD
// tenant and application. ctx must outlive the source; pass
// context.Background() for long-lived engines. tokenURL overrides the
// Microsoft endpoint for tests; leave empty in production.
func NewClientCredentialsSource(ctx context.Context, tenantID, clientID, clientSecret, tokenURL string, logger *slog.Logger) *ClientCredentialsSource {
	if tokenURL == "" {
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID)
	}

	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{defaultScope},
	}

	return &ClientCredentialsSource{
		src:     cfg.TokenSource(ctx),
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Token returns a valid bearer token, refreshing if the cached one is
// within expiryMargin of expiring.
func (s *ClientCredentialsSource) Token() (string, error) {
	s.mu.Lock()
	cached := s.cached
	s.mu.Unlock()

	if cached != nil && s.fresh(cached) {
		return cached.AccessToken, nil
	}

	// Collapse concurrent refreshes into one upstream request.
	v, err, _ := s.group.Do("token", func() (any, error) {
		tok, err := s.src.Token()
		if err != nil {
			s.logger.Warn("token acquisition failed", slog.String("error", err.Error()))
			return nil, fmt.Errorf("graph: obtaining token: %w", err)
		}

		s.logger.Debug("token acquired", slog.Time("expiry", tok.Expiry))

		s.mu.Lock()
		s.cached = tok
		s.mu.Unlock()

		return tok, nil
	})
	if err != nil {
		return "", err
	}

	tok, ok := v.(*oauth2.Token)
	if !ok {
		return "", fmt.Errorf("graph: unexpected token type %T", v)
	}

	return tok.AccessToken, nil
}

func (s *ClientCredentialsSource) fresh(tok *oauth2.Token) bool {
	if tok.Expiry.IsZero() {
		return true
	}

	return s.nowFunc().Add(expiryMargin).Before(tok.Expiry)
}

// StaticTokenSource returns a TokenSource that always yields the same token.
// Useful for tests and pre-provisioned credentials.
func StaticTokenSource(token string) TokenSource {
	return staticToken(token)
}

type staticToken string

func (t staticToken) Token() (string, error) {
	return string(t), nil
}
