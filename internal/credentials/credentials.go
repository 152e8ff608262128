// Package credentials supplies access tokens for accounts. Token values are
// never logged; use Token.Redacted for diagnostics.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrAuth marks an irrecoverable credential failure.
var ErrAuth = errors.New("credentials: authentication failed")

// Token is an access credential for one account.
type Token struct {
	Value  string
	Type   string
	Expiry time.Time
}

// Redacted returns a preview safe for logs and run events.
func (t Token) Redacted() string {
	if len(t.Value) <= 8 {
		return "****"
	}
	return t.Value[:4] + "****" + t.Value[len(t.Value)-2:]
}

// Valid reports whether the token is non-empty and not expired at now.
func (t Token) Valid(now time.Time) bool {
	return t.Value != "" && (t.Expiry.IsZero() || now.Before(t.Expiry))
}

// Provider hands out tokens and owns their refresh.
type Provider interface {
	GetToken(ctx context.Context, accountID, purpose string) (Token, error)
	// Invalidate drops any cached token so the next GetToken fetches a fresh one.
	Invalidate(accountID, purpose string)
}

// Config selects and configures a provider.
type Config struct {
	Type           string               `toml:"type"`
	Static         StaticConfig         `toml:"static"`
	OAuth2         OAuth2Config         `toml:"oauth2"`
	SecretsManager SecretsManagerConfig `toml:"secrets_manager"`
}

// StaticConfig maps account ids to fixed tokens.
type StaticConfig struct {
	Tokens       map[string]string `toml:"tokens"`
	DefaultToken string            `toml:"default_token"`
}

// OAuth2Config configures the client-credentials grant. Accounts may override
// the client id and secret.
type OAuth2Config struct {
	TokenURL     string                   `toml:"token_url"`
	ClientID     string                   `toml:"client_id"`
	ClientSecret string                   `toml:"client_secret"`
	Scopes       []string                 `toml:"scopes"`
	Accounts     map[string]OAuth2Account `toml:"accounts"`
}

// OAuth2Account holds per-account client credentials.
type OAuth2Account struct {
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	Scopes       []string `toml:"scopes"`
}

// New builds the provider named by cfg.Type. An empty type yields a static
// provider with no tokens.
func New(ctx context.Context, cfg Config) (Provider, error) {
	switch cfg.Type {
	case "", "static", "none":
		return NewStatic(cfg.Static.Tokens, cfg.Static.DefaultToken), nil
	case "oauth2":
		if cfg.OAuth2.TokenURL == "" {
			return nil, fmt.Errorf("credentials: oauth2 token_url must be set")
		}
		return NewOAuth2(cfg.OAuth2), nil
	case "secrets_manager":
		return NewSecretsManager(ctx, cfg.SecretsManager)
	default:
		return nil, fmt.Errorf("credentials: unknown provider type %q", cfg.Type)
	}
}

// Static returns fixed tokens per account.
type Static struct {
	tokens       map[string]string
	defaultToken string
}

// NewStatic creates a static provider
func NewStatic(tokens map[string]string, defaultToken string) *Static {
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &Static{tokens: cp, defaultToken: defaultToken}
}

// GetToken implements Provider. An account with no configured token gets the
// default, which may be empty for unauthenticated sources.
func (s *Static) GetToken(_ context.Context, accountID, _ string) (Token, error) {
	if v, ok := s.tokens[accountID]; ok {
		return Token{Value: v, Type: "Bearer"}, nil
	}
	return Token{Value: s.defaultToken, Type: "Bearer"}, nil
}

// Invalidate implements Provider. Static tokens cannot be refreshed.
func (s *Static) Invalidate(string, string) {}

// OAuth2 obtains tokens with the client-credentials grant and caches them per
// (account, purpose) until they expire or are invalidated.
type OAuth2 struct {
	cfg OAuth2Config
	now func() time.Time

	mu    sync.Mutex
	cache map[string]*oauth2.Token
}

// NewOAuth2 creates a client-credentials provider
func NewOAuth2(cfg OAuth2Config) *OAuth2 {
	return &OAuth2{
		cfg:   cfg,
		now:   time.Now,
		cache: make(map[string]*oauth2.Token),
	}
}

func cacheKey(accountID, purpose string) string {
	return accountID + "\x00" + purpose
}

func (o *OAuth2) clientConfig(accountID, purpose string) *clientcredentials.Config {
	cc := &clientcredentials.Config{
		ClientID:     o.cfg.ClientID,
		ClientSecret: o.cfg.ClientSecret,
		TokenURL:     o.cfg.TokenURL,
		Scopes:       o.cfg.Scopes,
	}
	if acct, ok := o.cfg.Accounts[accountID]; ok {
		if acct.ClientID != "" {
			cc.ClientID = acct.ClientID
			cc.ClientSecret = acct.ClientSecret
		}
		if len(acct.Scopes) > 0 {
			cc.Scopes = acct.Scopes
		}
	}
	if purpose != "" {
		cc.EndpointParams = map[string][]string{"audience": {purpose}}
	}
	return cc
}

// GetToken implements Provider
func (o *OAuth2) GetToken(ctx context.Context, accountID, purpose string) (Token, error) {
	key := cacheKey(accountID, purpose)

	o.mu.Lock()
	cached := o.cache[key]
	o.mu.Unlock()
	if cached != nil && (cached.Expiry.IsZero() || o.now().Before(cached.Expiry.Add(-10*time.Second))) {
		return fromOAuth2(cached), nil
	}

	tok, err := o.clientConfig(accountID, purpose).Token(ctx)
	if err != nil {
		return Token{}, fmt.Errorf("%w: account %s: %v", ErrAuth, accountID, err)
	}

	o.mu.Lock()
	o.cache[key] = tok
	o.mu.Unlock()
	return fromOAuth2(tok), nil
}

// Invalidate implements Provider
func (o *OAuth2) Invalidate(accountID, purpose string) {
	o.mu.Lock()
	delete(o.cache, cacheKey(accountID, purpose))
	o.mu.Unlock()
}

func fromOAuth2(t *oauth2.Token) Token {
	typ := t.TokenType
	if typ == "" {
		typ = "Bearer"
	}
	return Token{Value: t.AccessToken, Type: typ, Expiry: t.Expiry}
}
