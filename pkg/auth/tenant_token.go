package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"golang.org/x/oauth2"

	"github.com/sipeed/larkrelay/pkg/config"
	"github.com/sipeed/larkrelay/pkg/logger"
	"github.com/sipeed/larkrelay/pkg/metrics"
)

const tenantTokenPath = "/open-apis/auth/v3/tenant_access_token/internal"

// earlyExpiry is how long before the issuer's expiry a cached token is
// considered stale.
const earlyExpiry = 5 * time.Minute

// defaultTokenLifetime applies when the issuer omits expire. Lark tenant
// tokens live two hours; this stays well inside that.
const defaultTokenLifetime = 30 * time.Minute

// CredentialError is a token request the issuer answered but refused, or
// whose answer could not be used.
type CredentialError struct {
	Code int
	Msg  string
	Err  error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tenant access token: %v", e.Err)
	}
	return fmt.Sprintf("tenant access token rejected: code=%d msg=%s", e.Code, e.Msg)
}

func (e *CredentialError) Unwrap() error { return e.Err }

type tenantTokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

// TenantTokenProvider issues Lark tenant access tokens for the configured app.
// By default every call hits the issuer; with lark.cache_token the token is
// reused until shortly before it expires. A missing expire is treated as
// defaultTokenLifetime.
type TenantTokenProvider struct {
	config config.LarkConfig
	client *lark.Client
	now    func() time.Time

	mu     sync.Mutex
	cached *oauth2.Token
}

func NewTenantTokenProvider(cfg config.LarkConfig, client *lark.Client) *TenantTokenProvider {
	return &TenantTokenProvider{
		config: cfg,
		client: client,
		now:    time.Now,
	}
}

// FetchAccessToken returns a bearer token for outbound Lark calls.
func (p *TenantTokenProvider) FetchAccessToken(ctx context.Context) (string, error) {
	if missing := p.config.MissingCredentials(); len(missing) > 0 {
		return "", &config.ConfigError{Key: missing[0]}
	}

	if !p.config.CacheToken {
		tok, err := p.fetch(ctx)
		if err != nil {
			return "", err
		}
		return tok.AccessToken, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// The reuse source only calls the issuer, with this request's ctx, when
	// the cached token is missing or within earlyExpiry of expiring.
	tok, err := oauth2.ReuseTokenSourceWithExpiry(p.cached, p.TokenSource(ctx), earlyExpiry).Token()
	if err != nil {
		return "", err
	}
	p.cached = tok
	return tok.AccessToken, nil
}

// TokenSource exposes the issuer as an oauth2.TokenSource. Each Token call is
// one request bounded by ctx.
func (p *TenantTokenProvider) TokenSource(ctx context.Context) oauth2.TokenSource {
	return tokenSourceFunc(func() (*oauth2.Token, error) {
		return p.fetch(ctx)
	})
}

type tokenSourceFunc func() (*oauth2.Token, error)

func (f tokenSourceFunc) Token() (*oauth2.Token, error) { return f() }

func (p *TenantTokenProvider) fetch(ctx context.Context) (*oauth2.Token, error) {
	if missing := p.config.MissingCredentials(); len(missing) > 0 {
		return nil, &config.ConfigError{Key: missing[0]}
	}

	body := map[string]string{
		"app_id":     p.config.AppID,
		"app_secret": p.config.AppSecret,
	}
	resp, err := p.client.Post(ctx, tenantTokenPath, body, larkcore.AccessTokenTypeNone)
	if err != nil {
		metrics.IncTokenFetch("error")
		return nil, &CredentialError{Err: err}
	}

	var out tenantTokenResponse
	if err := json.Unmarshal(resp.RawBody, &out); err != nil {
		metrics.IncTokenFetch("error")
		return nil, &CredentialError{Err: fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)}
	}

	logger.DebugCF("auth", "Tenant token response", map[string]interface{}{
		"status": resp.StatusCode,
		"code":   out.Code,
		"msg":    out.Msg,
		"expire": out.Expire,
	})

	if out.Code != 0 {
		metrics.IncTokenFetch("rejected")
		return nil, &CredentialError{Code: out.Code, Msg: out.Msg}
	}
	if out.TenantAccessToken == "" {
		metrics.IncTokenFetch("error")
		return nil, &CredentialError{Msg: "empty tenant_access_token"}
	}

	metrics.IncTokenFetch("ok")
	lifetime := defaultTokenLifetime
	if out.Expire > 0 {
		lifetime = time.Duration(out.Expire) * time.Second
	}
	return &oauth2.Token{
		AccessToken: out.TenantAccessToken,
		TokenType:   "Bearer",
		Expiry:      p.now().Add(lifetime),
	}, nil
}
