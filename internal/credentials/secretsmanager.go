package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
	"github.com/tidwall/gjson"
)

const defaultSecretIDTemplate = "tideline/{account_id}"

// SecretsManagerConfig reads account tokens from AWS Secrets Manager.
type SecretsManagerConfig struct {
	Region string `toml:"region"`
	// Endpoint overrides the service URL, e.g. for LocalStack.
	Endpoint string `toml:"endpoint"`
	// SecretIDTemplate may contain {account_id} and {purpose}.
	SecretIDTemplate string `toml:"secret_id_template"`
	// TokenField is a gjson path into a JSON secret. Empty uses the whole
	// secret string as the token.
	TokenField string        `toml:"token_field"`
	CacheTTL   time.Duration `toml:"cache_ttl"`
}

// SecretsAPI is the part of the Secrets Manager client the provider uses.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type cachedSecret struct {
	token   Token
	expires time.Time
}

// SecretsManager caches secrets per (account, purpose) for CacheTTL.
type SecretsManager struct {
	api SecretsAPI
	cfg SecretsManagerConfig
	now func() time.Time

	mu    sync.Mutex
	cache map[string]cachedSecret
}

// NewSecretsManager loads the default AWS configuration and creates a provider.
func NewSecretsManager(ctx context.Context, cfg SecretsManagerConfig) (*SecretsManager, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("credentials: load aws config: %w", err)
	}

	api := secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewSecretsManagerWithAPI(api, cfg), nil
}

// NewSecretsManagerWithAPI creates a provider over an existing client
func NewSecretsManagerWithAPI(api SecretsAPI, cfg SecretsManagerConfig) *SecretsManager {
	if cfg.SecretIDTemplate == "" {
		cfg.SecretIDTemplate = defaultSecretIDTemplate
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &SecretsManager{
		api:   api,
		cfg:   cfg,
		now:   time.Now,
		cache: make(map[string]cachedSecret),
	}
}

func (s *SecretsManager) secretID(accountID, purpose string) string {
	return strings.NewReplacer("{account_id}", accountID, "{purpose}", purpose).Replace(s.cfg.SecretIDTemplate)
}

// GetToken implements Provider
func (s *SecretsManager) GetToken(ctx context.Context, accountID, purpose string) (Token, error) {
	key := cacheKey(accountID, purpose)

	s.mu.Lock()
	cached, ok := s.cache[key]
	s.mu.Unlock()
	if ok && s.now().Before(cached.expires) {
		return cached.token, nil
	}

	id := s.secretID(accountID, purpose)
	out, err := s.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "ResourceNotFoundException", "AccessDeniedException":
				return Token{}, fmt.Errorf("%w: secret %s: %s", ErrAuth, id, apiErr.ErrorCode())
			}
		}
		return Token{}, fmt.Errorf("get secret %s: %w", id, err)
	}

	value := aws.ToString(out.SecretString)
	if s.cfg.TokenField != "" {
		field := gjson.Get(value, s.cfg.TokenField)
		if !field.Exists() {
			return Token{}, fmt.Errorf("%w: secret %s has no field %q", ErrAuth, id, s.cfg.TokenField)
		}
		value = field.String()
	}
	if value == "" {
		return Token{}, fmt.Errorf("%w: secret %s is empty", ErrAuth, id)
	}

	tok := Token{Value: value, Type: "Bearer"}
	s.mu.Lock()
	s.cache[key] = cachedSecret{token: tok, expires: s.now().Add(s.cfg.CacheTTL)}
	s.mu.Unlock()
	return tok, nil
}

// Invalidate implements Provider
func (s *SecretsManager) Invalidate(accountID, purpose string) {
	s.mu.Lock()
	delete(s.cache, cacheKey(accountID, purpose))
	s.mu.Unlock()
}
