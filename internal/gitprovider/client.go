package gitprovider

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/bitbucket"
)

// Config holds provider settings that don't belong to an organization.
type Config struct {
	GitHub    GitHubConfig    `envPrefix:"GITHUB_"`
	Bitbucket BitbucketConfig `envPrefix:"BITBUCKET_"`
}

type GitHubConfig struct {
	AppID      string `env:"APP_ID"`
	PrivateKey string `env:"PRIVATE_KEY"` // PEM encoded
}

type BitbucketConfig struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
}

// Client is an initialized source control client.
type Client interface {
	Provider() Provider
}

// GetProvider parses args and constructs the client of its provider.
func GetProvider(ctx context.Context, args *Args, conf *Config, log *slog.Logger) (Client, error) {
	v, err := ParseArgs(args)
	if err != nil {
		return nil, err
	}
	return NewClient(ctx, v, conf, log)
}

// NewClient constructs and initializes the client of v's provider.
func NewClient(ctx context.Context, v Variant, conf *Config, log *slog.Logger) (Client, error) {
	if log == nil {
		log = slog.Default()
	}
	if conf == nil {
		conf = &Config{}
	}

	switch v := v.(type) {
	case GitHub:
		c := &GitHubClient{installationID: v.InstallationID, conf: conf.GitHub, log: log.With("provider", ProviderGitHub)}
		if err := c.init(); err != nil {
			return nil, fmt.Errorf("gitprovider: %w", err)
		}
		return c, nil
	case Bitbucket:
		c := &BitbucketClient{props: v, conf: conf.Bitbucket, log: log.With("provider", ProviderBitbucket)}
		if err := c.init(ctx); err != nil {
			return nil, fmt.Errorf("gitprovider: %w", err)
		}
		return c, nil
	case AwsCodeCommit:
		c := &AwsCodeCommitClient{props: v, log: log.With("provider", ProviderAwsCodeCommit)}
		if err := c.init(ctx); err != nil {
			return nil, fmt.Errorf("gitprovider: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: unsupported variant %T", ErrInvalidProvider, v)
	}
}

// GitHubClient authenticates as a GitHub App installation.
type GitHubClient struct {
	installationID string
	conf           GitHubConfig
	key            *rsa.PrivateKey
	log            *slog.Logger
}

func (c *GitHubClient) Provider() Provider { return ProviderGitHub }

func (c *GitHubClient) InstallationID() string { return c.installationID }

func (c *GitHubClient) init() error {
	if c.conf.AppID == "" {
		return errors.New("missing GitHub app id")
	}
	// Private keys passed through the environment often have escaped newlines.
	pem := strings.ReplaceAll(c.conf.PrivateKey, `\n`, "\n")
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pem))
	if err != nil {
		return fmt.Errorf("invalid GitHub app private key: %w", err)
	}
	c.key = key

	if _, err = c.AppToken(time.Now()); err != nil {
		return err
	}
	c.log.Info("initialized git provider", "installation_id", c.installationID)
	return nil
}

// AppToken returns a GitHub App JWT valid for ten minutes from now.
// The issued-at claim is backdated to allow for clock drift.
func (c *GitHubClient) AppToken(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    c.conf.AppID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign GitHub app token: %w", err)
	}
	return token, nil
}

// BitbucketClient calls Bitbucket with the organization's OAuth token,
// refreshing it with the configured OAuth consumer.
type BitbucketClient struct {
	props       Bitbucket
	conf        BitbucketConfig
	tokenSource oauth2.TokenSource
	httpClient  *http.Client
	log         *slog.Logger
}

func (c *BitbucketClient) Provider() Provider { return ProviderBitbucket }

// HTTPClient returns a client that authorizes requests with the organization's token.
func (c *BitbucketClient) HTTPClient() *http.Client { return c.httpClient }

// Token returns a valid token, refreshing it if it expired.
func (c *BitbucketClient) Token() (*oauth2.Token, error) { return c.tokenSource.Token() }

func (c *BitbucketClient) init(ctx context.Context) error {
	if c.props.RefreshToken != "" && c.conf.ClientID == "" {
		return errors.New("missing Bitbucket client id")
	}

	oauthConf := &oauth2.Config{
		ClientID:     c.conf.ClientID,
		ClientSecret: c.conf.ClientSecret,
		Endpoint:     bitbucket.Endpoint,
	}
	tokenType := c.props.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	token := &oauth2.Token{
		AccessToken:  c.props.AccessToken,
		RefreshToken: c.props.RefreshToken,
		TokenType:    tokenType,
		Expiry:       c.props.ExpiresAt,
	}

	c.tokenSource = oauthConf.TokenSource(context.WithoutCancel(ctx), token)
	c.httpClient = oauth2.NewClient(context.WithoutCancel(ctx), c.tokenSource)
	c.log.Info("initialized git provider", "username", c.props.Username)
	return nil
}

// AwsCodeCommitClient holds the AWS configuration for CodeCommit
// and the HTTPS Git credentials for cloning.
type AwsCodeCommitClient struct {
	props     AwsCodeCommit
	awsConfig aws.Config
	log       *slog.Logger
}

func (c *AwsCodeCommitClient) Provider() Provider { return ProviderAwsCodeCommit }

func (c *AwsCodeCommitClient) AWSConfig() aws.Config { return c.awsConfig }

func (c *AwsCodeCommitClient) GitCredentials() GitCredentials { return c.props.GitCredentials }

func (c *AwsCodeCommitClient) init(ctx context.Context) error {
	sdk := c.props.SDKCredentials
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(sdk.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(sdk.AccessKeyID, sdk.AccessKeySecret, "")),
	)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}
	c.awsConfig = cfg
	c.log.Info("initialized git provider", "region", sdk.Region)
	return nil
}
