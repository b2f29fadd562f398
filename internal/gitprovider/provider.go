// Package gitprovider selects and initializes a source control client.
package gitprovider

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidProvider is returned when the provider is unknown
// or its organization properties don't have the shape the provider needs.
var ErrInvalidProvider = errors.New("invalid source control provider")

// Provider names a source control provider.
type Provider string

const (
	ProviderGitHub        Provider = "Github"
	ProviderBitbucket     Provider = "Bitbucket"
	ProviderAwsCodeCommit Provider = "AwsCodeCommit"
)

// SupportedProviders lists the providers NewClient can construct.
var SupportedProviders = []Provider{ProviderGitHub, ProviderBitbucket, ProviderAwsCodeCommit}

// Args is the provider selection input.
type Args struct {
	Provider                       Provider        `json:"provider"`
	ProviderOrganizationProperties json.RawMessage `json:"providerOrganizationProperties"`
}

// Variant is one of GitHub, Bitbucket or AwsCodeCommit.
// It can only be obtained from ParseArgs, so a variant always carries
// the properties of its provider.
type Variant interface {
	Provider() Provider
	variant()
}

type GitHub struct {
	InstallationID string
}

func (GitHub) Provider() Provider { return ProviderGitHub }
func (GitHub) variant()           {}

// Bitbucket holds OAuth properties of a Bitbucket workspace.
type Bitbucket struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	Username     string
}

func (Bitbucket) Provider() Provider { return ProviderBitbucket }
func (Bitbucket) variant()           {}

type AwsCodeCommit struct {
	GitCredentials GitCredentials
	SDKCredentials SDKCredentials
}

type GitCredentials struct {
	Username string
	Password string
}

type SDKCredentials struct {
	AccessKeyID     string
	AccessKeySecret string
	Region          string
}

func (AwsCodeCommit) Provider() Provider { return ProviderAwsCodeCommit }
func (AwsCodeCommit) variant()           {}

// ParseArgs validates args and returns the variant of its provider.
// Errors wrap ErrInvalidProvider.
func ParseArgs(args *Args) (Variant, error) {
	if args == nil {
		return nil, fmt.Errorf("%w: nil args", ErrInvalidProvider)
	}

	switch args.Provider {
	case ProviderGitHub:
		var props struct {
			InstallationID *string `json:"installationId"`
		}
		if err := decodeProperties(args.ProviderOrganizationProperties, &props); err != nil {
			return nil, err
		}
		if props.InstallationID == nil || *props.InstallationID == "" {
			return nil, missingProperty(args.Provider, "installationId")
		}
		return GitHub{InstallationID: *props.InstallationID}, nil

	case ProviderBitbucket:
		var props struct {
			AccessToken  *string `json:"accessToken"`
			RefreshToken string  `json:"refreshToken"`
			TokenType    string  `json:"tokenType"`
			ExpiresAt    *int64  `json:"expiresAt"` // unix milliseconds
			Username     string  `json:"username"`
		}
		if err := decodeProperties(args.ProviderOrganizationProperties, &props); err != nil {
			return nil, err
		}
		if props.AccessToken == nil || *props.AccessToken == "" {
			return nil, missingProperty(args.Provider, "accessToken")
		}
		b := Bitbucket{
			AccessToken:  *props.AccessToken,
			RefreshToken: props.RefreshToken,
			TokenType:    props.TokenType,
			Username:     props.Username,
		}
		if props.ExpiresAt != nil {
			b.ExpiresAt = time.UnixMilli(*props.ExpiresAt).UTC()
		}
		return b, nil

	case ProviderAwsCodeCommit:
		var props struct {
			GitCredentials *struct {
				Username string `json:"username"`
				Password string `json:"password"`
			} `json:"gitCredentials"`
			SDKCredentials *struct {
				AccessKeyID     string `json:"accessKeyId"`
				AccessKeySecret string `json:"accessKeySecret"`
				Region          string `json:"region"`
			} `json:"sdkCredentials"`
		}
		if err := decodeProperties(args.ProviderOrganizationProperties, &props); err != nil {
			return nil, err
		}
		if props.GitCredentials == nil || props.GitCredentials.Username == "" || props.GitCredentials.Password == "" {
			return nil, missingProperty(args.Provider, "gitCredentials")
		}
		if props.SDKCredentials == nil || props.SDKCredentials.AccessKeyID == "" || props.SDKCredentials.AccessKeySecret == "" {
			return nil, missingProperty(args.Provider, "sdkCredentials")
		}
		if props.SDKCredentials.Region == "" {
			return nil, missingProperty(args.Provider, "sdkCredentials.region")
		}
		return AwsCodeCommit{
			GitCredentials: GitCredentials{
				Username: props.GitCredentials.Username,
				Password: props.GitCredentials.Password,
			},
			SDKCredentials: SDKCredentials{
				AccessKeyID:     props.SDKCredentials.AccessKeyID,
				AccessKeySecret: props.SDKCredentials.AccessKeySecret,
				Region:          props.SDKCredentials.Region,
			},
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidProvider, args.Provider)
	}
}

func decodeProperties(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: missing providerOrganizationProperties", ErrInvalidProvider)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid providerOrganizationProperties: %w", ErrInvalidProvider, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: invalid providerOrganizationProperties: multiple top-level values", ErrInvalidProvider)
	}
	return nil
}

func missingProperty(p Provider, name string) error {
	return fmt.Errorf("%w: missing %s property for %s", ErrInvalidProvider, name, p)
}
