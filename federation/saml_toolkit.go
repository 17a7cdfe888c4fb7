package federation

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/crewjam/saml"
	"github.com/crewjam/saml/samlsp"
	"github.com/ruteri/federated-kms/interfaces"
)

var _ interfaces.FederationToolkit = (*SAMLToolkit)(nil)

// SAMLConfig configures the SAML 2.0 service provider.
type SAMLConfig struct {
	// EntityID identifies this service provider to the identity provider.
	EntityID string

	// ConsumerURL is the assertion consumer endpoint responses are posted to.
	ConsumerURL string

	// MetadataURL is where the identity provider publishes its metadata.
	MetadataURL string

	// MetadataFile is read when MetadataURL is empty or can not be fetched.
	MetadataFile string

	// IdentityAttribute names the attribute holding the identity key.
	IdentityAttribute string

	HTTPClient *http.Client
}

// SAMLToolkit implements interfaces.FederationToolkit over crewjam/saml.
type SAMLToolkit struct {
	sp        *saml.ServiceProvider
	attribute string
	log       *slog.Logger
}

// NewSAMLToolkit loads the identity provider metadata and builds the
// service provider.
func NewSAMLToolkit(ctx context.Context, cfg SAMLConfig, log *slog.Logger) (*SAMLToolkit, error) {
	if log == nil {
		log = slog.Default()
	}

	metadata, err := loadMetadata(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return NewSAMLToolkitFromMetadata(cfg, metadata, log)
}

// NewSAMLToolkitFromMetadata builds the toolkit from already parsed metadata.
func NewSAMLToolkitFromMetadata(cfg SAMLConfig, metadata *saml.EntityDescriptor, log *slog.Logger) (*SAMLToolkit, error) {
	if metadata == nil {
		return nil, errors.New("identity provider metadata is required")
	}
	if log == nil {
		log = slog.Default()
	}

	acs, err := url.Parse(cfg.ConsumerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid consumer URL: %w", err)
	}

	attribute := cfg.IdentityAttribute
	if attribute == "" {
		attribute = "mail"
	}

	sp := &saml.ServiceProvider{
		EntityID:          cfg.EntityID,
		AcsURL:            *acs,
		IDPMetadata:       metadata,
		AuthnNameIDFormat: saml.EmailAddressNameIDFormat,
		HTTPClient:        cfg.HTTPClient,
	}
	return &SAMLToolkit{sp: sp, attribute: attribute, log: log}, nil
}

func loadMetadata(ctx context.Context, cfg SAMLConfig, log *slog.Logger) (*saml.EntityDescriptor, error) {
	if cfg.MetadataURL != "" {
		metadataURL, err := url.Parse(cfg.MetadataURL)
		if err != nil {
			return nil, fmt.Errorf("invalid metadata URL: %w", err)
		}

		client := cfg.HTTPClient
		if client == nil {
			client = http.DefaultClient
		}
		metadata, err := samlsp.FetchMetadata(ctx, client, *metadataURL)
		if err == nil {
			return metadata, nil
		}
		if cfg.MetadataFile == "" {
			return nil, fmt.Errorf("fetching identity provider metadata: %w", err)
		}
		log.Warn("could not fetch identity provider metadata, using file", "err", err, "file", cfg.MetadataFile)
	}

	if cfg.MetadataFile == "" {
		return nil, errors.New("no identity provider metadata source configured")
	}
	data, err := os.ReadFile(cfg.MetadataFile)
	if err != nil {
		return nil, fmt.Errorf("reading identity provider metadata: %w", err)
	}
	metadata, err := samlsp.ParseMetadata(data)
	if err != nil {
		return nil, fmt.Errorf("parsing identity provider metadata: %w", err)
	}
	return metadata, nil
}

// IdentityProviderEntityID is the entity ID from the identity provider
// metadata. The service provider only accepts responses issued by it.
func (t *SAMLToolkit) IdentityProviderEntityID() string {
	return t.sp.IDPMetadata.EntityID
}

// IdentityProviderURL returns the redirect-binding single sign-on endpoint.
func (t *SAMLToolkit) IdentityProviderURL(context.Context) (string, error) {
	location := t.sp.GetSSOBindingLocation(saml.HTTPRedirectBinding)
	if location == "" {
		return "", errors.New("identity provider metadata has no redirect binding endpoint")
	}
	return location, nil
}

// EncodeAuthnRequest builds an AuthnRequest carrying params and returns it
// deflated and base64 encoded, as the SAMLRequest query parameter expects.
func (t *SAMLToolkit) EncodeAuthnRequest(ctx context.Context, params interfaces.AuthnRequestParams) (string, error) {
	idpURL, err := t.IdentityProviderURL(ctx)
	if err != nil {
		return "", err
	}

	req, err := t.sp.MakeAuthenticationRequest(idpURL, saml.HTTPRedirectBinding, saml.HTTPPostBinding)
	if err != nil {
		return "", fmt.Errorf("building authentication request: %w", err)
	}
	req.ID = params.ID
	if params.Issuer != "" {
		req.Issuer = &saml.Issuer{Format: "urn:oasis:names:tc:SAML:2.0:nameid-format:entity", Value: params.Issuer}
	}
	if params.ConsumerURL != "" {
		req.AssertionConsumerServiceURL = params.ConsumerURL
	}

	redirect, err := req.Redirect("", t.sp)
	if err != nil {
		return "", fmt.Errorf("encoding authentication request: %w", err)
	}
	return redirect.Query().Get("SAMLRequest"), nil
}

// ParseResponse decodes a posted SAMLResponse. The correlation fields are
// read from the document as posted; SignatureValid is set only if the
// service provider fully validated the response against the identity
// provider's certificate.
func (t *SAMLToolkit) ParseResponse(_ context.Context, rawResponse string) (*interfaces.FederatedAssertion, error) {
	raw := strings.TrimSpace(rawResponse)
	if raw == "" {
		return nil, ErrEmptyResponse
	}

	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("response is not base64: %w", err)
	}

	var response saml.Response
	if err := xml.Unmarshal(decoded, &response); err != nil {
		return nil, fmt.Errorf("response is not a SAML response: %w", err)
	}

	result := &interfaces.FederatedAssertion{
		InResponseTo: response.InResponseTo,
		IssueInstant: response.IssueInstant,
	}
	if response.Issuer != nil {
		result.Issuer = response.Issuer.Value
	}

	assertion := response.Assertion
	verified, err := t.sp.ParseXMLResponse(decoded, []string{response.InResponseTo})
	if err == nil {
		result.SignatureValid = true
		assertion = verified
	} else {
		var invalid *saml.InvalidResponseError
		if errors.As(err, &invalid) {
			err = invalid.PrivateErr
		}
		t.log.Warn("SAML response did not validate", "err", err, "inResponseTo", response.InResponseTo)
	}

	if assertion != nil {
		if assertion.Issuer.Value != "" {
			result.Issuer = assertion.Issuer.Value
		}
		result.Identity = t.identity(assertion)
	}
	return result, nil
}

func (t *SAMLToolkit) identity(assertion *saml.Assertion) string {
	for _, statement := range assertion.AttributeStatements {
		for _, attr := range statement.Attributes {
			if strings.TrimSpace(attr.Name) != t.attribute && attr.FriendlyName != t.attribute {
				continue
			}
			for _, v := range attr.Values {
				if v.Value != "" {
					return strings.TrimSpace(v.Value)
				}
			}
		}
	}
	return ""
}
