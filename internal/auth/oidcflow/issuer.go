package oidcflow

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	apperrors "github.com/opsdeck/opsdeck/internal/platform/errors"
)

// Claims are the verified identity attributes this flow consumes.
type Claims struct {
	// SubjectID is the stable provider identifier: the directory object id
	// when present, the standard subject otherwise.
	SubjectID   string
	Email       string
	DisplayName string
	Groups      []string
}

// Issuer is the identity-provider collaborator: one discovered provider,
// able to build an authorization URL and exchange a code for verified claims.
type Issuer interface {
	AuthCodeURL(redirectURI, state, nonce, verifier string) string
	Exchange(ctx context.Context, redirectURI, code, verifier, nonce string) (Claims, error)
}

// DiscoverFunc resolves an Issuer for the configured tenant. Production uses
// DiscoverEntra; tests substitute a fake.
type DiscoverFunc func(ctx context.Context, tenantID, clientID, clientSecret string) (Issuer, error)

// DiscoverEntra performs OIDC discovery against a Microsoft Entra tenant.
func DiscoverEntra(ctx context.Context, tenantID, clientID, clientSecret string) (Issuer, error) {
	issuerURL := fmt.Sprintf("https://login.microsoftonline.com/%s/v2.0", tenantID)
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeProviderError, "provider discovery failed", err)
	}
	return &entraIssuer{
		provider:     provider,
		clientID:     clientID,
		clientSecret: clientSecret,
	}, nil
}

type entraIssuer struct {
	provider     *oidc.Provider
	clientID     string
	clientSecret string
}

func (e *entraIssuer) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     e.clientID,
		ClientSecret: e.clientSecret,
		RedirectURL:  redirectURI,
		Endpoint:     e.provider.Endpoint(),
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
	}
}

func (e *entraIssuer) AuthCodeURL(redirectURI, state, nonce, verifier string) string {
	return e.oauthConfig(redirectURI).AuthCodeURL(state,
		oidc.Nonce(nonce),
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("response_mode", "query"),
	)
}

func (e *entraIssuer) Exchange(ctx context.Context, redirectURI, code, verifier, nonce string) (Claims, error) {
	tok, err := e.oauthConfig(redirectURI).Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return Claims{}, apperrors.Wrap(apperrors.CodeProviderError, "code exchange failed", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return Claims{}, apperrors.New(apperrors.CodeProviderError, "token response carried no id token")
	}

	idToken, err := e.provider.Verifier(&oidc.Config{ClientID: e.clientID}).Verify(ctx, rawIDToken)
	if err != nil {
		return Claims{}, apperrors.Wrap(apperrors.CodeProviderError, "id token verification failed", err)
	}
	if idToken.Nonce != nonce {
		return Claims{}, apperrors.New(apperrors.CodeProviderError, "id token nonce mismatch")
	}

	var raw struct {
		Oid               string   `json:"oid"`
		PreferredUsername string   `json:"preferred_username"`
		Email             string   `json:"email"`
		Name              string   `json:"name"`
		Groups            []string `json:"groups"`
	}
	if err := idToken.Claims(&raw); err != nil {
		return Claims{}, apperrors.Wrap(apperrors.CodeProviderError, "id token claims extraction failed", err)
	}

	subjectID := raw.Oid
	if subjectID == "" {
		subjectID = idToken.Subject
	}
	email := raw.PreferredUsername
	if email == "" {
		email = raw.Email
	}

	return Claims{
		SubjectID:   subjectID,
		Email:       email,
		DisplayName: raw.Name,
		Groups:      raw.Groups,
	}, nil
}
