package guildchat

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
)

// CredentialProvider supplies the bearer credential for the live channel.
// An empty token with a nil error means "connect anonymously".
type CredentialProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// StaticCredentials is a fixed access token.
type StaticCredentials string

func (s StaticCredentials) AccessToken(context.Context) (string, error) {
	return string(s), nil
}

// CredentialFunc adapts a plain function to CredentialProvider.
type CredentialFunc func(ctx context.Context) (string, error)

func (f CredentialFunc) AccessToken(ctx context.Context) (string, error) {
	return f(ctx)
}

// TokenSourceCredentials reads the token from an oauth2.TokenSource, which
// refreshes it as needed.
type TokenSourceCredentials struct {
	Source oauth2.TokenSource
}

func (c TokenSourceCredentials) AccessToken(ctx context.Context) (string, error) {
	if c.Source == nil {
		return "", errors.New("no token source")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, err := c.Source.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}
