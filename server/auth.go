package main

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
)

const _tokenHeader = "X-Auth-Token"

// Authorizer decides who a request belongs to and whether that principal
// may call an API method. The core consumes this capability check, it does
// not implement users or roles.
type Authorizer interface {
	// CurrentContext resolves the request to a principal name, empty when
	// the request carries no valid credentials.
	CurrentContext(r *http.Request) string
	// IsPermitted reports whether the principal may call the method.
	IsPermitted(principal, method string) bool
}

// apiKeyAuth authorizes by static API keys. Only sha512 hashes of the keys
// are kept in memory and in the config file.
type apiKeyAuth struct {
	principals map[string]string // hash -> key name
}

func newAPIKeyAuth(keyHashes map[string]string) (*apiKeyAuth, error) {
	a := &apiKeyAuth{
		principals: make(map[string]string, len(keyHashes)),
	}
	for name, hash := range keyHashes {
		a.principals[hash] = name
	}

	// without configured keys the server would be unreachable, so mint one
	if len(a.principals) == 0 {
		token, hash, err := GenerateRandomToken(24)
		if err != nil {
			return nil, fmt.Errorf("error generating api key: %s", err)
		}
		a.principals[hash] = "generated"
		log.Println("No api keys configured. Generated one-off key:", token)
	}
	return a, nil
}

func (a *apiKeyAuth) CurrentContext(r *http.Request) string {
	token := r.Header.Get(_tokenHeader)
	if token == "" {
		return ""
	}
	hash, err := HashToken(token)
	if err != nil {
		return ""
	}
	return a.principals[hash]
}

func (a *apiKeyAuth) IsPermitted(principal, method string) bool {
	return principal != ""
}

// allowAllAuth disables authentication for development setups.
type allowAllAuth struct{}

func (allowAllAuth) CurrentContext(r *http.Request) string {
	if token := r.Header.Get(_tokenHeader); token != "" {
		return token
	}
	return "anonymous"
}

func (allowAllAuth) IsPermitted(principal, method string) bool {
	return true
}

// GenerateRandomBytes returns securely generated random bytes.
// It will return an error if the system's secure random
// number generator fails to function correctly, in which
// case the caller should not continue.
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	// Note that err == nil only if we read len(b) bytes.
	if err != nil {
		return nil, err
	}

	return b, nil
}

func GenerateRandomToken(n int) (token, hash string, err error) {
	b, err := GenerateRandomBytes(n / 2)
	if err != nil {
		return "", "", fmt.Errorf("error generating random bytes: %s", err)
	}
	x := fmt.Sprintf("%x", b)
	c := n / 3
	token = x[:c] + "-" + x[c:c*2] + "-" + x[c*2:]
	hash, err = HashToken(token)
	if err != nil {
		return "", "", fmt.Errorf("error hashing token: %s", err)
	}
	return token, hash, nil
}

func HashToken(token string) (hash string, err error) {
	h := sha512.New()
	h.Write([]byte(token))
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}
