package credmgr

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// DefaultScopes is the scope set minted when a caller does not specify one.
var DefaultScopes = []string{"https://www.googleapis.com/auth/cloud-platform"}

const tokenEndpoint = "https://oauth2.googleapis.com/token"

// serviceAccountKey is the subset of a GCP service-account JSON key file
// this minter needs.
type serviceAccountKey struct {
	Type        string `json:"type"`
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// ServiceAccountKeyMinter mints OAuth2 access tokens from a GCP
// service-account JSON key by self-signing a JWT assertion and exchanging
// it at the token endpoint. EnvTokenOverride, when set, short-circuits
// minting entirely and returns its value verbatim — useful for local
// debugging without a real key file.
type ServiceAccountKeyMinter struct {
	KeyFilePath      string
	Scopes           []string
	EnvTokenOverride string
	HTTPClient       *http.Client
}

func (m *ServiceAccountKeyMinter) httpClient() *http.Client {
	if m.HTTPClient != nil {
		return m.HTTPClient
	}
	return http.DefaultClient
}

// Mint implements Minter.
func (m *ServiceAccountKeyMinter) Mint(ctx context.Context) (Token, error) {
	if override := m.envToken(); override != "" {
		return Token{Value: override}, nil
	}
	if m.KeyFilePath == "" {
		return Token{}, errors.New("credmgr: no service account key file configured and no override token set")
	}

	raw, err := os.ReadFile(m.KeyFilePath)
	if err != nil {
		return Token{}, fmt.Errorf("credmgr: read service account key: %w", err)
	}
	var key serviceAccountKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return Token{}, fmt.Errorf("credmgr: parse service account key: %w", err)
	}
	if key.ClientEmail == "" || key.PrivateKey == "" {
		return Token{}, errors.New("credmgr: service account key is missing client_email or private_key")
	}

	signingKey, err := parsePrivateKey(key.PrivateKey)
	if err != nil {
		return Token{}, fmt.Errorf("credmgr: parse private key: %w", err)
	}

	scopes := m.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	now := time.Now()
	assertion, err := signJWT(key.ClientEmail, strings.Join(scopes, " "), now, signingKey)
	if err != nil {
		return Token{}, fmt.Errorf("credmgr: sign assertion: %w", err)
	}

	endpoint := key.TokenURI
	if endpoint == "" {
		endpoint = tokenEndpoint
	}
	return exchangeAssertion(ctx, m.httpClient(), endpoint, assertion)
}

func (m *ServiceAccountKeyMinter) envToken() string {
	if m.EnvTokenOverride != "" {
		return m.EnvTokenOverride
	}
	return os.Getenv("GOOGLE_OAUTH_ACCESS_TOKEN")
}

func parsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return rsaKey, nil
}

func signJWT(issuer, scope string, now time.Time, key *rsa.PrivateKey) (string, error) {
	header := map[string]string{"alg": "RS256", "typ": "JWT"}
	claims := map[string]any{
		"iss":   issuer,
		"scope": scope,
		"aud":   tokenEndpoint,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	signingInput := base64URL(headerJSON) + "." + base64URL(claimsJSON)
	digest := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func exchangeAssertion(ctx context.Context, client *http.Client, endpoint, assertion string) (Token, error) {
	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token endpoint request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Token{}, fmt.Errorf("parse token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return Token{}, errors.New("token endpoint response missing access_token")
	}

	tok := Token{Value: parsed.AccessToken}
	if parsed.ExpiresIn > 0 {
		tok.ExpiresAt = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	}
	return tok, nil
}

func base64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
