package kraken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"ttslo/internal/config"
)

// Signer signs private REST requests with the Kraken scheme:
// API-Sign = base64(HMAC-SHA512(secret, path + SHA256(nonce + postdata)))
// where secret is the base64-decoded API secret.
type Signer struct {
	key    string
	secret []byte
	nonce  atomic.Int64
}

// NewSigner decodes the secret and seeds the nonce counter.
// Nonces are per-key monotonic, never wall-clock reread, so a clock
// stepping backwards cannot produce a repeat.
func NewSigner(key string, secret config.Secret) (*Signer, error) {
	decoded, err := base64.StdEncoding.DecodeString(secret.Reveal())
	if err != nil {
		return nil, fmt.Errorf("api secret is not valid base64: %w", err)
	}

	s := &Signer{key: key, secret: decoded}
	s.nonce.Store(time.Now().UnixMicro())
	return s, nil
}

// Nonce returns the next monotonic nonce.
func (s *Signer) Nonce() string {
	return strconv.FormatInt(s.nonce.Add(1), 10)
}

// SignRequest reads the form body, extracts the nonce and sets the
// API-Key and API-Sign headers. The request must carry a replayable
// body (GetBody) containing a nonce field.
func (s *Signer) SignRequest(req *http.Request) error {
	if req.GetBody == nil {
		return fmt.Errorf("request body is not replayable")
	}

	rc, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("failed to reread request body: %w", err)
	}
	defer rc.Close()

	body, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return fmt.Errorf("request body is not form-encoded: %w", err)
	}
	nonce := form.Get("nonce")
	if nonce == "" {
		return fmt.Errorf("request body has no nonce")
	}

	req.Header.Set("API-Key", s.key)
	req.Header.Set("API-Sign", s.sign(req.URL.Path, nonce, body))
	return nil
}

func (s *Signer) sign(path, nonce string, body []byte) string {
	inner := sha256.New()
	inner.Write([]byte(nonce))
	inner.Write(body)

	mac := hmac.New(sha512.New, s.secret)
	mac.Write([]byte(path))
	mac.Write(inner.Sum(nil))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
