// Package httpsig implements draft-cavage HTTP Signatures (RSA-SHA256) for
// both outbound delivery and inbound verification of ActivityPub requests.
package httpsig

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-fed/httpsig"

	"github.com/hiroshiyui/baudrate-sub002/internal/apperr"
)

// signedHeaders is the covered header set for outbound signatures.
var signedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest", "content-type"}

// ActorResolver is the minimal dependency inbound verification needs: fetch
// a remote actor's public key PEM by its (fragment-stripped) URL.
type ActorResolver interface {
	PublicKeyPEM(ctx context.Context, actorURL string) (string, error)
}

// Sign attaches Date, Host, Digest, and Signature headers to req, signing
// body as the request payload; the caller must send body verbatim.
func Sign(req *http.Request, body []byte, keyID string, privKey *rsa.PrivateKey) error {
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		signedHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("httpsig: create signer: %w", err)
	}
	if err := signer.SignRequest(privKey, keyID, req, body); err != nil {
		return fmt.Errorf("httpsig: sign request: %w", err)
	}
	return nil
}

// SignActivity is a convenience wrapper: marshals activity to JSON, builds a
// POST request to inbox, and signs it.
func SignActivity(ctx context.Context, inbox string, activity interface{}, keyID string, privKey *rsa.PrivateKey) (*http.Request, error) {
	body, err := json.Marshal(activity)
	if err != nil {
		return nil, fmt.Errorf("httpsig: marshal activity: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("httpsig: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.ContentLength = int64(len(body))
	if err := Sign(req, body, keyID, privKey); err != nil {
		return nil, err
	}
	return req, nil
}

// VerifyDigest checks the Digest header (if present) against the SHA-256 of
// body. A missing header is not an error: many AP servers omit it on GETs
// and some omit it entirely; presence is only required when InboxDispatcher
// calls this after reading a POST body.
func VerifyDigest(body []byte, digestHeader string) error {
	if digestHeader == "" {
		return nil
	}
	const prefix = "SHA-256="
	if !strings.HasPrefix(digestHeader, prefix) {
		return nil // unknown algorithm: skip rather than reject, for forward-compat
	}
	sum := sha256.Sum256(body)
	got := base64.StdEncoding.EncodeToString(sum[:])
	want := digestHeader[len(prefix):]
	if got != want {
		return apperr.New(apperr.KindSignatureInvalid, "digest_mismatch")
	}
	return nil
}

// Verify checks an inbound request's Signature header against the claimed
// actor's public key. It returns the
// resolved keyId on success.
func Verify(req *http.Request, skew time.Duration, resolver ActorResolver) (keyID string, err error) {
	dateStr := req.Header.Get("Date")
	if dateStr == "" {
		return "", apperr.New(apperr.KindSignatureInvalid, "missing_header")
	}
	reqTime, err := http.ParseTime(dateStr)
	if err != nil {
		return "", apperr.Wrap(apperr.KindSignatureInvalid, "missing_header", err)
	}
	if d := time.Since(reqTime); d > skew || d < -skew {
		return "", apperr.New(apperr.KindSignatureInvalid, "stale_date")
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", apperr.Wrap(apperr.KindSignatureInvalid, "missing_header", err)
	}

	keyID = verifier.KeyId()
	actorURL := strings.SplitN(keyID, "#", 2)[0]

	pemStr, err := resolver.PublicKeyPEM(req.Context(), actorURL)
	if err != nil {
		return keyID, apperr.Wrap(apperr.KindSignatureInvalid, "unknown_actor", err)
	}

	pubKey, err := parsePublicKeyPEM(pemStr)
	if err != nil {
		return keyID, apperr.Wrap(apperr.KindSignatureInvalid, "unknown_actor", err)
	}

	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return keyID, apperr.Wrap(apperr.KindSignatureInvalid, "bad_signature", err)
	}
	return keyID, nil
}
