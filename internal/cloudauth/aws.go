package cloudauth

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// SigV4Transport signs outbound requests with AWS Signature Version 4, for
// Bedrock-hosted providers. The body is buffered once to compute the
// payload hash the signature covers.
type SigV4Transport struct {
	Base    http.RoundTripper
	creds   aws.CredentialsProvider
	signer  *v4.Signer
	region  string
	service string
}

// NewSigV4Transport wraps base with SigV4 signing for the given region and
// service (e.g. "us-east-1", "bedrock-runtime").
func NewSigV4Transport(base http.RoundTripper, creds aws.CredentialsProvider, region, service string) *SigV4Transport {
	return &SigV4Transport{
		Base:    base,
		creds:   creds,
		signer:  v4.NewSigner(),
		region:  region,
		service: service,
	}
}

// RoundTrip buffers the body, signs a clone of the request, and forwards
// it. The caller's request is never mutated.
func (t *SigV4Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	var payload []byte
	if r.Body != nil {
		var err error
		payload, err = io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("cloudauth: buffer body for signing: %w", err)
		}
		r.Body.Close()
	}

	r2 := r.Clone(r.Context())
	if len(payload) > 0 {
		r2.Body = io.NopCloser(bytes.NewReader(payload))
		r2.ContentLength = int64(len(payload))
	} else {
		r2.Body = http.NoBody
		r2.ContentLength = 0
	}

	creds, err := t.creds.Retrieve(r.Context())
	if err != nil {
		return nil, fmt.Errorf("cloudauth: retrieve aws credentials: %w", err)
	}

	sum := sha256.Sum256(payload)
	hash := hex.EncodeToString(sum[:])
	if err := t.signer.SignHTTP(r.Context(), creds, r2, hash, t.service, t.region, time.Now()); err != nil {
		return nil, fmt.Errorf("cloudauth: sign request: %w", err)
	}

	return t.base().RoundTrip(r2)
}

func (t *SigV4Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}
