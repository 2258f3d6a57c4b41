package fed

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cvhariharan/go-marks/store"
)

// SignedHeaders computes the Digest and Signature header values for a POST
// of body to path on host at date. Deterministic for fixed inputs.
func SignedHeaders(body []byte, keyID string, key *rsa.PrivateKey, host, path, date string) (signature, digest string, err error) {
	sum := sha256.Sum256(body)
	digest = "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])

	toSign := "(request-target): post " + path +
		"\nhost: " + host +
		"\ndate: " + date +
		"\ndigest: " + digest
	hashed := sha256.Sum256([]byte(toSign))

	sig, err := rsa.SignPKCS1v15(nil, key, crypto.SHA256, hashed[:])
	if err != nil {
		return "", "", errors.Wrap(err, "fed.SignedHeaders")
	}

	signature = `keyId="` + keyID + `",algorithm="rsa-sha256",` +
		`headers="(request-target) host date digest",` +
		`signature="` + base64.StdEncoding.EncodeToString(sig) + `"`
	return signature, digest, nil
}

// ParsePrivateKey decodes a PKCS#1 PEM private key.
func ParsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("no PEM block in private key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "fed.ParsePrivateKey")
	}
	return key, nil
}

// Signer signs and delivers activities to remote inboxes. A delivery
// failure is logged and returned, never escalated; one bad inbox must not
// abort delivery to the rest.
type Signer struct {
	store   *store.Store
	account string
	domain  string
	client  *resty.Client
	logger  *zap.Logger
}

func NewSigner(st *store.Store, account, domain string, logger *zap.Logger) *Signer {
	return &Signer{
		store:   st,
		account: account,
		domain:  domain,
		client:  resty.New(),
		logger:  logger,
	}
}

// Deliver serializes the activity and POSTs it to inbox with Host, Date,
// Digest and Signature headers. No-op when the account has no private key
// on record.
func (s *Signer) Deliver(ctx context.Context, activity any, inbox string) error {
	u, err := url.Parse(inbox)
	if err != nil {
		s.logger.Error("bad inbox url", zap.String("inbox", inbox), zap.Error(err))
		return err
	}

	pemKey, err := s.store.GetPrivateKey(ctx, s.account)
	if err != nil {
		return err
	}
	if pemKey == "" {
		s.logger.Warn("no private key on record, skipping delivery",
			zap.String("account", s.account))
		return nil
	}
	key, err := ParsePrivateKey(pemKey)
	if err != nil {
		s.logger.Error("unparseable private key", zap.Error(err))
		return err
	}

	body, err := json.Marshal(activity)
	if err != nil {
		return err
	}

	date := time.Now().UTC().Format(http.TimeFormat)
	keyID := ActorURI(s.domain, s.account)
	signature, digest, err := SignedHeaders(body, keyID, key, u.Host, u.Path, date)
	if err != nil {
		s.logger.Error("signing failed", zap.String("inbox", inbox), zap.Error(err))
		return err
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Host", u.Host).
		SetHeader("Date", date).
		SetHeader("Digest", digest).
		SetHeader("Signature", signature).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetBody(body).
		Post(inbox)
	if err != nil {
		s.logger.Error("delivery failed", zap.String("inbox", inbox), zap.Error(err))
		return err
	}

	s.logger.Info("delivered activity",
		zap.String("inbox", inbox),
		zap.String("status", resp.Status()),
		zap.ByteString("body", resp.Body()))
	if resp.IsError() {
		return errors.Errorf("inbox %s answered %s", inbox, resp.Status())
	}
	return nil
}
