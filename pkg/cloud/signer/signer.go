// Package signer builds AWS Signature Version 4 authenticated form-encoded
// requests for query-style APIs such as EC2.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	Algorithm      = "AWS4-HMAC-SHA256"
	DefaultVersion = "2016-11-15"
	ContentType    = "application/x-www-form-urlencoded; charset=utf-8"

	terminator    = "aws4_request"
	amzDateFormat = "20060102T150405Z"
	dateFormat    = "20060102"
)

// SigningError is returned when a request cannot be signed. It is never
// worth retrying.
type SigningError struct {
	Reason string
}

func (e *SigningError) Error() string {
	return "signing failed: " + e.Reason
}

type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

type Request struct {
	Method  string
	Region  string
	Service string
	Action  string
	// Version defaults to DefaultVersion.
	Version string
	Params  url.Values
	// Endpoint overrides https://<service>.<region>.amazonaws.com/.
	Endpoint string
}

type SignedRequest struct {
	URL     string
	Headers http.Header
	Body    string

	CanonicalRequest string
	StringToSign     string
	Signature        string
}

type Signer struct {
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

func New() *Signer {
	return &Signer{Now: time.Now}
}

func (s *Signer) now() time.Time {
	if s == nil || s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// Sign produces the URL, headers and body for req authenticated with creds.
func (s *Signer) Sign(req Request, creds Credentials) (*SignedRequest, error) {
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return nil, &SigningError{Reason: "missing access key id or secret access key"}
	}
	if req.Region == "" || req.Service == "" {
		return nil, &SigningError{Reason: "region and service are required"}
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	version := req.Version
	if version == "" {
		version = DefaultVersion
	}

	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.%s.amazonaws.com/", req.Service, req.Region)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, &SigningError{Reason: fmt.Sprintf("invalid endpoint %q: %v", endpoint, err)}
	}
	canonicalURI := u.EscapedPath()
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	params := url.Values{}
	for k, vs := range req.Params {
		params[k] = append([]string(nil), vs...)
	}
	if req.Action != "" {
		params.Set("Action", req.Action)
	}
	params.Set("Version", version)
	body := params.Encode()

	t := s.now()
	amzDate := t.Format(amzDateFormat)
	dateStamp := t.Format(dateFormat)

	headers := map[string]string{
		"content-type": ContentType,
		"host":         u.Host,
		"x-amz-date":   amzDate,
	}
	if creds.SessionToken != "" {
		headers["x-amz-security-token"] = creds.SessionToken
	}
	canonicalHeaders, signedHeaders := canonicalizeHeaders(headers)

	canonicalRequest := strings.Join([]string{
		method,
		canonicalURI,
		u.RawQuery,
		canonicalHeaders,
		signedHeaders,
		hashHex(body),
	}, "\n")

	scope := strings.Join([]string{dateStamp, req.Region, req.Service, terminator}, "/")
	stringToSign := strings.Join([]string{
		Algorithm,
		amzDate,
		scope,
		hashHex(canonicalRequest),
	}, "\n")

	key := SigningKey(creds.SecretAccessKey, dateStamp, req.Region, req.Service)
	signature := hex.EncodeToString(hmacSHA256(key, stringToSign))

	h := http.Header{}
	h.Set("Content-Type", ContentType)
	h.Set("Host", u.Host)
	h.Set("X-Amz-Date", amzDate)
	if creds.SessionToken != "" {
		h.Set("X-Amz-Security-Token", creds.SessionToken)
	}
	h.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		Algorithm, creds.AccessKeyID, scope, signedHeaders, signature))

	return &SignedRequest{
		URL:              u.String(),
		Headers:          h,
		Body:             body,
		CanonicalRequest: canonicalRequest,
		StringToSign:     stringToSign,
		Signature:        signature,
	}, nil
}

// SigningKey derives key -> date -> region -> service -> terminator.
func SigningKey(secret, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, terminator)
}

func canonicalizeHeaders(headers map[string]string) (canonical, signed string) {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, strings.ToLower(name))
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(strings.TrimSpace(headers[name]))
		b.WriteByte('\n')
	}
	return b.String(), strings.Join(names, ";")
}

func hmacSHA256(key []byte, data string) []byte {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(data))
	return m.Sum(nil)
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
