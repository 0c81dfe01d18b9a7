// Package ec2 is a minimal client for the EC2 query API, signed with
// pkg/cloud/signer.
package ec2

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"spire/pkg/cloud/signer"
)

const service = "ec2"

// APIError is a rejection reported by the provider.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("ec2: http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("ec2: %s: %s", e.Code, e.Message)
}

type Client struct {
	http     *http.Client
	signer   *signer.Signer
	creds    signer.Credentials
	endpoint string
}

type Option func(*Client)

// WithEndpoint sends every request to endpoint instead of the regional
// amazonaws.com host.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithSigner(s *signer.Signer) Option {
	return func(c *Client) { c.signer = s }
}

func New(creds signer.Credentials, opts ...Option) *Client {
	c := &Client{
		http:   &http.Client{Timeout: 30 * time.Second},
		signer: signer.New(),
		creds:  creds,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DescribeImageName resolves the display name of an image.
func (c *Client) DescribeImageName(ctx context.Context, region, imageID string) (string, error) {
	var out struct {
		Images []struct {
			ImageID string `xml:"imageId"`
			Name    string `xml:"name"`
		} `xml:"imagesSet>item"`
	}
	params := url.Values{"ImageId.1": {imageID}}
	if err := c.call(ctx, region, "DescribeImages", params, &out); err != nil {
		return "", err
	}
	for _, img := range out.Images {
		if img.Name != "" {
			return img.Name, nil
		}
	}
	return "", fmt.Errorf("ec2: image %s has no name in DescribeImages response", imageID)
}

// ImportKeyPair registers an OpenSSH-format public key under name.
func (c *Client) ImportKeyPair(ctx context.Context, region, name string, publicKey []byte) error {
	params := url.Values{
		"KeyName":           {name},
		"PublicKeyMaterial": {base64.StdEncoding.EncodeToString(publicKey)},
	}
	return c.call(ctx, region, "ImportKeyPair", params, nil)
}

func (c *Client) DeleteKeyPair(ctx context.Context, region, name string) error {
	return c.call(ctx, region, "DeleteKeyPair", url.Values{"KeyName": {name}}, nil)
}

type RunInput struct {
	Region       string
	ImageID      string
	InstanceType string
	KeyName      string
	Tags         map[string]string
}

type RunOutput struct {
	InstanceID string
	PublicIP   string
	State      string
}

// RunInstance launches exactly one instance.
func (c *Client) RunInstance(ctx context.Context, in RunInput) (*RunOutput, error) {
	params := url.Values{
		"ImageId":      {in.ImageID},
		"InstanceType": {in.InstanceType},
		"KeyName":      {in.KeyName},
		"MinCount":     {"1"},
		"MaxCount":     {"1"},
	}
	if len(in.Tags) > 0 {
		params.Set("TagSpecification.1.ResourceType", "instance")
		n := 1
		for _, k := range sortedKeys(in.Tags) {
			prefix := "TagSpecification.1.Tag." + strconv.Itoa(n)
			params.Set(prefix+".Key", k)
			params.Set(prefix+".Value", in.Tags[k])
			n++
		}
	}

	var out struct {
		Instances []struct {
			InstanceID string `xml:"instanceId"`
			IPAddress  string `xml:"ipAddress"`
			State      string `xml:"instanceState>name"`
		} `xml:"instancesSet>item"`
	}
	if err := c.call(ctx, in.Region, "RunInstances", params, &out); err != nil {
		return nil, err
	}
	if len(out.Instances) == 0 {
		return &RunOutput{}, nil
	}
	first := out.Instances[0]
	return &RunOutput{InstanceID: first.InstanceID, PublicIP: first.IPAddress, State: first.State}, nil
}

// TerminateInstances destroys ids. An instance EC2 no longer knows about is
// already gone, so InvalidInstanceID.NotFound is not an error.
func (c *Client) TerminateInstances(ctx context.Context, region string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	params := url.Values{}
	for i, id := range ids {
		params.Set("InstanceId."+strconv.Itoa(i+1), id)
	}
	err := c.call(ctx, region, "TerminateInstances", params, nil)
	if IsCode(err, "InvalidInstanceID.NotFound") {
		return nil
	}
	return err
}

func (c *Client) call(ctx context.Context, region, action string, params url.Values, out any) error {
	signed, err := c.signer.Sign(signer.Request{
		Method:   http.MethodPost,
		Region:   region,
		Service:  service,
		Action:   action,
		Params:   params,
		Endpoint: c.endpoint,
	}, c.creds)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, signed.URL, strings.NewReader(signed.Body))
	if err != nil {
		return fmt.Errorf("ec2: build %s request: %w", action, err)
	}
	for k, vs := range signed.Headers {
		if strings.EqualFold(k, "Host") {
			req.Host = vs[0]
			continue
		}
		req.Header[k] = vs
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ec2: %s: %w", action, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("ec2: read %s response: %w", action, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := xml.Unmarshal(body, out); err != nil {
		return fmt.Errorf("ec2: decode %s response: %w", action, err)
	}
	return nil
}

func decodeError(status int, body []byte) error {
	var env struct {
		Errors []struct {
			Code    string `xml:"Code"`
			Message string `xml:"Message"`
		} `xml:"Errors>Error"`
	}
	if err := xml.Unmarshal(body, &env); err == nil && len(env.Errors) > 0 {
		return &APIError{Status: status, Code: env.Errors[0].Code, Message: env.Errors[0].Message}
	}
	return &APIError{Status: status, Message: strings.TrimSpace(string(body))}
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
