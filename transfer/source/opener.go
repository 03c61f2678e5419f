package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bitrise-io/go-transferbridge/transfer/failure"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const defaultContentType = "application/octet-stream"

// Metadata is advisory information taken from the source response headers.
type Metadata struct {
	// ExpectedSize is the Content-Length of the body, -1 when unknown.
	ExpectedSize int64
	ContentType  string
	Filename     string
	// Decoded is set when the body was transparently decoded.
	Decoded bool
}

// Stream is an opened source.
type Stream struct {
	*Reader
	Metadata Metadata
}

// Config configures how sources are opened and read.
type Config struct {
	// ConnectRetries is the number of extra connection attempts made by the HTTP
	// client before the source is reported unreachable. Zero means a single attempt.
	ConnectRetries int
	// HeaderTimeout bounds the wait for the response headers. Zero disables it.
	HeaderTimeout time.Duration
	// Reader configures stall detection on the body.
	Reader ReaderOptions
	// Decode enables transparent zstd/gzip decoding of encoded bodies.
	Decode bool
	// AllowedSources limits the accepted URLs. Empty allows every http(s) URL.
	AllowedSources AllowList
}

// Opener issues the source GET request.
type Opener struct {
	client *retryablehttp.Client
	config Config
	logger log.Logger
}

// NewOpener creates an Opener backed by a retryable HTTP client.
func NewOpener(config Config, logger log.Logger) *Opener {
	client := retryhttp.NewClient(logger)
	client.RetryMax = config.ConnectRetries
	client.CheckRetry = createCustomRetryFunction(logger)
	if transport, ok := client.HTTPClient.Transport.(*http.Transport); ok && config.HeaderTimeout > 0 {
		transport.ResponseHeaderTimeout = config.HeaderTimeout
	}
	// The body is streamed for as long as the transfer runs.
	client.HTTPClient.Timeout = 0

	return NewOpenerWithClient(client, config, logger)
}

// NewOpenerWithClient creates an Opener using the given client.
func NewOpenerWithClient(client *retryablehttp.Client, config Config, logger log.Logger) *Opener {
	return &Opener{client: client, config: config, logger: logger}
}

// Open validates rawURL, issues the GET request and returns the streaming body.
// Failures before any byte is read are classified as SourceUnreachable.
func (o *Opener) Open(ctx context.Context, rawURL string) (*Stream, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, failure.New(failure.InvalidInput, "open source", err)
	}
	allowed, err := o.config.AllowedSources.Allows(u)
	if err != nil {
		return nil, failure.New(failure.InvalidInput, "open source", err)
	}
	if !allowed {
		return nil, failure.Newf(failure.InvalidInput, "open source", "source %s is not in the allowed sources", u.Redacted())
	}

	req, err := retryablehttp.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, failure.New(failure.InvalidInput, "open source", err)
	}
	req = req.WithContext(ctx)
	// Without decoding the object is stored exactly as served.
	if o.config.Decode {
		req.Header.Set("Accept-Encoding", "zstd, gzip")
	} else {
		req.Header.Set("Accept-Encoding", "identity")
	}

	o.logger.Debugf("GET %s", u.Redacted())
	resp, err := o.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, failure.New(failure.Cancelled, "open source", ctx.Err())
		}
		return nil, failure.New(failure.SourceUnreachable, "open source", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func(body io.ReadCloser) {
			if err := body.Close(); err != nil {
				o.logger.Printf(err.Error())
			}
		}(resp.Body)
		return nil, failure.New(failure.SourceUnreachable, "open source", unwrapError(resp))
	}

	var body io.ReadCloser = resp.Body
	decoded := resp.Uncompressed
	if o.config.Decode {
		body, decoded, err = decodeBody(resp)
		if err != nil {
			if cerr := resp.Body.Close(); cerr != nil {
				o.logger.Printf(cerr.Error())
			}
			return nil, failure.New(failure.SourceUnreachable, "open source", err)
		}
	}

	metadata := Metadata{
		ExpectedSize: resp.ContentLength,
		ContentType:  resp.Header.Get("Content-Type"),
		Filename:     Filename(rawURL, resp.Header.Get("Content-Disposition")),
		Decoded:      decoded,
	}
	if metadata.ContentType == "" {
		metadata.ContentType = defaultContentType
	}
	if decoded || metadata.ExpectedSize < 0 {
		metadata.ExpectedSize = -1
	}
	o.logger.Debugf("Source opened: size=%d type=%s filename=%s decoded=%v",
		metadata.ExpectedSize, metadata.ContentType, metadata.Filename, decoded)

	return &Stream{
		Reader:   NewReader(body, o.config.Reader, o.logger),
		Metadata: metadata,
	}, nil
}

// ParseURL accepts absolute http and https URLs only.
func ParseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("source url must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("source url has no host")
	}
	return u, nil
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		retry, checkErr := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		logger.Debugf("Source CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, checkErr, err)
		return retry, checkErr
	}
}

func unwrapError(resp *http.Response) error {
	errorBody := make([]byte, 1024)
	n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorBody[:n])
}
