package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/ledongthuc/pdf"
	"github.com/tidwall/gjson"
)

// PDFExtractor turns a PDF body into plain text.
type PDFExtractor interface {
	Extract(ctx context.Context, filename string, data []byte) (string, error)
}

// HTTPExtractor posts the PDF as multipart form data to an extraction
// service that answers {"text": "..."}.
type HTTPExtractor struct {
	client   *resty.Client
	endpoint string
	timeout  time.Duration
}

func NewHTTPExtractor(client *resty.Client, endpoint string, timeout time.Duration) *HTTPExtractor {
	if client == nil {
		client = resty.New()
	}
	return &HTTPExtractor{client: client, endpoint: endpoint, timeout: timeout}
}

func (e *HTTPExtractor) Extract(ctx context.Context, filename string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty pdf")
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	if strings.TrimSpace(filename) == "" {
		filename = "document.pdf"
	}
	resp, err := e.client.R().
		SetContext(ctx).
		SetFileReader("file", filename, bytes.NewReader(data)).
		Post(e.endpoint)
	if err != nil {
		return "", fmt.Errorf("pdf extraction request: %w", err)
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("pdf extraction returned status %d", resp.StatusCode())
	}
	field := gjson.GetBytes(resp.Body(), "text")
	if !gjson.ValidBytes(resp.Body()) || field.Type != gjson.String {
		return "", errors.New("pdf extraction returned malformed response")
	}
	return field.String(), nil
}

// LocalExtractor reads the text layer of a PDF in process. Scanned PDFs
// without a text layer yield empty content.
type LocalExtractor struct{}

func (LocalExtractor) Extract(ctx context.Context, _ string, data []byte) (text string, err error) {
	if len(data) == 0 {
		return "", errors.New("empty pdf")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	// the parser panics on some malformed cross-reference tables
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("parse pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parse pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	out, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return string(out), nil
}
