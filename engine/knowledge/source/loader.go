// Package source loads raw document content from local files and URLs
// before a document is created.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-resty/resty/v2"

	"github.com/crmkit/knowledge/pkg/logger"
)

const (
	DefaultMaxBytes     = 4 * 1024 * 1024
	DefaultFetchTimeout = 30 * time.Second
)

var (
	ErrNoMatch         = errors.New("source: pattern matched no files")
	ErrOutsideRoot     = errors.New("source: path escapes root directory")
	ErrTooLarge        = errors.New("source: content exceeds maximum size")
	ErrUnsupportedType = errors.New("source: unsupported content type")
	ErrEmptyContent    = errors.New("source: content is empty")
)

// Loaded is the normalized content of one source.
type Loaded struct {
	Title       string `json:"title"`
	Content     string `json:"content"`
	FileType    string `json:"file_type"`
	SourceRef   string `json:"source_ref"`
	ContentType string `json:"content_type"`
	Bytes       int64  `json:"bytes"`
}

// Config tunes a Loader. URL fetches only reach public addresses unless the
// host matches AllowedHosts or AllowPrivateNetworks is set.
type Config struct {
	MaxBytes             int64
	FetchTimeout         time.Duration
	PDFEndpoint          string
	AllowedHosts         []string
	AllowPrivateNetworks bool
}

// Loader reads files and URLs into Loaded values.
type Loader struct {
	client   *resty.Client
	maxBytes int64
	timeout  time.Duration
	pdf      PDFExtractor
	guard    *hostGuard
}

// Option customizes a Loader.
type Option func(*Loader)

// WithPDFExtractor overrides the extractor built from Config.PDFEndpoint.
func WithPDFExtractor(ex PDFExtractor) Option {
	return func(l *Loader) {
		l.pdf = ex
	}
}

func NewLoader(cfg Config, opts ...Option) *Loader {
	l := &Loader{
		maxBytes: cfg.MaxBytes,
		timeout:  cfg.FetchTimeout,
		guard:    newHostGuard(cfg.AllowedHosts, cfg.AllowPrivateNetworks),
	}
	if l.maxBytes <= 0 {
		l.maxBytes = DefaultMaxBytes
	}
	if l.timeout <= 0 {
		l.timeout = DefaultFetchTimeout
	}
	l.client = resty.New().
		SetTransport(l.guard.transport(l.timeout)).
		SetRedirectPolicy(resty.RedirectPolicyFunc(l.guard.redirectPolicy))
	if endpoint := strings.TrimSpace(cfg.PDFEndpoint); endpoint != "" {
		l.pdf = NewHTTPExtractor(nil, endpoint, l.timeout)
	} else {
		l.pdf = LocalExtractor{}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadFile resolves pattern under root and loads every match. Matches are
// returned in lexical order.
func (l *Loader) LoadFile(ctx context.Context, root, pattern string) ([]Loaded, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, errors.New("source: file pattern is required")
	}
	root = filepath.Clean(root)
	if filepath.IsAbs(pattern) {
		rel, err := filepath.Rel(root, pattern)
		if err != nil {
			return nil, fmt.Errorf("source: resolve pattern %q: %w", pattern, err)
		}
		pattern = rel
	}
	matches, err := doublestar.FilepathGlob(filepath.Join(root, pattern))
	if err != nil {
		return nil, fmt.Errorf("source: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMatch, pattern)
	}
	out := make([]Loaded, 0, len(matches))
	for _, abs := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		within, err := pathInside(root, abs)
		if err != nil {
			return nil, err
		}
		if !within {
			return nil, fmt.Errorf("%w: %s", ErrOutsideRoot, abs)
		}
		doc, err := l.loadPath(ctx, root, abs)
		if err != nil {
			return nil, err
		}
		out = append(out, *doc)
	}
	return out, nil
}

func (l *Loader) loadPath(ctx context.Context, root, abs string) (*Loaded, error) {
	data, err := readLimited(abs, l.maxBytes)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return nil, fmt.Errorf("source: relative path for %q: %w", abs, err)
	}
	ref := filepath.ToSlash(rel)
	return l.build(ctx, data, "", path.Base(ref), ref)
}

// LoadURL fetches rawURL and decodes its body.
func (l *Loader) LoadURL(ctx context.Context, rawURL string) (*Loaded, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("source: invalid url %q", rawURL)
	}
	if err := l.guard.checkURLHost(parsed.Hostname()); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	resp, err := l.client.R().
		SetContext(ctx).
		SetResponseBodyLimit(int(l.maxBytes)).
		Get(parsed.String())
	if err != nil {
		if errors.Is(err, resty.ErrResponseBodyTooLarge) {
			return nil, fmt.Errorf("%w: %s", ErrTooLarge, rawURL)
		}
		return nil, fmt.Errorf("source: fetch %q: %w", rawURL, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("source: fetch %q: status %d", rawURL, resp.StatusCode())
	}
	logger.FromContext(ctx).Debug("Fetched document source", "url", rawURL, "bytes", len(resp.Body()))
	return l.build(ctx, resp.Body(), resp.Header().Get("Content-Type"), titleFromURL(parsed), parsed.String())
}

func (l *Loader) build(ctx context.Context, data []byte, declared, name, ref string) (*Loaded, error) {
	contentType := detectContentType(data, declared)
	fileType, err := classify(contentType, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s (%s)", err, ref, contentType)
	}
	var text string
	if fileType == FileTypePDF {
		if l.pdf == nil {
			return nil, fmt.Errorf("%w: pdf extraction is not configured (%s)", ErrUnsupportedType, ref)
		}
		text, err = l.pdf.Extract(ctx, name, data)
		if err != nil {
			return nil, fmt.Errorf("source: extract pdf %q: %w", ref, err)
		}
		text = normalizeNewlines(text)
	} else {
		text, err = decodeText(data, contentType)
		if err != nil {
			return nil, fmt.Errorf("source: decode %q: %w", ref, err)
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyContent, ref)
	}
	return &Loaded{
		Title:       titleFromName(name),
		Content:     text,
		FileType:    fileType,
		SourceRef:   ref,
		ContentType: contentType,
		Bytes:       int64(len(data)),
	}, nil
}

func readLimited(p string, limit int64) ([]byte, error) {
	file, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("source: open %q: %w", p, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("source: stat %q: %w", p, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("source: %q is a directory", p)
	}
	if info.Size() > limit {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, p)
	}
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return nil, fmt.Errorf("source: read %q: %w", p, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s grew while reading", ErrTooLarge, p)
	}
	return data, nil
}

func pathInside(root, target string) (bool, error) {
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return false, fmt.Errorf("source: resolve root %q: %w", root, err)
	}
	resolvedTarget, err := filepath.EvalSymlinks(target)
	if err != nil {
		return false, fmt.Errorf("source: resolve %q: %w", target, err)
	}
	rel, err := filepath.Rel(resolvedRoot, resolvedTarget)
	if err != nil {
		return false, fmt.Errorf("source: relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return false, nil
	}
	return true, nil
}

func titleFromURL(u *url.URL) string {
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return u.Host
	}
	return name
}

func titleFromName(name string) string {
	ext := path.Ext(name)
	if base := strings.TrimSuffix(name, ext); base != "" {
		return base
	}
	return name
}
