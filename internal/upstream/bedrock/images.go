package bedrock

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/pysugar/completion-gateway/internal/upstream"
)

const (
	defaultImageTimeout  = 30 * time.Second
	defaultMaxImageBytes = 20 << 20
)

// ImageFetcher resolves image_url parts into inline bytes. Both remote URLs
// and data: URLs are accepted.
type ImageFetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewImageFetcher(client *http.Client, maxBytes int64) *ImageFetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultImageTimeout}
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxImageBytes
	}
	return &ImageFetcher{client: client, maxBytes: maxBytes}
}

func (f *ImageFetcher) Fetch(ctx context.Context, rawURL string) (types.ImageFormat, []byte, error) {
	if strings.HasPrefix(rawURL, "data:") {
		return decodeDataURL(rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("User-Agent", upstream.UserAgent())
	resp, err := f.client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", nil, fmt.Errorf("image fetch returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return "", nil, err
	}
	if int64(len(data)) > f.maxBytes {
		return "", nil, fmt.Errorf("image exceeds %d bytes", f.maxBytes)
	}

	format, ok := imageFormat(resp.Header.Get("Content-Type"))
	if !ok {
		format, ok = imageFormat(http.DetectContentType(data))
	}
	if !ok {
		return "", nil, fmt.Errorf("unsupported image type %q", resp.Header.Get("Content-Type"))
	}
	return format, data, nil
}

func decodeDataURL(raw string) (types.ImageFormat, []byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return "", nil, fmt.Errorf("data url must be base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode data url: %w", err)
	}
	format, ok := imageFormat(strings.TrimSuffix(meta, ";base64"))
	if !ok {
		format, ok = imageFormat(http.DetectContentType(data))
	}
	if !ok {
		return "", nil, fmt.Errorf("unsupported image type %q", meta)
	}
	return format, data, nil
}

func imageFormat(contentType string) (types.ImageFormat, bool) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mediaType {
	case "image/png":
		return types.ImageFormatPng, true
	case "image/jpeg", "image/jpg":
		return types.ImageFormatJpeg, true
	case "image/gif":
		return types.ImageFormatGif, true
	case "image/webp":
		return types.ImageFormatWebp, true
	}
	return "", false
}
