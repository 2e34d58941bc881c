package upstream

import (
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RetryInfo represents the structured error response from Google API for 429 errors
type RetryInfo struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type       string            `json:"@type"`
			Reason     string            `json:"reason"`
			Metadata   map[string]string `json:"metadata"`
			RetryDelay string            `json:"retryDelay"` // e.g. "3.5s"
		} `json:"details"`
	} `json:"error"`
}

var durationTokenRegexp = regexp.MustCompile(`(\d+(?:\.\d+)?)(ms|h|m|s)`)

// ParseResetDuration parses vendor reset strings such as "1h2m3s", "6m0s",
// "250ms" or "1.5s". A bare number is read as seconds. Unparseable input
// yields 0.
func ParseResetDuration(raw string) time.Duration {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(seconds * float64(time.Second))
	}

	matches := durationTokenRegexp.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return 0
	}
	var total time.Duration
	for _, m := range matches {
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		switch m[2] {
		case "h":
			total += time.Duration(n * float64(time.Hour))
		case "m":
			total += time.Duration(n * float64(time.Minute))
		case "s":
			total += time.Duration(n * float64(time.Second))
		case "ms":
			total += time.Duration(n * float64(time.Millisecond))
		}
	}
	return total
}

// RateLimitDelay returns the longer of the request and token reset windows,
// falling back to Retry-After and the vendor body.
func RateLimitDelay(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	requests := ParseResetDuration(resp.Header.Get("x-ratelimit-reset-requests"))
	tokens := ParseResetDuration(resp.Header.Get("x-ratelimit-reset-tokens"))
	if delay := max(requests, tokens); delay > 0 {
		return delay
	}
	return ParseRetryDelay(resp)
}

// ParseRetryDelay attempts to extract a retry duration from a 429 response.
// It checks standard Retry-After header first, then tries to parse the JSON body.
// Returns 0 if no retry information is found.
// NOTE: This consumes and restores the response body if it needs to read it.
func ParseRetryDelay(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if t, err := http.ParseTime(retryAfter); err == nil {
			return time.Until(t)
		}
	}

	if resp.Body == nil {
		return 0
	}
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0
	}
	resp.Body = io.NopCloser(strings.NewReader(string(bodyBytes)))

	var wrapped []RetryInfo
	var errInfo RetryInfo
	if err := json.Unmarshal(bodyBytes, &errInfo); err != nil {
		// Google OpenAI-compatible endpoints wrap the error in an array.
		if err := json.Unmarshal(bodyBytes, &wrapped); err != nil || len(wrapped) == 0 {
			return 0
		}
		errInfo = wrapped[0]
	}

	for _, detail := range errInfo.Error.Details {
		if detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
		if delay, ok := detail.Metadata["retryDelay"]; ok {
			if d, err := time.ParseDuration(delay); err == nil {
				return d
			}
		}
	}
	return 0
}
