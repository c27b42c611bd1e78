package uma

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/uma-client-go/internal/wellknown"
	"github.com/hashicorp/go-cleanhttp"
)

const maxResponseBody = 1 << 20

var (
	jsonMediaType = contenttype.NewMediaType("application/json")

	defaultClient = cleanhttp.DefaultPooledClient()
)

func clientOrDefault(c *http.Client) *http.Client {
	if c == nil {
		return defaultClient
	}
	return c
}

// DiscoverConfiguration fetches the UMA authorization server metadata for
// asURI. Each call performs exactly one request; nothing is cached.
func DiscoverConfiguration(ctx context.Context, client *http.Client, asURI string) (*wellknown.UMAConfiguration, error) {
	metaURL := wellknown.UMAConfigurationURL(asURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("uma: metadata request: %w", err)
	}
	req.Header.Set("Accept", jsonMediaType.String())

	res, err := clientOrDefault(client).Do(req)
	if err != nil {
		return nil, fmt.Errorf("uma: fetch metadata %s: %w", metaURL, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("uma: read metadata: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &TokenRequestError{Message: "metadata discovery failed", Status: res.StatusCode, Payload: body}
	}
	if len(body) == 0 {
		return nil, &TokenRequestError{Message: "metadata response was empty", Status: res.StatusCode}
	}
	if !isJSONMediaType(res.Header) {
		return nil, &TokenRequestError{Message: "metadata response is not JSON (" + res.Header.Get("Content-Type") + ")", Status: res.StatusCode, Payload: body}
	}

	var meta wellknown.UMAConfiguration
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, &TokenRequestError{Message: "metadata response is not JSON", Status: res.StatusCode, Payload: body}
	}
	if meta.TokenEndpoint == "" {
		return nil, fmt.Errorf("%w: metadata at %s has no token_endpoint", ErrProtocol, metaURL)
	}
	return &meta, nil
}

// isJSONMediaType reports whether the response declares a JSON body:
// application/json or a +json structured suffix. A missing Content-Type is
// accepted and left to the decoder.
func isJSONMediaType(h http.Header) bool {
	ct := h.Get("Content-Type")
	if ct == "" {
		return true
	}
	mt, err := contenttype.ParseMediaType(ct)
	if err != nil {
		return false
	}
	if mt.EqualsMIME(jsonMediaType) {
		return true
	}
	return mt.Type == jsonMediaType.Type && strings.HasSuffix(mt.Subtype, "+json")
}
