package uma

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ggoodman/uma-client-go/claims"
	"github.com/ggoodman/uma-client-go/internal/logctx"
	"github.com/ggoodman/uma-client-go/umacache"
	"github.com/hashicorp/go-cleanhttp"
)

var defaultTransport = cleanhttp.DefaultPooledTransport()

// maxDrain bounds how much of a discarded 401 body is read before closing.
const maxDrain = 64 << 10

// BearerSource supplies the identity session's access token for the plain
// bearer retry. Implementations refresh the token when it is close to
// expiry. An empty token with a nil error means no token is available.
type BearerSource interface {
	BearerToken(ctx context.Context) (string, error)
}

// Transport is an http.RoundTripper that answers 401 responses.
//
// A 401 carrying a UMA challenge triggers discovery and a FetchAccessToken
// run with the challenge's ticket; any other 401 is retried with the
// session's bearer token. Either way the request is retried at most once and
// the retried response is returned as is. Responses other than 401 pass
// through untouched.
//
// With a Cache, a stored UMA token for the request's method and URL is sent
// on the first attempt, and tokens obtained by negotiation are stored.
type Transport struct {
	// Session drives negotiation. Without it UMA challenges are not
	// answered.
	Session claims.Session
	// Bearer is used for non-UMA 401s. Optional.
	Bearer BearerSource
	// Base performs the actual requests. Defaults to a pooled cleanhttp
	// transport.
	Base http.RoundTripper
	// Cache stores UMA tokens per method and URL. Optional.
	Cache *umacache.Cache
	// Logger receives fetch and negotiation events. Optional.
	Logger *slog.Logger
	// Options are passed to every FetchAccessToken run.
	Options []Option
}

func (t *Transport) base() http.RoundTripper {
	if t.Base == nil {
		return defaultTransport
	}
	return t.Base
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := logctx.WithRequestData(req.Context(), &logctx.RequestData{
		Method: req.Method,
		URL:    req.URL.String(),
	})
	log := logctx.Wrap(t.Logger)

	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}
	resourceURL := req.URL.String()

	var cachedAuth string
	if t.Cache != nil {
		entry, err := t.Cache.Get(ctx, resourceURL, req.Method)
		if err != nil {
			log.WarnContext(ctx, "fetch.cache.get_failed", slog.String("err", err.Error()))
		} else if entry != nil {
			cachedAuth = entry.AuthorizationHeader()
		}
	}

	res, err := t.base().RoundTrip(attempt(ctx, req, body, cachedAuth))
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusUnauthorized {
		return res, nil
	}

	if cachedAuth != "" {
		log.InfoContext(ctx, "fetch.cache.rejected")
		if err := t.Cache.Delete(ctx, resourceURL, req.Method); err != nil {
			log.WarnContext(ctx, "fetch.cache.delete_failed", slog.String("err", err.Error()))
		}
	}

	if IsUMAChallenge(res.Header) {
		return t.negotiate(ctx, log, req, body, res)
	}
	return t.retryBearer(ctx, log, req, body, res)
}

func (t *Transport) negotiate(ctx context.Context, log *slog.Logger, req *http.Request, body []byte, res *http.Response) (*http.Response, error) {
	ch, ok := ParseChallenge(res.Header)
	if !ok || !ch.Complete() {
		log.WarnContext(ctx, "fetch.challenge.incomplete")
		return res, nil
	}
	if t.Session == nil {
		log.WarnContext(ctx, "fetch.challenge.no_session")
		return res, nil
	}
	discard(res)

	meta, err := DiscoverConfiguration(ctx, t.Session.HTTPClient(), ch.ASURI)
	if err != nil {
		return nil, err
	}

	opts := append([]Option{WithLogger(log)}, t.Options...)
	tok, err := FetchAccessToken(ctx, t.Session, meta.TokenEndpoint, TicketRequest(ch.Ticket), opts...)
	if err != nil {
		return nil, err
	}

	if t.Cache != nil {
		err := t.Cache.Put(ctx, req.URL.String(), req.Method, umacache.Token{
			TokenType:   tok.TokenType,
			AccessToken: tok.AccessToken,
			ExpiresIn:   tok.ExpiresIn,
		})
		if err != nil {
			log.WarnContext(ctx, "fetch.cache.put_failed", slog.String("err", err.Error()))
		}
	}

	log.InfoContext(ctx, "fetch.retry.uma")
	return t.base().RoundTrip(attempt(ctx, req, body, tok.AuthorizationHeader()))
}

func (t *Transport) retryBearer(ctx context.Context, log *slog.Logger, req *http.Request, body []byte, res *http.Response) (*http.Response, error) {
	if t.Bearer == nil {
		return res, nil
	}
	tok, err := t.Bearer.BearerToken(ctx)
	if err != nil {
		log.WarnContext(ctx, "fetch.bearer.unavailable", slog.String("err", err.Error()))
		return res, nil
	}
	if tok == "" {
		return res, nil
	}
	discard(res)

	log.InfoContext(ctx, "fetch.retry.bearer")
	return t.base().RoundTrip(attempt(ctx, req, body, "Bearer "+tok))
}

// bufferBody reads and closes the request body so it can be sent twice.
func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	b, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("uma: buffer request body: %w", err)
	}
	return b, nil
}

// attempt clones req with a fresh body and, if auth is set, an
// Authorization header.
func attempt(ctx context.Context, req *http.Request, body []byte, auth string) *http.Request {
	r := req.Clone(ctx)
	if body != nil {
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		r.ContentLength = int64(len(body))
	}
	if auth != "" {
		r.Header.Set("Authorization", auth)
	}
	return r
}

func discard(res *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxDrain))
	_ = res.Body.Close()
}
