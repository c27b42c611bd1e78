package uma

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/ggoodman/uma-client-go/claims"
	"github.com/ggoodman/uma-client-go/internal/logctx"
	"github.com/google/uuid"
)

// GrantTypeUMATicket is the OAuth grant type for UMA token requests.
const GrantTypeUMATicket = "urn:ietf:params:oauth:grant-type:uma-ticket"

const (
	defaultMaxPollInterval = 30 * time.Second
	// maxUncappedWait bounds the wait when WithMaxPollInterval disables the cap.
	maxUncappedWait = 24 * time.Hour
)

// PermissionDescription requests access to one resource.
type PermissionDescription struct {
	ResourceID     string   `json:"resource_id"`
	ResourceScopes []string `json:"resource_scopes,omitempty"`
}

// Request is the starting point of a negotiation: either a permission ticket
// issued by a resource server, or a list of permissions.
type Request struct {
	Ticket      string
	Permissions []PermissionDescription
	Scope       string
}

// TicketRequest starts a negotiation from a permission ticket.
func TicketRequest(ticket string) Request { return Request{Ticket: ticket} }

// PermissionRequest starts a negotiation from explicit permissions.
func PermissionRequest(perms ...PermissionDescription) Request {
	return Request{Permissions: perms}
}

func (r Request) mode() string {
	if r.Ticket != "" {
		return "ticket"
	}
	return "permissions"
}

// TokenRequest is the JSON body POSTed to the token endpoint.
type TokenRequest struct {
	GrantType        string                  `json:"grant_type"`
	Ticket           string                  `json:"ticket,omitempty"`
	Permissions      []PermissionDescription `json:"permissions,omitempty"`
	ClaimToken       string                  `json:"claim_token,omitempty"`
	ClaimTokenFormat string                  `json:"claim_token_format,omitempty"`
	Scope            string                  `json:"scope,omitempty"`
}

// TokenResponse is a successful token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	PCT          string `json:"pct,omitempty"`
	Upgraded     bool   `json:"upgraded,omitempty"`
}

// AuthorizationHeader renders the token for an Authorization header.
func (t *TokenResponse) AuthorizationHeader() string {
	return t.TokenType + " " + t.AccessToken
}

type errorResponse struct {
	Error            string                 `json:"error"`
	ErrorDescription string                 `json:"error_description,omitempty"`
	RequiredClaims   []claims.RequiredClaim `json:"required_claims,omitempty"`
	Ticket           string                 `json:"ticket,omitempty"`
	Interval         float64                `json:"interval,omitempty"`
	RedirectUser     bool                   `json:"redirect_user,omitempty"`
}

// Option configures FetchAccessToken.
type Option func(*negotiation)

// WithLogger sets the logger for negotiation events.
func WithLogger(l *slog.Logger) Option {
	return func(n *negotiation) { n.log = l }
}

// WithMaxPollInterval caps how long a need_info "interval" may delay the
// next request. Zero or less removes the cap.
func WithMaxPollInterval(d time.Duration) Option {
	return func(n *negotiation) { n.maxPoll = d }
}

type negotiation struct {
	sess     claims.Session
	endpoint string
	log      *slog.Logger
	maxPoll  time.Duration

	pushed  map[string]struct{}
	pending *claims.Claim
	current Request
}

type (
	loggerKey  struct{}
	optionsKey struct{}
)

// FetchAccessToken runs the UMA ticket grant against tokenEndpoint until the
// server issues an access token or the negotiation cannot progress.
//
// The session's ID token is pushed with the first request. Every need_info
// response is answered by resolving the first required claim that has not
// been pushed yet in this run; a response that only repeats pushed claims
// ends the run with a *NegotiationStuckError.
func FetchAccessToken(ctx context.Context, sess claims.Session, tokenEndpoint string, req Request, opts ...Option) (*TokenResponse, error) {
	if req.Ticket == "" && len(req.Permissions) == 0 {
		return nil, ErrInvalidRequest
	}

	n := &negotiation{
		sess:     sess,
		endpoint: tokenEndpoint,
		maxPoll:  defaultMaxPollInterval,
		current:  req,
		pushed:   map[string]struct{}{},
	}
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		n.log = l
	}
	inherited, _ := ctx.Value(optionsKey{}).([]Option)
	opts = append(slices.Clone(inherited), opts...)
	for _, opt := range opts {
		opt(n)
	}
	n.log = logctx.Wrap(n.log)

	// Nested negotiations started by claim resolvers inherit the logger and
	// the options of this run.
	ctx = context.WithValue(ctx, loggerKey{}, n.log)
	ctx = context.WithValue(ctx, optionsKey{}, opts)
	nd := &logctx.NegotiationData{
		RunID:         uuid.NewString(),
		Mode:          req.mode(),
		TokenEndpoint: tokenEndpoint,
	}
	if parent, ok := logctx.NegotiationFrom(ctx); ok {
		nd.ParentRunID = parent.RunID
	}
	ctx = logctx.WithNegotiationData(ctx, nd)

	return n.run(ctx)
}

func (n *negotiation) run(ctx context.Context) (*TokenResponse, error) {
	seedIDTokenKeys(n.pushed)

	idToken, err := n.sess.CreateClaimToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("uma: baseline claim token: %w", err)
	}
	n.pending = &claims.Claim{ClaimToken: idToken, ClaimTokenFormat: claims.IDTokenFormat}

	for step := 1; ; step++ {
		n.log.DebugContext(ctx, "uma.token.request", slog.Int("step", step), slog.String("claim_token_format", n.pending.ClaimTokenFormat))

		reply, err := n.post(ctx)
		if err != nil {
			return nil, err
		}
		status, body := reply.status, reply.body

		if status >= 200 && status <= 299 {
			return n.success(ctx, reply, step)
		}

		var head struct {
			Error string `json:"error"`
		}
		if !reply.json || json.Unmarshal(body, &head) != nil || head.Error != "need_info" {
			n.log.WarnContext(ctx, "uma.token.error", slog.Int("status", status), slog.String("error", head.Error))
			return nil, &TokenRequestError{Message: "token request failed", Status: status, Payload: body}
		}
		var errRes errorResponse
		if err := json.Unmarshal(body, &errRes); err != nil {
			n.log.WarnContext(ctx, "uma.need_info.malformed", slog.String("err", err.Error()))
			return nil, &TokenRequestError{Message: "malformed need_info response: " + err.Error(), Status: status, Payload: body}
		}
		if len(errRes.RequiredClaims) == 0 {
			return nil, &TokenRequestError{Message: "need_info without required_claims", Status: status, Payload: body}
		}

		next, key, ok := n.nextUnpushed(errRes.RequiredClaims)
		if !ok {
			n.log.WarnContext(ctx, "uma.negotiate.stuck", slog.Int("step", step), slog.Int("required", len(errRes.RequiredClaims)))
			return nil, &NegotiationStuckError{Claims: errRes.RequiredClaims}
		}
		n.pushed[key] = struct{}{}
		n.log.InfoContext(ctx, "uma.need_info", slog.Int("step", step), slog.String("claim", key))

		claim, err := n.resolve(ctx, next)
		if err != nil {
			return nil, err
		}
		n.pending = claim

		if n.current.Ticket != "" && errRes.Ticket != "" {
			n.current.Ticket = errRes.Ticket
		}

		if err := n.wait(ctx, errRes.Interval); err != nil {
			return nil, err
		}
	}
}

// tokenReply is a raw token endpoint response.
type tokenReply struct {
	status int
	body   []byte
	// json reports whether the declared Content-Type is JSON.
	json bool
}

func (n *negotiation) post(ctx context.Context) (*tokenReply, error) {
	payload := TokenRequest{
		GrantType:   GrantTypeUMATicket,
		Ticket:      n.current.Ticket,
		Permissions: n.current.Permissions,
		Scope:       n.current.Scope,
	}
	if n.current.Ticket != "" {
		payload.Permissions = nil
	}
	if n.pending != nil {
		payload.ClaimToken = n.pending.ClaimToken
		payload.ClaimTokenFormat = n.pending.ClaimTokenFormat
	}

	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("uma: encode token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("uma: token request: %w", err)
	}
	req.Header.Set("Content-Type", jsonMediaType.String())
	req.Header.Set("Accept", jsonMediaType.String())

	res, err := clientOrDefault(n.sess.HTTPClient()).Do(req)
	if err != nil {
		return nil, fmt.Errorf("uma: post %s: %w", n.endpoint, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("uma: read token response: %w", err)
	}
	return &tokenReply{status: res.StatusCode, body: body, json: isJSONMediaType(res.Header)}, nil
}

func (n *negotiation) success(ctx context.Context, reply *tokenReply, step int) (*TokenResponse, error) {
	status, body := reply.status, reply.body
	if len(body) == 0 {
		return nil, &TokenRequestError{Message: "token response was empty", Status: status}
	}
	if !reply.json {
		return nil, &TokenRequestError{Message: "token response is not JSON", Status: status, Payload: body}
	}
	var tok TokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, &TokenRequestError{Message: "token response is not JSON", Status: status, Payload: body}
	}
	if tok.AccessToken == "" || tok.TokenType == "" {
		return nil, &TokenRequestError{Message: "token response missing access_token or token_type", Status: status, Payload: body}
	}
	n.log.InfoContext(ctx, "uma.negotiate.ok", slog.Int("requests", step), slog.String("token_type", tok.TokenType))
	return &tok, nil
}

func (n *negotiation) nextUnpushed(required []claims.RequiredClaim) (claims.RequiredClaim, string, bool) {
	for _, rc := range required {
		key := ClaimKey(rc)
		if _, done := n.pushed[key]; !done {
			return rc, key, true
		}
	}
	return claims.RequiredClaim{}, "", false
}

func (n *negotiation) resolve(ctx context.Context, required claims.RequiredClaim) (*claims.Claim, error) {
	produced, err := claims.Gather(ctx, nil, []claims.RequiredClaim{required}, n.sess, n.sess.ClaimResolvers())
	if err != nil {
		n.log.WarnContext(ctx, "uma.claim.resolve_failed", slog.String("claim", required.String()), slog.String("err", err.Error()))
		return nil, fmt.Errorf("uma: resolve %s: %w", required, err)
	}
	if len(produced) == 0 {
		return nil, fmt.Errorf("%w: no resolver produced a claim for %s", claims.ErrIncompleteClaim, required)
	}
	c := produced[0]
	if !c.Complete() {
		return nil, fmt.Errorf("%w: resolved claim for %s is missing claim_token or claim_token_format", claims.ErrIncompleteClaim, required)
	}
	return &c, nil
}

func (n *negotiation) wait(ctx context.Context, intervalSeconds float64) error {
	if intervalSeconds <= 0 {
		return nil
	}
	limit := n.maxPoll
	if limit <= 0 {
		limit = maxUncappedWait
	}
	d := limit
	if intervalSeconds < limit.Seconds() {
		d = time.Duration(intervalSeconds * float64(time.Second))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("uma: waiting %s before next token request: %w", d, ctx.Err())
	case <-t.C:
		return nil
	}
}

// ClaimKey is the canonical identity of a required claim within one
// negotiation run: a JSON object of its non-empty fields with keys and
// multi-valued sets sorted. A one-element set renders like a bare string.
func ClaimKey(rc claims.RequiredClaim) string {
	m := make(map[string]claims.Values, len(claims.Fields))
	for _, f := range claims.Fields {
		v := rc.Values(f)
		if len(v) == 0 {
			continue
		}
		sorted := slices.Clone(v)
		slices.Sort(sorted)
		m[string(f)] = sorted
	}
	// A map of string sets always encodes.
	b, _ := json.Marshal(m)
	return string(b)
}

func seedIDTokenKeys(pushed map[string]struct{}) {
	for _, format := range []string{claims.IDTokenFormat, claims.IDTokenFormatURN} {
		pushed[ClaimKey(claims.RequiredClaim{ClaimTokenFormat: claims.One(format)})] = struct{}{}
		pushed[ClaimKey(claims.RequiredClaim{ClaimType: claims.One(format)})] = struct{}{}
	}
}
