// Package resolve implements the gateway URL resolver (C9): it turns a
// domain/region/useSharedClientApi/token tuple into the concrete
// "https://mt-client-api-..." base URL that the "/ws" connect URL is
// built from, via the provisioning REST endpoints.
// No example repo in the corpus does outbound provisioning REST calls
// with a third-party HTTP client (see DESIGN.md), so this is one of the
// few components built directly on net/http rather than a pack library.
package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/adred-codev/mtgateway/internal/errs"
)

// Options configures a Resolver. Zero-value Region means "use the
// account's default region".
type Options struct {
	Domain             string
	Region             string
	UseSharedClientAPI bool
}

func (o Options) withDefaults() Options {
	if o.Domain == "" {
		o.Domain = "agiliumtrade.agiliumtrade.ai"
	}
	return o
}

// HTTPDoer is the minimal surface Resolver needs from an HTTP client,
// letting tests substitute a fake without a real listener.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Resolver implements C9.
type Resolver struct {
	opts   Options
	client HTTPDoer
	token  string

	// dedicatedNoticeLimit gates the "dedicated server spin-up" log to
	// exactly once: burst 1, refill rate 0, so the first Allow() drains
	// the only token and every later call returns false permanently.
	dedicatedNoticeLimit *rate.Limiter
	logf                 func(format string, args ...any)
}

// New builds a Resolver for the given token using http.DefaultClient.
func New(token string, opts Options, client HTTPDoer, logf func(string, ...any)) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Resolver{
		opts:                 opts.withDefaults(),
		client:               client,
		token:                token,
		dedicatedNoticeLimit: rate.NewLimiter(0, 1),
		logf:                 logf,
	}
}

type regionsResponse []string

type serverResponse struct {
	URL      string `json:"url"`
	Hostname string `json:"hostname"`
	Domain   string `json:"domain"`
}

// ResolveWebsocketBase resolves the base "https://mt-client-api-..." URL
// to build the "/ws" connect URL from, per spec.md §4.9.
func (r *Resolver) ResolveWebsocketBase(ctx context.Context) (string, error) {
	defaultRegion, resolvedRegion, err := r.resolveRegion(ctx)
	if err != nil {
		return "", err
	}
	region := resolvedRegion
	isDefault := region == defaultRegion

	if r.opts.UseSharedClientAPI {
		if isDefault {
			return fmt.Sprintf("https://mt-client-api-v1.%s", r.opts.Domain), nil
		}
		return fmt.Sprintf("https://mt-client-api-v1.%s.%s", region, r.opts.Domain), nil
	}

	if r.dedicatedNoticeLimit.Allow() {
		r.logf("connecting to a dedicated server; spin-up can take up to 3 minutes")
	}

	srv, err := r.getServer(ctx)
	if err != nil {
		return "", err
	}
	if isDefault {
		return srv.URL, nil
	}
	return fmt.Sprintf("https://%s.%s.%s", srv.Hostname, region, srv.Domain), nil
}

// resolveRegion returns (defaultRegion, chosenRegion). If opts.Region is
// unset, both are the server's default region.
func (r *Resolver) resolveRegion(ctx context.Context) (string, string, error) {
	if r.opts.Region == "" {
		regions, err := r.getRegions(ctx)
		if err != nil {
			return "", "", err
		}
		if len(regions) == 0 {
			return "", "", &errs.NotFoundError{Message: "account has no regions"}
		}
		return regions[0], regions[0], nil
	}

	regions, err := r.getRegions(ctx)
	if err != nil {
		return "", "", err
	}
	if len(regions) == 0 {
		return "", "", &errs.NotFoundError{Message: "account has no regions"}
	}
	for _, reg := range regions {
		if reg == r.opts.Region {
			return regions[0], reg, nil
		}
	}
	return "", "", &errs.NotFoundError{Message: "region " + r.opts.Region + " not found for this account"}
}

func (r *Resolver) getRegions(ctx context.Context) (regionsResponse, error) {
	var out regionsResponse
	err := r.getJSON(ctx, fmt.Sprintf("https://mt-provisioning-api-v1.%s/users/current/regions", r.opts.Domain), &out)
	return out, err
}

func (r *Resolver) getServer(ctx context.Context) (serverResponse, error) {
	var out serverResponse
	err := r.getJSON(ctx, fmt.Sprintf("https://mt-provisioning-api-v1.%s/users/current/servers/mt-client-api", r.opts.Domain), &out)
	return out, err
}

func (r *Resolver) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("auth-token", r.token)

	resp, err := r.client.Do(req)
	if err != nil {
		return &errs.InternalError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &errs.NotFoundError{Message: "provisioning endpoint returned 404: " + url}
	}
	if resp.StatusCode >= 400 {
		return &errs.InternalError{Message: fmt.Sprintf("provisioning request to %s failed with status %d", url, resp.StatusCode)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
