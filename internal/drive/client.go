package drive

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/drivesentry/drivesentry/internal/errors"
	"github.com/drivesentry/drivesentry/internal/logging"
)

const (
	defaultAPIBase   = "https://www.googleapis.com"
	defaultAuthURL   = "https://accounts.google.com/o/oauth2/auth"
	defaultTokenURL  = "https://oauth2.googleapis.com/token"
	defaultRevokeURL = "https://oauth2.googleapis.com/revoke"

	// ScopeDrive grants full read/write access to the storage account
	ScopeDrive = "https://www.googleapis.com/auth/drive"
	// ScopeEmail lets the callback resolve the account email
	ScopeEmail = "https://www.googleapis.com/auth/userinfo.email"
)

// OAuthConfig holds the provider application credentials.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// Client talks to the storage provider: OAuth token endpoints, the quota
// API and the file listing API. All responses are classified into
// ProviderError kinds so the retry executor can decide what to do.
type Client struct {
	oauth      *oauth2.Config
	httpClient *http.Client
	apiBase    string
	revokeURL  string
	logger     *logging.Logger
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for API calls
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithAPIBase overrides the API base URL, used by tests
func WithAPIBase(base string) ClientOption {
	return func(c *Client) {
		c.apiBase = strings.TrimRight(base, "/")
	}
}

// WithTokenURL overrides the OAuth token endpoint, used by tests
func WithTokenURL(tokenURL string) ClientOption {
	return func(c *Client) {
		c.oauth.Endpoint.TokenURL = tokenURL
	}
}

// WithRevokeURL overrides the OAuth revoke endpoint, used by tests
func WithRevokeURL(revokeURL string) ClientOption {
	return func(c *Client) {
		c.revokeURL = revokeURL
	}
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a provider client for the given OAuth application
func NewClient(cfg OAuthConfig, opts ...ClientOption) *Client {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{ScopeDrive, ScopeEmail}
	}

	c := &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  defaultAuthURL,
				TokenURL: defaultTokenURL,
			},
		},
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiBase:    defaultAPIBase,
		revokeURL:  defaultRevokeURL,
		logger:     logging.NewLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthCodeURL builds the provider consent URL for the given state nonce.
// Offline access and forced consent make the provider return a refresh
// token even on repeat grants.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// Exchange trades an authorization code for a token pair
func (c *Client) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, classifyOAuthError("exchange_code", err)
	}
	return token, nil
}

// Refresh obtains a fresh access token from a refresh token. When the
// provider omits the refresh token in its response the old one is kept.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	src := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	token, err := src.Token()
	if err != nil {
		return nil, classifyOAuthError("refresh_token", err)
	}

	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}

// Revoke invalidates a token pair at the provider
func (c *Client) Revoke(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return &errors.ProviderError{Kind: errors.ProviderTransient, Op: "revoke_token", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &errors.ProviderError{Kind: errors.ProviderTransient, Op: "revoke_token", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return classifyHTTPStatus("revoke_token", resp)
	}
	return nil
}

// StorageQuota is the provider-reported storage quota snapshot.
// Limit is nil for unlimited plans.
type StorageQuota struct {
	Limit             *int64
	Usage             int64
	UsageInDrive      int64
	UsageInDriveTrash int64
}

// UserEmail resolves the email of the account that owns the token
func (c *Client) UserEmail(ctx context.Context, accessToken string) (string, error) {
	var info struct {
		Email string `json:"email"`
	}
	if err := c.getJSON(ctx, "fetch_user", "/oauth2/v2/userinfo", accessToken, &info); err != nil {
		return "", err
	}
	if info.Email == "" {
		return "", &errors.ProviderError{Kind: errors.ProviderTransient, Op: "fetch_user",
			Err: fmt.Errorf("provider returned no email")}
	}
	return info.Email, nil
}

// FetchQuota retrieves the current storage quota for the token's account
func (c *Client) FetchQuota(ctx context.Context, accessToken string) (*StorageQuota, error) {
	var about struct {
		StorageQuota struct {
			Limit             string `json:"limit"`
			Usage             string `json:"usage"`
			UsageInDrive      string `json:"usageInDrive"`
			UsageInDriveTrash string `json:"usageInDriveTrash"`
		} `json:"storageQuota"`
	}

	err := c.getJSON(ctx, "fetch_quota", "/drive/v3/about?fields=storageQuota", accessToken, &about)
	if err != nil {
		return nil, err
	}

	quota := &StorageQuota{}
	// The provider reports byte counts as decimal strings. Limit is
	// absent on unlimited plans.
	if about.StorageQuota.Limit != "" {
		limit, err := strconv.ParseInt(about.StorageQuota.Limit, 10, 64)
		if err != nil {
			return nil, &errors.ProviderError{Kind: errors.ProviderTransient, Op: "fetch_quota",
				Err: fmt.Errorf("malformed quota limit %q: %w", about.StorageQuota.Limit, err)}
		}
		quota.Limit = &limit
	}
	quota.Usage, err = parseQuotaBytes(about.StorageQuota.Usage)
	if err != nil {
		return nil, &errors.ProviderError{Kind: errors.ProviderTransient, Op: "fetch_quota", Err: err}
	}
	quota.UsageInDrive, _ = parseQuotaBytes(about.StorageQuota.UsageInDrive)
	quota.UsageInDriveTrash, _ = parseQuotaBytes(about.StorageQuota.UsageInDriveTrash)

	return quota, nil
}

// File is one entry from the provider file listing
type File struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MD5Checksum string `json:"md5Checksum"`
	Size        string `json:"size"`
}

// ContentHash computes the hex MD5 digest of a file's content, the same
// form the provider reports in md5Checksum.
func ContentHash(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FindDuplicateByHash scans the file listing for an entry whose content
// hash matches. It returns nil when no duplicate exists.
func (c *Client) FindDuplicateByHash(ctx context.Context, accessToken, md5 string) (*File, error) {
	pageToken := ""
	for {
		path := "/drive/v3/files?fields=" + url.QueryEscape("nextPageToken,files(id,name,md5Checksum,size)") +
			"&q=" + url.QueryEscape("trashed=false") + "&pageSize=1000"
		if pageToken != "" {
			path += "&pageToken=" + url.QueryEscape(pageToken)
		}

		var page struct {
			NextPageToken string `json:"nextPageToken"`
			Files         []File `json:"files"`
		}
		if err := c.getJSON(ctx, "list_files", path, accessToken, &page); err != nil {
			return nil, err
		}

		for i := range page.Files {
			if page.Files[i].MD5Checksum != "" && page.Files[i].MD5Checksum == md5 {
				return &page.Files[i], nil
			}
		}

		if page.NextPageToken == "" {
			return nil, nil
		}
		pageToken = page.NextPageToken
	}
}

func (c *Client) getJSON(ctx context.Context, op, path, accessToken string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+path, nil)
	if err != nil {
		return &errors.ProviderError{Kind: errors.ProviderTransient, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &errors.ProviderError{Kind: errors.ProviderTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return classifyHTTPStatus(op, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &errors.ProviderError{Kind: errors.ProviderTransient, Op: op,
			Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func parseQuotaBytes(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed byte count %q: %w", s, err)
	}
	return n, nil
}

// classifyHTTPStatus maps a non-200 API response to a ProviderError
func classifyHTTPStatus(op string, resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		return &errors.ProviderError{
			Kind:       errors.ProviderRateLimited,
			Op:         op,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return &errors.ProviderError{
		Kind:       errors.ProviderTransient,
		Op:         op,
		StatusCode: resp.StatusCode,
	}
}

// classifyOAuthError maps token endpoint failures to ProviderError kinds.
// invalid_grant means the refresh token is revoked and must never be
// retried; classification uses the structured error code, not message text.
func classifyOAuthError(op string, err error) error {
	var re *oauth2.RetrieveError
	if stderrors.As(err, &re) {
		switch {
		case re.ErrorCode == "invalid_grant":
			return &errors.ProviderError{Kind: errors.ProviderInvalidGrant, Op: op,
				StatusCode: statusOf(re), Err: err}
		case statusOf(re) == http.StatusTooManyRequests:
			retryAfter := time.Duration(0)
			if re.Response != nil {
				retryAfter = parseRetryAfter(re.Response.Header.Get("Retry-After"))
			}
			return &errors.ProviderError{Kind: errors.ProviderRateLimited, Op: op,
				StatusCode: statusOf(re), RetryAfter: retryAfter, Err: err}
		default:
			return &errors.ProviderError{Kind: errors.ProviderTransient, Op: op,
				StatusCode: statusOf(re), Err: err}
		}
	}
	return &errors.ProviderError{Kind: errors.ProviderTransient, Op: op, Err: err}
}

func statusOf(re *oauth2.RetrieveError) int {
	if re.Response == nil {
		return 0
	}
	return re.Response.StatusCode
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
