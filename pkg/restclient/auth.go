package restclient

import (
	"context"
	"net/http"
	"strings"

	"github.com/caffeinetv/libcaffeine-go/internal/caferr"
	"github.com/caffeinetv/libcaffeine-go/internal/credentials"
)

// AuthResult is the shared outcome shape of CheckVersion, SignIn, and
// RefreshAuth (§4.2: "same shape").
type AuthResult struct {
	Kind        caferr.Kind
	Credentials *credentials.Credentials
}

// CheckVersion calls GET /v1/version-check (§6). A non-empty errors._expired
// array means the running client is too old to use.
func (c *Client) CheckVersion(ctx context.Context) (AuthResult, error) {
	url := c.endpoints.API + "/v1/version-check"
	var resp versionCheckResponse
	if err := c.doUnauthenticatedJSON(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return AuthResult{}, err
	}
	if resp.Errors != nil && len(resp.Errors.Expired) > 0 {
		return AuthResult{Kind: caferr.KindOldVersion}, nil
	}
	return AuthResult{Kind: caferr.KindSuccess}, nil
}

// SignIn calls POST /v1/account/signin (§6). otp may be empty for the first
// attempt of an MFA-gated account.
func (c *Client) SignIn(ctx context.Context, username, password, otp string) (AuthResult, error) {
	var req signInRequest
	req.Account.Username = username
	req.Account.Password = password
	if otp != "" {
		req.MFA = &struct {
			OTP string `json:"otp"`
		}{OTP: otp}
	}

	var resp authResponse
	url := c.endpoints.API + "/v1/account/signin"
	if err := c.doUnauthenticatedJSON(ctx, http.MethodPost, url, req, &resp); err != nil {
		return AuthResult{}, err
	}
	return classifyAuthResponse(resp), nil
}

// RefreshAuth calls POST /v1/account/token (§6).
func (c *Client) RefreshAuth(ctx context.Context, refreshToken string) (AuthResult, error) {
	req := refreshAuthRequest{RefreshToken: refreshToken}
	var resp authResponse
	url := c.endpoints.API + "/v1/account/token"
	if err := c.doUnauthenticatedJSON(ctx, http.MethodPost, url, req, &resp); err != nil {
		return AuthResult{}, err
	}
	return classifyAuthResponse(resp), nil
}

// GetUserInfo calls GET /v1/users/{caid} (§6) using the account id from the
// credential store.
func (c *Client) GetUserInfo(ctx context.Context) (UserInfo, error) {
	caid := c.creds.Snapshot().AccountID
	url := c.endpoints.API + "/v1/users/" + caid
	var resp userInfoResponse
	if err := c.doAuthenticatedJSON(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return UserInfo{}, err
	}
	return UserInfo{Username: resp.User.Username, CanBroadcast: resp.User.CanBroadcast}, nil
}

// UserInfo is the immutable post-sign-in snapshot (§3).
type UserInfo struct {
	Username     string
	CanBroadcast bool
}

func classifyAuthResponse(resp authResponse) AuthResult {
	if resp.Credentials != nil {
		return AuthResult{
			Kind: caferr.KindSuccess,
			Credentials: &credentials.Credentials{
				AccessToken:  resp.Credentials.AccessToken,
				RefreshToken: resp.Credentials.RefreshToken,
				AccountID:    resp.Credentials.CAID,
				Credential:   resp.Credentials.Credential,
			},
		}
	}

	if resp.Errors != nil && len(resp.Errors.OTP) > 0 {
		if containsFold(resp.Errors.OTP, "required") {
			return AuthResult{Kind: caferr.KindMFAOTPRequired}
		}
		return AuthResult{Kind: caferr.KindMFAOTPIncorrect}
	}

	switch resp.Next {
	case "mfa_otp_required":
		return AuthResult{Kind: caferr.KindMFAOTPRequired}
	case "legal_acceptance_required":
		return AuthResult{Kind: caferr.KindLegalAcceptanceRequired}
	case "email_verification":
		return AuthResult{Kind: caferr.KindEmailVerificationRequired}
	}

	if resp.Errors != nil {
		if len(resp.Errors.Username) > 0 {
			return AuthResult{Kind: caferr.KindUsernameRequired}
		}
		if len(resp.Errors.Password) > 0 {
			return AuthResult{Kind: caferr.KindPasswordRequired}
		}
	}

	return AuthResult{Kind: caferr.KindInfoIncorrect}
}

func containsFold(values []string, substr string) bool {
	for _, v := range values {
		if strings.Contains(strings.ToLower(v), substr) {
			return true
		}
	}
	return false
}
