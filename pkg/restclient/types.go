package restclient

// credentialsWire is the wire shape of a signed-in session, returned by
// /v1/account/signin and /v1/account/token.
type credentialsWire struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	CAID         string `json:"caid"`
	Credential   string `json:"credential"`
}

// versionCheckResponse is GET /v1/version-check's body (§6).
type versionCheckResponse struct {
	Errors *struct {
		Expired []string `json:"_expired,omitempty"`
	} `json:"errors,omitempty"`
}

// signInRequest is POST /v1/account/signin's body (§6).
type signInRequest struct {
	Account struct {
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"account"`
	MFA *struct {
		OTP string `json:"otp"`
	} `json:"mfa,omitempty"`
}

// signInErrors carries the field-level validation errors signIn classifies
// (§4.2: "Parses the server's errors.otp to distinguish missing-OTP from
// incorrect-OTP").
type signInErrors struct {
	OTP      []string `json:"otp,omitempty"`
	Username []string `json:"username,omitempty"`
	Password []string `json:"password,omitempty"`
}

// authResponse is the shared shape of signIn and refreshAuth's response
// (§4.2: "same shape").
type authResponse struct {
	Credentials *credentialsWire `json:"credentials,omitempty"`
	Next        string           `json:"next,omitempty"`
	Errors      *signInErrors    `json:"errors,omitempty"`
}

// refreshAuthRequest is POST /v1/account/token's body (§6).
type refreshAuthRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// userInfoResponse is GET /v1/users/{caid}'s body, per S1's fixture
// `{user:{username:"alice",can_broadcast:true}}`.
type userInfoResponse struct {
	User struct {
		Username     string `json:"username"`
		CanBroadcast bool   `json:"can_broadcast"`
	} `json:"user"`
}

// gameInfoWire is one entry of GET /v1/games's response array.
type gameInfoWire struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	ProcessNames []string `json:"process_names,omitempty"`
}

// iceCandidateWire is one entry of the trickleCandidates request body (§6).
type iceCandidateWire struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

type trickleRequest struct {
	IceCandidates []iceCandidateWire `json:"ice_candidates"`
}

// heartbeatResponseWire is POST <streamUrl>/heartbeat's body (§3).
type heartbeatResponseWire struct {
	ConnectionQuality string `json:"connection_quality"`
}
