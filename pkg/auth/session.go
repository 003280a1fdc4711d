package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// SessionService is the external collaborator used to call Mojang's
// session server. The engine depends only on this interface; the HTTP
// transport lives in MojangSessionService below and applications may
// substitute their own implementation (e.g. for tests, or alternative
// auth backends).
type SessionService interface {
	// Join is called by clients after receiving an encryption request,
	// to tell Mojang this access token is about to join serverID,
	// authenticated by digest.
	Join(ctx context.Context, accessToken string, playerUUID uuid.UUID, digest string) error
	// HasJoined is called by servers to confirm a connecting client
	// actually authenticated with Mojang for this digest.
	HasJoined(ctx context.Context, displayName, digest, clientIP string) (*HasJoinedResult, error)
}

// HasJoinedResult is the outcome of a successful HasJoined call.
type HasJoinedResult struct {
	ID   uuid.UUID
	Name string
}

// ErrNotJoined is returned by HasJoined when Mojang reports the session
// could not be verified.
var ErrNotJoined = fmt.Errorf("auth: failed to verify username")

// DefaultTimeout is the default session-service call timeout.
const DefaultTimeout = 30 * time.Second

// MojangSessionService calls sessionserver.mojang.com over HTTP.
type MojangSessionService struct {
	BaseURL string
	Client  *http.Client
}

// NewMojangSessionService returns a session service pointed at the
// production Mojang endpoint with DefaultTimeout.
func NewMojangSessionService() *MojangSessionService {
	return &MojangSessionService{
		BaseURL: "https://sessionserver.mojang.com",
		Client:  &http.Client{Timeout: DefaultTimeout},
	}
}

type joinRequest struct {
	AccessToken     string `json:"accessToken"`
	SelectedProfile string `json:"selectedProfile"`
	ServerID        string `json:"serverId"`
}

func (m *MojangSessionService) Join(ctx context.Context, accessToken string, playerUUID uuid.UUID, digest string) error {
	body, err := json.Marshal(joinRequest{
		AccessToken:     accessToken,
		SelectedProfile: playerUUID.String(),
		ServerID:        digest,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.BaseURL+"/session/minecraft/join", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return fmt.Errorf("auth: join failed with status %d", resp.StatusCode)
}

type hasJoinedResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (m *MojangSessionService) HasJoined(ctx context.Context, displayName, digest, clientIP string) (*HasJoinedResult, error) {
	url := fmt.Sprintf("%s/session/minecraft/hasJoined?username=%s&serverId=%s", m.BaseURL, displayName, digest)
	if clientIP != "" {
		url += "&ip=" + clientIP
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, ErrNotJoined
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: hasJoined failed with status %d", resp.StatusCode)
	}
	var out hasJoinedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(out.ID)
	if err != nil {
		// Mojang's hasJoined response omits dashes; retry with them inserted.
		id, err = uuid.Parse(insertDashes(out.ID))
		if err != nil {
			return nil, err
		}
	}
	return &HasJoinedResult{ID: id, Name: out.Name}, nil
}

func insertDashes(s string) string {
	if len(s) != 32 {
		return s
	}
	return s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:32]
}

// AttemptState tracks the client-side Join retry state machine: a failed
// Join may refresh the access token once and retry.
type AttemptState int

const (
	AttemptInitial AttemptState = iota
	AttemptRefreshed
	AttemptFailed
)

// TokenRefresher refreshes an expired/invalid Mojang access token.
// Optional; disabled by default.
type TokenRefresher interface {
	Refresh(ctx context.Context) (accessToken string, err error)
}

// JoinWithRetry performs Join, and if it fails and refresh is non-nil and
// enabled, refreshes the access token exactly once and retries. Disabled
// by default: pass a nil refresher to perform a single attempt.
func JoinWithRetry(ctx context.Context, svc SessionService, refresher TokenRefresher, accessToken string, playerUUID uuid.UUID, digest string) (AttemptState, error) {
	err := svc.Join(ctx, accessToken, playerUUID, digest)
	if err == nil {
		return AttemptInitial, nil
	}
	if refresher == nil {
		return AttemptFailed, err
	}
	newToken, rerr := refresher.Refresh(ctx)
	if rerr != nil {
		return AttemptFailed, err
	}
	if err := svc.Join(ctx, newToken, playerUUID, digest); err != nil {
		return AttemptFailed, err
	}
	return AttemptRefreshed, nil
}
