package services

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/viper"

	"github.com/openhall/callserver/pkg/internal/relay"
	"github.com/openhall/callserver/pkg/internal/wire"
)

// SessionStore resolves the opaque session credentials clients present
// on connect against the platform's session service.
type SessionStore struct {
	client *http.Client
}

func NewSessionStore() *SessionStore {
	timeout := viper.GetDuration("session_store.timeout")
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SessionStore{client: &http.Client{Timeout: timeout}}
}

type sessionPayload struct {
	UserID uuid.UUID   `json:"user_id"`
	Roles  []uuid.UUID `json:"roles"`
}

func (s *SessionStore) Resolve(ctx context.Context, sessionID [wire.SessionIDSize]byte) (relay.Identity, error) {
	url := fmt.Sprintf("%s/api/sessions/%s",
		viper.GetString("session_store.endpoint"),
		hex.EncodeToString(sessionID[:]),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return relay.Identity{}, err
	}
	if token := viper.GetString("session_store.token"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return relay.Identity{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return relay.Identity{}, fmt.Errorf("session store replied with status %d", resp.StatusCode)
	}

	var payload sessionPayload
	if err := jsoniter.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return relay.Identity{}, err
	}
	if payload.UserID == uuid.Nil {
		return relay.Identity{}, fmt.Errorf("session store returned an empty identity")
	}

	return relay.Identity{UserID: payload.UserID, Roles: payload.Roles}, nil
}
