package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jiascheduler/jiascheduler/pkg/protocol"
)

// HTTPIdentityResolver calls the Console's internal resolve_identity
// endpoint (spec.md §4.B). It is the Comet-side counterpart of
// internal/console/identity.Resolver.ServeHTTP.
type HTTPIdentityResolver struct {
	consoleAddr string
	client      *http.Client
}

func NewHTTPIdentityResolver(consoleAddr string) *HTTPIdentityResolver {
	return &HTTPIdentityResolver{
		consoleAddr: consoleAddr,
		client:      &http.Client{Timeout: 5 * time.Second},
	}
}

func (h *HTTPIdentityResolver) Resolve(ctx context.Context, hello protocol.HelloPayload) (string, error) {
	body, err := json.Marshal(hello)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.consoleAddr+"/internal/resolve_identity", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("db_unavailable: console unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolve_identity failed: status %d", resp.StatusCode)
	}

	var welcome protocol.WelcomePayload
	if err := json.NewDecoder(resp.Body).Decode(&welcome); err != nil {
		return "", err
	}
	return welcome.InstanceID, nil
}
