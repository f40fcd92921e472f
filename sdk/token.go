package voicerag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// TokenService mints room join grants from the backend.
type TokenService struct {
	client *Client
}

// MintRequest configures a join grant. Blank fields get generated defaults so
// a zero request is a valid "just get me into a room" call.
type MintRequest struct {
	Room            string            `json:"room"`
	ParticipantName string            `json:"participant_name"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// JoinGrant is the minted credential for one room join.
type JoinGrant struct {
	ServerURL        string `json:"server_url"`
	ParticipantToken string `json:"participant_token"`
	Identity         string `json:"identity,omitempty"`
}

// Mint requests a join grant from the backend token endpoint.
func (s *TokenService) Mint(ctx context.Context, req MintRequest) (*JoinGrant, error) {
	ctx, span := s.client.tracer.Start(ctx, "token.mint", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	if strings.TrimSpace(req.Room) == "" {
		req.Room = "room-" + uuid.NewString()
	}
	if strings.TrimSpace(req.ParticipantName) == "" {
		req.ParticipantName = "user-" + uuid.NewString()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, NewInvalidRequestError(fmt.Sprintf("encode token request: %v", err))
	}

	url := s.client.endpoint("/getToken")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewInvalidRequestError(err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: "POST", URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, backendError("mint join token", resp)
	}

	var grant JoinGrant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, NewJoinError(fmt.Sprintf("decode token response: %v", err))
	}
	if grant.ServerURL == "" || grant.ParticipantToken == "" {
		return nil, NewJoinError("token response missing server_url or participant_token")
	}
	if grant.Identity == "" {
		grant.Identity = req.ParticipantName
	}

	s.client.logger.Debug("join grant minted", "room", req.Room, "identity", grant.Identity)
	return &grant, nil
}

// backendError converts a non-200 backend response into a canonical error.
func backendError(op string, resp *http.Response) error {
	detail := readErrorDetail(resp.Body)
	msg := fmt.Sprintf("%s failed (status %d)", op, resp.StatusCode)
	if detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, detail)
	}
	err := NewJoinError(msg)
	return err.WithCode(fmt.Sprintf("http_%d", resp.StatusCode))
}

func readErrorDetail(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var payload struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil {
		for _, candidate := range []string{payload.Detail, payload.Message, payload.Error} {
			if candidate != "" {
				return candidate
			}
		}
	}
	return strings.TrimSpace(string(data))
}
