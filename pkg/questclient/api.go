// Package questclient is the room client runtime: identity bootstrap,
// encrypted notification exchange over the realtime channel, offer state
// reconstruction and the two-phase transaction handoff.
package questclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotRegistered reports a wallet with no directory record.
var ErrNotRegistered = errors.New("questclient: user not registered")

// UserInfo mirrors the directory's stored registration record.
type UserInfo struct {
	WalletAddress  string `json:"walletAddress"`
	UserName       string `json:"userName,omitempty"`
	SessionAddress string `json:"sessionAddress"`
	NotifAddress   string `json:"notifAddress"`
	AvailableStart string `json:"availableStart"`
	AvailableEnd   string `json:"availableEnd"`
}

// Notification is one mailbox entry as served by the room server.
type Notification struct {
	ID              uuid.UUID `json:"id"`
	Recipient       string    `json:"recipient"`
	Sender          string    `json:"sender"`
	SenderNotifAddr string    `json:"senderNotifAddr"`
	MessageType     string    `json:"messageType"`
	Payload         string    `json:"payload"`
	ReceivedAt      time.Time `json:"receivedAt"`
}

type registerUserRequest struct {
	UserName       string `json:"userName,omitempty"`
	SessionAddress string `json:"sessionAddress"`
	NotifAddress   string `json:"notifAddress"`
	Signature      string `json:"signature"`
	AvailableStart string `json:"availableStart,omitempty"`
	AvailableEnd   string `json:"availableEnd,omitempty"`
}

type sendNotificationRequest struct {
	Sender          string `json:"sender"`
	SenderNotifAddr string `json:"senderNotifAddr"`
	MessageType     string `json:"messageType"`
	Payload         string `json:"payload"`
}

type presenceResponse struct {
	Online bool `json:"online"`
}

// API talks to the room server's request/response surface.
type API struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewAPI(baseURL string) *API {
	return &API{
		baseURL: normalizeBaseURL(baseURL),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// SetToken installs the session access token sent with later requests.
func (a *API) SetToken(token string) { a.token = token }

func (a *API) RegisterUser(ctx context.Context, walletAddress string, req registerUserRequest) (UserInfo, error) {
	var out UserInfo
	err := a.doJSON(ctx, http.MethodPost, "/userinfo_"+walletAddress, req, &out)
	return out, err
}

// FetchUser returns the registration record, or ErrNotRegistered.
func (a *API) FetchUser(ctx context.Context, walletAddress string) (UserInfo, error) {
	var out UserInfo
	err := a.doJSON(ctx, http.MethodGet, "/userinfo_"+walletAddress, nil, &out)
	if err != nil && strings.Contains(err.Error(), "User Not found") {
		return UserInfo{}, ErrNotRegistered
	}
	return out, err
}

func (a *API) SendNotification(ctx context.Context, recipient string, req sendNotificationRequest) (Notification, error) {
	var out Notification
	err := a.doJSON(ctx, http.MethodPost, "/notify_"+recipient, req, &out)
	return out, err
}

func (a *API) ListNotifications(ctx context.Context, walletAddress string) ([]Notification, error) {
	var out []Notification
	err := a.doJSON(ctx, http.MethodGet, "/notify_"+walletAddress, nil, &out)
	return out, err
}

func (a *API) DeleteNotification(ctx context.Context, walletAddress string, id uuid.UUID) error {
	return a.doJSON(ctx, http.MethodDelete, "/notify_"+walletAddress+"/"+id.String(), nil, nil)
}

// IsOnline reads counterparty presence fresh; never cache the answer.
func (a *API) IsOnline(ctx context.Context, walletAddress string) (bool, error) {
	var out presenceResponse
	if err := a.doJSON(ctx, http.MethodGet, "/presence_"+walletAddress, nil, &out); err != nil {
		return false, err
	}
	return out.Online, nil
}

// channelURL builds the realtime channel endpoint with the access token.
func (a *API) channelURL(walletAddress string) (string, error) {
	u, err := url.Parse(a.baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %s", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/channel_" + walletAddress
	q := u.Query()
	q.Set("access_token", a.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *API) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		if len(data) == 0 {
			data = []byte(resp.Status)
		}
		return fmt.Errorf("request %s %s failed: %s", method, path, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func normalizeBaseURL(in string) string {
	return strings.TrimRight(strings.TrimSpace(in), "/")
}
