// Package http is the room server's HTTP surface: registration directory,
// mailbox REST fallback, presence lookups and the realtime notification
// channel.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"questboard/internal/directory"
	"questboard/internal/mailbox"
	"questboard/internal/observability/metrics"
	"questboard/internal/presence"
	"questboard/internal/wallet"
)

type Handler struct {
	users *directory.Service
	mail  *mailbox.Service
	hub   *presence.Hub
	ping  time.Duration
}

type registerRequest struct {
	UserName       string `json:"userName"`
	SessionAddress string `json:"sessionAddress"`
	NotifAddress   string `json:"notifAddress"`
	Signature      string `json:"signature"`
	AvailableStart string `json:"availableStart"`
	AvailableEnd   string `json:"availableEnd"`
}

type userInfoResponse struct {
	WalletAddress  string `json:"walletAddress"`
	UserName       string `json:"userName,omitempty"`
	SessionAddress string `json:"sessionAddress"`
	NotifAddress   string `json:"notifAddress"`
	AvailableStart string `json:"availableStart"`
	AvailableEnd   string `json:"availableEnd"`
}

type sendNotificationRequest struct {
	Sender          string `json:"sender"`
	SenderNotifAddr string `json:"senderNotifAddr"`
	MessageType     string `json:"messageType"`
	Payload         string `json:"payload"`
}

func NewRouter(users *directory.Service, mail *mailbox.Service, hub *presence.Hub) http.Handler {
	h := &Handler{users: users, mail: mail, hub: hub, ping: 30 * time.Second}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.HandleFunc("/userinfo_{wallet}", h.handleUserInfo)
	r.Get("/presence_{wallet}", h.handlePresence)
	r.Get("/notify_{wallet}", h.handleList)
	r.Post("/notify_{wallet}", h.handleSend)
	r.Delete("/notify_{wallet}/{id}", h.handleDelete)
	r.Get("/channel_{wallet}", h.handleChannel)

	return r
}

func (h *Handler) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	walletAddr := chi.URLParam(r, "wallet")

	switch r.Method {
	case http.MethodGet:
		u, err := h.users.Lookup(r.Context(), walletAddr)
		if errors.Is(err, directory.ErrNotRegistered) || errors.Is(err, directory.ErrMissingFields) {
			http.Error(w, "User Not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, toUserInfoResponse(u))

	case http.MethodPost:
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		u, err := h.users.Register(r.Context(), walletAddr, directory.RegisterInput{
			UserName:       req.UserName,
			SessionAddress: req.SessionAddress,
			NotifAddress:   req.NotifAddress,
			Signature:      req.Signature,
			AvailableStart: req.AvailableStart,
			AvailableEnd:   req.AvailableEnd,
		})
		if errors.Is(err, directory.ErrMissingFields) || errors.Is(err, directory.ErrBadSignature) {
			metrics.RegistrationsTotal.WithLabelValues("failure").Inc()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			metrics.RegistrationsTotal.WithLabelValues("failure").Inc()
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		metrics.RegistrationsTotal.WithLabelValues("success").Inc()
		writeJSON(w, http.StatusOK, toUserInfoResponse(u))

	default:
		http.Error(w, "Access denied", http.StatusForbidden)
	}
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	walletAddr := chi.URLParam(r, "wallet")
	writeJSON(w, http.StatusOK, map[string]bool{"online": h.hub.IsOnline(walletAddr)})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	walletAddr := chi.URLParam(r, "wallet")
	if err := h.authenticateAs(r, walletAddr); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	list, err := h.mail.List(r.Context(), walletAddr)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	walletAddr := chi.URLParam(r, "wallet")

	var req sendNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := h.authenticateAs(r, req.Sender); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	n, err := h.mail.Send(r.Context(), mailbox.SendInput{
		Recipient:       walletAddr,
		Sender:          req.Sender,
		SenderNotifAddr: req.SenderNotifAddr,
		MessageType:     req.MessageType,
		Payload:         req.Payload,
	})
	if errors.Is(err, mailbox.ErrInvalidRequest) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	metrics.NotificationsStoredTotal.WithLabelValues(n.MessageType).Inc()
	writeJSON(w, http.StatusCreated, n)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	walletAddr := chi.URLParam(r, "wallet")
	if err := h.authenticateAs(r, walletAddr); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := h.mail.Delete(r.Context(), walletAddr, id); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	metrics.NotificationsDeletedTotal.Inc()
	w.WriteHeader(http.StatusNoContent)
}

// handleChannel upgrades to the realtime channel: the connection marks the
// wallet online, receives stored and newly sent envelopes as text frames,
// and accepts delete_notification envelopes for the wallet's own mailbox.
func (h *Handler) handleChannel(w http.ResponseWriter, r *http.Request) {
	walletAddr := chi.URLParam(r, "wallet")
	if err := h.authenticateAs(r, walletAddr); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := acceptWebSocket(w, r)
	if err != nil {
		slog.Warn("channel handshake failed", "wallet", walletAddr, "err", err)
		return
	}
	defer ws.close()

	metrics.ChannelConnectionsActive.Inc()
	defer metrics.ChannelConnectionsActive.Dec()

	h.hub.Track(walletAddr, ws)
	defer h.hub.Untrack(walletAddr, ws)

	ctx := r.Context()

	// Replay the mailbox so entries sent while offline are pushed up front.
	backlog, err := h.mail.List(ctx, walletAddr)
	if err != nil {
		slog.Error("channel backlog fetch failed", "wallet", walletAddr, "err", err)
		return
	}
	for i := range backlog {
		data, err := json.Marshal(mailbox.Envelope{Type: mailbox.EnvelopeNotification, Notification: &backlog[i]})
		if err != nil {
			return
		}
		if err := ws.writeFrame(opText, data); err != nil {
			return
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(h.ping)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ws.writeFrame(opPing, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		payload, err := ws.readFrame()
		if err != nil {
			if !errors.Is(err, errClientClose) {
				slog.Debug("channel read ended", "wallet", walletAddr, "err", err)
			}
			return
		}
		var env mailbox.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			slog.Warn("channel envelope unreadable", "wallet", walletAddr, "err", err)
			continue
		}
		if env.Type != mailbox.EnvelopeDelete {
			continue
		}
		id, err := uuid.Parse(env.ID)
		if err != nil {
			continue
		}
		if err := h.mail.Delete(ctx, walletAddr, id); err != nil {
			slog.Error("channel delete failed", "wallet", walletAddr, "id", env.ID, "err", err)
			continue
		}
		metrics.NotificationsDeletedTotal.Inc()
	}
}

// authenticateAs checks a session access token against the registered
// session address of the claimed wallet. The token travels as a bearer
// header, or as an access_token query parameter on channel upgrades.
func (h *Handler) authenticateAs(r *http.Request, walletAddr string) error {
	token := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" || walletAddr == "" {
		return wallet.ErrInvalidToken
	}
	rec, err := h.users.Lookup(r.Context(), walletAddr)
	if err != nil {
		return err
	}
	subject, err := wallet.VerifyAccessToken(token, rec.SessionAddress)
	if err != nil {
		return err
	}
	if subject != walletAddr {
		return wallet.ErrInvalidToken
	}
	return nil
}

func toUserInfoResponse(u directory.UserInfo) userInfoResponse {
	return userInfoResponse{
		WalletAddress:  u.WalletAddress,
		UserName:       u.UserName,
		SessionAddress: u.SessionAddress,
		NotifAddress:   u.NotifAddress,
		AvailableStart: u.AvailableStart,
		AvailableEnd:   u.AvailableEnd,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
