package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"timer-link/pkg/auth"
	"timer-link/pkg/store"
	"timer-link/pkg/version"
)

// DefaultTokenTTL is the lifetime of a device token.
const DefaultTokenTTL = 24 * time.Hour

// Options configures the HTTP surface.
type Options struct {
	AdminToken string
	TokenTTL   time.Duration
	Logger     hclog.Logger
}

// PairingRequest creates a pairing.
type PairingRequest struct {
	PrimaryID   string `json:"primaryId"`
	CompanionID string `json:"companionId"`
	Secret      string `json:"secret"`
}

// TokenRequest exchanges a device secret for a link token.
type TokenRequest struct {
	DeviceID string `json:"deviceId"`
	Secret   string `json:"secret"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	Role      string    `json:"role"`
	PeerID    string    `json:"peerId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RegisterRoutes wires the HTTP handlers on the provided mux.
func RegisterRoutes(mux *http.ServeMux, hub *Hub, registry store.PairingRegistry, signer *auth.Signer, opts Options) {
	admin := authFunc(opts.AdminToken)
	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	log := opts.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}
	log = log.Named("http")

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": version.Build})
	})

	mux.HandleFunc("/api/v1/pairings", func(w http.ResponseWriter, r *http.Request) {
		if !admin(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodGet:
			list, err := registry.ListPairings(r.Context())
			if err != nil {
				http.Error(w, "failed to list pairings", http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, list)
		case http.MethodPost:
			var req PairingRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid payload", http.StatusBadRequest)
				return
			}
			if err := store.ValidatePairing(req.PrimaryID, req.CompanionID, req.Secret); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			p, err := registry.CreatePairing(r.Context(), req.PrimaryID, req.CompanionID, req.Secret)
			if errors.Is(err, store.ErrExists) {
				http.Error(w, "device already paired", http.StatusConflict)
				return
			}
			if err != nil {
				log.Error("create pairing failed", "error", err)
				http.Error(w, "failed to create pairing", http.StatusInternalServerError)
				return
			}
			log.Info("pairing created", "id", p.ID, "primary", p.PrimaryID, "companion", p.CompanionID)
			writeJSON(w, http.StatusCreated, p)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/v1/pairings/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req TokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		p, err := registry.Authenticate(r.Context(), req.DeviceID, req.Secret)
		if err != nil {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		token, err := signer.Generate(p, req.DeviceID, ttl)
		if err != nil {
			http.Error(w, "failed to issue token", http.StatusInternalServerError)
			return
		}
		role, peer, _ := p.RoleOf(req.DeviceID)
		writeJSON(w, http.StatusOK, TokenResponse{
			Token:     token,
			Role:      string(role),
			PeerID:    peer,
			ExpiresAt: time.Now().Add(ttl),
		})
	})

	mux.HandleFunc("/api/v1/link/ws", hub.HandleLink)

	mux.HandleFunc("/api/v1/link/status", func(w http.ResponseWriter, r *http.Request) {
		if !admin(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, hub.Connected())
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func authFunc(token string) func(r *http.Request) bool {
	if token == "" {
		return func(_ *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		h := r.Header.Get("X-Auth-Token")
		if h == "" {
			authz := r.Header.Get("Authorization")
			if strings.HasPrefix(authz, "Bearer ") {
				h = strings.TrimPrefix(authz, "Bearer ")
			}
		}
		return h == token
	}
}
