package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/anoint-array/platform/internal/domain/order"
	svcerrors "github.com/anoint-array/platform/internal/errors"
	"github.com/anoint-array/platform/internal/httputil"
)

// maxWebhookBody bounds gateway notifications.
const maxWebhookBody = 1 << 20

// =============================================================================
// Health
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":    "ok",
		"service":   "anoint-array",
		"version":   s.Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.Monitor != nil {
		if snap, ok := s.Monitor.Latest(); ok {
			body["status"] = snap.Status
			body["score"] = snap.Score
		}
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}

// =============================================================================
// Auth
// =============================================================================

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name,omitempty"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	session, err := s.Accounts.SignUp(r.Context(), req.Email, req.Password, req.FullName)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, session)
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	session, err := s.Accounts.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, session)
}

// =============================================================================
// Marketing
// =============================================================================

func (s *Server) handleJoinWaitlist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email  string `json:"email"`
		Name   string `json:"name,omitempty"`
		Source string `json:"source,omitempty"`
	}
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	entry, err := s.Marketing.JoinWaitlist(r.Context(), req.Email, req.Name, req.Source)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Welcome to the VIP list! Check your inbox for a confirmation.",
		"entry":   entry,
	})
}

func (s *Server) handleContact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Email   string `json:"email"`
		Subject string `json:"subject"`
		Message string `json:"message"`
	}
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	sub, err := s.Marketing.SubmitContact(r.Context(), req.Name, req.Email, req.Subject, req.Message)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Thanks for reaching out. We'll reply soon.",
		"id":      sub.ID,
	})
}

// =============================================================================
// Catalog
// =============================================================================

func (s *Server) handleMerchProducts(w http.ResponseWriter, r *http.Request) {
	if s.Merch == nil {
		unavailable("merch")(w, r)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"products": s.Merch.Catalog()})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		BirthDate string `json:"birth_date"`
	}
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	profile, err := s.SealArray.Preview(req.Name, req.BirthDate)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, profile)
}

// =============================================================================
// Downloads
// =============================================================================

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	if err := s.Downloads.Serve(r.Context(), w, s.Orders, token, s.Proxies.ClientIP(r)); err != nil {
		httputil.WriteError(w, r, err)
	}
}

// =============================================================================
// Webhooks
// =============================================================================

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	gateway := order.Gateway(mux.Vars(r)["gateway"])
	payload, truncated, err := httputil.ReadAllWithLimit(r.Body, maxWebhookBody)
	if err != nil {
		httputil.WriteError(w, r, svcerrors.InvalidInput("failed to read body"))
		return
	}
	if truncated {
		httputil.WriteError(w, r, svcerrors.InvalidInput("webhook body too large"))
		return
	}

	if gateway == order.GatewayFourthWall {
		if s.Merch == nil {
			unavailable("merch")(w, r)
			return
		}
		action, err := s.Merch.HandleWebhook(r.Context(), payload, r.Header)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"action": action})
		return
	}

	res, err := s.Checkout.HandleWebhook(r.Context(), gateway, payload, r.Header)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}
