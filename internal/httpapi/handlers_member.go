package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/anoint-array/platform/internal/httputil"
	"github.com/anoint-array/platform/internal/middleware"
	"github.com/anoint-array/platform/services/checkout"
	"github.com/anoint-array/platform/services/merch"
)

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	profile, err := s.Accounts.Me(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, profile)
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	var req struct {
		FullName string `json:"full_name"`
	}
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	profile, err := s.Accounts.UpdateProfile(r.Context(), userID, req.FullName)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, profile)
}

func (s *Server) handleMyOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	limit, offset, err := page(r, 50, 200)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	orders, err := s.Checkout.ListUserOrders(r.Context(), userID, limit, offset)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

func (s *Server) handleMyOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	o, err := s.Checkout.GetUserOrder(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, o)
}

// email returns the caller's email from the token, falling back to the
// profile row.
func (s *Server) email(r *http.Request, userID string) (string, error) {
	if e := middleware.GetUserEmail(r.Context()); e != "" {
		return e, nil
	}
	profile, err := s.Accounts.Me(r.Context(), userID)
	if err != nil {
		return "", err
	}
	return profile.Email, nil
}

func (s *Server) handleSealArrayCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	var req checkout.StartRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	email, err := s.email(r, userID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	req.UserID, req.Email = userID, email

	res, err := s.Checkout.StartSealArrayCheckout(r.Context(), req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, res)
}

func (s *Server) handleMerchCheckout(w http.ResponseWriter, r *http.Request) {
	if s.Merch == nil {
		unavailable("merch")(w, r)
		return
	}
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	var req struct {
		Items []merch.CartItem `json:"items"`
	}
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	email, err := s.email(r, userID)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	res, err := s.Merch.Checkout(r.Context(), userID, email, req.Items)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, res)
}
