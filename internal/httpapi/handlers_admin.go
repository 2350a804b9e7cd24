package httpapi

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/anoint-array/platform/internal/domain/account"
	"github.com/anoint-array/platform/internal/domain/marketing"
	"github.com/anoint-array/platform/internal/domain/order"
	svcerrors "github.com/anoint-array/platform/internal/errors"
	"github.com/anoint-array/platform/internal/httputil"
	"github.com/anoint-array/platform/internal/middleware"
	"github.com/anoint-array/platform/services/admin"
	"github.com/anoint-array/platform/services/backup"
	"github.com/anoint-array/platform/services/merch"
	"github.com/anoint-array/platform/services/sealarray"
)

// maxGlyphUpload bounds glyph CSV uploads.
const maxGlyphUpload = 1 << 20

// =============================================================================
// Dashboard & orders
// =============================================================================

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Admin.Stats(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) handleAdminOrders(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r, 100, 500)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	q := r.URL.Query()
	orders, err := s.Admin.ListOrders(r.Context(), admin.OrderFilter{
		Status: order.Status(q.Get("status")),
		Kind:   order.Kind(q.Get("kind")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

func (s *Server) handleAdminOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.Admin.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, o)
}

func (s *Server) handleAdminUpdateOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status order.Status `json:"status"`
	}
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	o, err := s.Admin.UpdateOrderStatus(r.Context(), mux.Vars(r)["id"], req.Status)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, o)
}

func (s *Server) handleRetryFulfillment(w http.ResponseWriter, r *http.Request) {
	o, err := s.Checkout.RetryFulfillment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, o)
}

func (s *Server) handleCreateLabel(w http.ResponseWriter, r *http.Request) {
	if s.Merch == nil {
		unavailable("merch")(w, r)
		return
	}
	var req merch.LabelRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	label, err := s.Merch.CreateLabel(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, label)
}

func (s *Server) handleListLabels(w http.ResponseWriter, r *http.Request) {
	if s.Merch == nil {
		unavailable("merch")(w, r)
		return
	}
	labels, err := s.Merch.ListLabels(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"labels": labels})
}

// =============================================================================
// Users
// =============================================================================

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r, 100, 500)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	profiles, err := s.Accounts.ListProfiles(r.Context(), limit, offset)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"users": profiles})
}

func (s *Server) handleSetRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role account.Role `json:"role"`
	}
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	profile, err := s.Accounts.SetRole(r.Context(), id, req.Role)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	s.Logger.LogSecurityEvent(r.Context(), "role_changed", map[string]interface{}{
		"target_user": id,
		"role":        req.Role,
	})
	httputil.WriteJSON(w, http.StatusOK, profile)
}

// =============================================================================
// Marketing
// =============================================================================

func (s *Server) handleListWaitlist(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "csv" {
		var buf bytes.Buffer
		if err := s.Marketing.ExportWaitlistCSV(r.Context(), &buf); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		name := fmt.Sprintf("vip-waitlist-%s.csv", time.Now().UTC().Format("20060102"))
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
		return
	}
	entries, err := s.Marketing.ListWaitlist(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "total": len(entries)})
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.Marketing.ListContacts(r.Context(), marketing.ContactStatus(r.URL.Query().Get("status")))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"contacts": contacts})
}

func (s *Server) handleUpdateContact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status marketing.ContactStatus `json:"status"`
	}
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	sub, err := s.Marketing.UpdateContactStatus(r.Context(), mux.Vars(r)["id"], req.Status)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sub)
}

// =============================================================================
// Backups
// =============================================================================

func actor(r *http.Request) string {
	if e := middleware.GetUserEmail(r.Context()); e != "" {
		return e
	}
	return middleware.GetUserID(r.Context())
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	if s.Backups == nil {
		unavailable("backups")(w, r)
		return
	}
	rec, err := s.Backups.Create(r.Context(), actor(r))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	if s.Backups == nil {
		unavailable("backups")(w, r)
		return
	}
	recs, err := s.Backups.List(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"backups": recs})
}

func (s *Server) handleDownloadBackup(w http.ResponseWriter, r *http.Request) {
	if s.Backups == nil {
		unavailable("backups")(w, r)
		return
	}
	f, rec, err := s.Backups.Open(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.FileName))
	w.Header().Set("Content-Length", strconv.FormatInt(rec.SizeBytes, 10))
	w.Header().Set("X-Checksum-SHA256", rec.Checksum)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		s.Logger.WithContext(r.Context()).WithError(err).Warn("backup download interrupted")
	}
}

// formFile reads the multipart "file" field up to limit bytes.
func formFile(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	if err := r.ParseMultipartForm(limit); err != nil {
		return nil, "", svcerrors.InvalidInput("expected a multipart form with a file field")
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		return nil, "", svcerrors.InvalidInput("file field is required")
	}
	defer f.Close()
	data, truncated, err := httputil.ReadAllWithLimit(f, limit)
	if err != nil {
		return nil, "", svcerrors.InvalidInput("failed to read upload")
	}
	if truncated {
		return nil, "", svcerrors.InvalidInput("file too large").WithDetails("limit_bytes", limit)
	}
	return data, hdr.Filename, nil
}

func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	if s.Backups == nil {
		unavailable("backups")(w, r)
		return
	}
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))
	data, name, err := formFile(w, r, backup.MaxRestoreSize)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	report, err := s.Backups.Restore(r.Context(), bytes.NewReader(data), name, backup.RestoreOptions{DryRun: dryRun})
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	s.Logger.LogSecurityEvent(r.Context(), "backup_restore", map[string]interface{}{
		"file":    name,
		"dry_run": dryRun,
		"by":      actor(r),
	})
	httputil.WriteJSON(w, http.StatusOK, report)
}

// =============================================================================
// Health
// =============================================================================

func (s *Server) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	if s.Monitor == nil {
		unavailable("health monitor")(w, r)
		return
	}
	snap, ok := s.Monitor.Latest()
	if !ok {
		snap = s.Monitor.RunOnce(r.Context())
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHealthHistory(w http.ResponseWriter, r *http.Request) {
	if s.Monitor == nil {
		unavailable("health monitor")(w, r)
		return
	}
	limit, _, err := page(r, 60, 1000)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"history": s.Monitor.History(limit)})
}

func (s *Server) handleHealthRun(w http.ResponseWriter, r *http.Request) {
	if s.Monitor == nil {
		unavailable("health monitor")(w, r)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.Monitor.RunOnce(r.Context()))
}

// =============================================================================
// AI tasks
// =============================================================================

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.Collab == nil {
		unavailable("ai collaboration")(w, r)
		return
	}
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	task, err := s.Collab.Create(r.Context(), req.Title, req.Description, r.Header.Get("Idempotency-Key"))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.Collab == nil {
		unavailable("ai collaboration")(w, r)
		return
	}
	tasks, err := s.Collab.List(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.Collab == nil {
		unavailable("ai collaboration")(w, r)
		return
	}
	task, err := s.Collab.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, task)
}

// handleAdvanceTask moves one stage, or with ?run=true runs until review.
func (s *Server) handleAdvanceTask(w http.ResponseWriter, r *http.Request) {
	if s.Collab == nil {
		unavailable("ai collaboration")(w, r)
		return
	}
	id := mux.Vars(r)["id"]
	advance := s.Collab.Advance
	if run, _ := strconv.ParseBool(r.URL.Query().Get("run")); run {
		advance = s.Collab.Run
	}
	task, err := advance(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, task)
}

func (s *Server) handleApproveTask(w http.ResponseWriter, r *http.Request) {
	if s.Collab == nil {
		unavailable("ai collaboration")(w, r)
		return
	}
	task, err := s.Collab.Approve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, task)
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	if s.Collab == nil {
		unavailable("ai collaboration")(w, r)
		return
	}
	task, err := s.Collab.Retry(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, task)
}

// =============================================================================
// Uploads
// =============================================================================

func (s *Server) handleUploadGlyphs(w http.ResponseWriter, r *http.Request) {
	data, filename, err := formFile(w, r, maxGlyphUpload)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	name := r.FormValue("name")
	if name == "" {
		name = filename
	}
	set, err := s.SealArray.UploadGlyphs(r.Context(), name, data)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, set)
}

func (s *Server) handleUploadImage(kind sealarray.ImageKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, filename, err := formFile(w, r, sealarray.MaxImageUpload)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		up, err := s.SealArray.UploadImage(r.Context(), kind, filename, data)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, up)
	}
}
