package registryapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/spokehub/registry/pkg/audit"
	"github.com/spokehub/registry/pkg/auth"
	"github.com/spokehub/registry/pkg/httputil"
	"github.com/spokehub/registry/pkg/registry"
)

// indexConfig is the shape of GET /index/config.json.
type indexConfig struct {
	DL           string `json:"dl"`
	API          string `json:"api"`
	AuthRequired bool   `json:"auth-required"`
}

func (s *Server) handleIndexConfig(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, indexConfig{
		DL:           "/downloads",
		API:          "/api/v1",
		AuthRequired: s.AuthRequired,
	})
}

func (s *Server) handleSparseIndex(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := strings.ToLower(vars["name"])

	// Clients derive the directory prefix from the name; a mismatch means the
	// path was hand-built wrong, and answering it would give the same package
	// two URLs.
	if vars["prefix"] != sparsePrefix(name) {
		writeError(w, registry.NotFound("no such index path: "+r.URL.Path, nil))
		return
	}

	ctx, cancel := requestContext(r, s.requestTimeout())
	defer cancel()

	entries, err := s.Index.GetSparseEntry(ctx, name)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(entries) == 0 {
		writeError(w, registry.NotFound("no such package: "+name, nil))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			s.Logger.WithContext(ctx).WithError(err).Warn("failed to stream sparse index entry")
			return
		}
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, version := strings.ToLower(vars["name"]), vars["version"]

	ctx, cancel := requestContext(r, s.requestTimeout())
	defer cancel()

	// Verify the version is known before hitting object storage, so an
	// unknown (name, version) is a clean 404 instead of an object-store miss.
	// Yanked versions stay downloadable for existing lockfiles, so the yanked
	// flag is not a filter here; the checksum rides along for integrity
	// auditing by the client.
	status, err := s.Index.ConfirmExistence(ctx, name, version)
	if err != nil {
		writeError(w, err)
		return
	}

	body, size, err := s.Storage.GetTarball(ctx, name, version)
	if err != nil {
		writeError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if status.Checksum != "" {
		w.Header().Set("X-Checksum-Sha256", status.Checksum)
	}
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if _, err := io.Copy(w, body); err != nil {
		s.Logger.WithContext(ctx).WithError(err).WithField("package", name).Warn("download stream interrupted")
	}
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, registry.Unauthorized("missing Authorization header", nil))
		return
	}

	ctx, cancel := requestContext(r, s.publishTimeout())
	defer cancel()

	outcome, err := s.Orch.Publish(ctx, token, r.Body)
	if err != nil {
		writeError(w, err)
		return
	}

	if s.Audit != nil {
		_ = s.Audit.Record(r.Context(), audit.Event{
			Action:   audit.ActionPublish,
			Package:  outcome.Name,
			Version:  outcome.Vers,
			Success:  true,
			RemoteIP: r.RemoteAddr,
		})
	}

	httputil.WriteJSON(w, http.StatusOK, outcome)
}

func (s *Server) publishTimeout() time.Duration {
	if s.PublishTimeout > 0 {
		return s.PublishTimeout
	}
	return 120 * time.Second
}

func (s *Server) handleYank(yanked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		name, version := vars["name"], vars["version"]

		token := bearerToken(r)
		if token == "" {
			writeError(w, registry.Unauthorized("missing Authorization header", nil))
			return
		}

		ctx, cancel := requestContext(r, s.requestTimeout())
		defer cancel()

		identity, err := s.Auth.VerifyToken(ctx, token)
		if err != nil {
			writeError(w, registry.Unauthorized("invalid or missing token", err))
			return
		}
		if err := s.Auth.AuthYank(ctx, identity, name); err != nil {
			writeError(w, registry.Forbidden("not authorized to yank "+name, err))
			return
		}
		if err := s.Index.Yank(ctx, name, version, yanked); err != nil {
			writeError(w, err)
			return
		}

		action := audit.ActionYank
		if !yanked {
			action = audit.ActionUnyank
		}
		if s.Audit != nil {
			_ = s.Audit.Record(ctx, audit.Event{Action: action, Package: name, Version: version, ActorID: identity.UserID, Actor: identity.Username, Success: true})
		}

		httputil.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

type ownersResponse struct {
	Users []registry.Owner `json:"users"`
}

func (s *Server) handleListOwners(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	ctx, cancel := requestContext(r, s.requestTimeout())
	defer cancel()

	owners, err := s.Auth.ListOwners(ctx, name)
	if err != nil {
		writeError(w, registry.AuthIO("list owners", err))
		return
	}
	resp := ownersResponse{}
	for _, o := range owners {
		resp.Users = append(resp.Users, registry.Owner{ID: o.UserID, Login: o.Login})
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

type ownersRequest struct {
	Users []string `json:"users"`
}

func (s *Server) handleAddOwners(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	token := bearerToken(r)
	if token == "" {
		writeError(w, registry.Unauthorized("missing Authorization header", nil))
		return
	}

	var req ownersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, registry.BadRequest("malformed owners request body", err))
		return
	}

	ctx, cancel := requestContext(r, s.requestTimeout())
	defer cancel()

	identity, err := s.Auth.VerifyToken(ctx, token)
	if err != nil {
		writeError(w, registry.Unauthorized("invalid or missing token", err))
		return
	}
	if err := s.Auth.AuthPublish(ctx, identity, name); err != nil {
		writeError(w, registry.Forbidden("not authorized to modify owners of "+name, err))
		return
	}

	for _, login := range req.Users {
		target, err := s.Auth.LookupUser(ctx, login)
		if err != nil {
			writeError(w, registry.BadRequest("unknown user "+login, err))
			return
		}
		if err := s.Auth.AddOwner(ctx, name, target); err != nil {
			writeError(w, registry.AuthIO("add owner "+login, err))
			return
		}
		if s.Audit != nil {
			_ = s.Audit.Record(ctx, audit.Event{Action: audit.ActionOwnerAdd, Package: name, ActorID: identity.UserID, Actor: identity.Username, Detail: login, Success: true})
		}
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRemoveOwners(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	token := bearerToken(r)
	if token == "" {
		writeError(w, registry.Unauthorized("missing Authorization header", nil))
		return
	}

	var req ownersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, registry.BadRequest("malformed owners request body", err))
		return
	}

	ctx, cancel := requestContext(r, s.requestTimeout())
	defer cancel()

	identity, err := s.Auth.VerifyToken(ctx, token)
	if err != nil {
		writeError(w, registry.Unauthorized("invalid or missing token", err))
		return
	}
	if err := s.Auth.AuthPublish(ctx, identity, name); err != nil {
		writeError(w, registry.Forbidden("not authorized to modify owners of "+name, err))
		return
	}

	for _, login := range req.Users {
		if err := s.Auth.RemoveOwner(ctx, name, login); err != nil {
			if errors.Is(err, auth.ErrLastOwner) {
				writeError(w, registry.Forbidden("cannot remove the last owner of "+name, err))
				return
			}
			writeError(w, registry.Conflict("remove owner "+login, err))
			return
		}
		if s.Audit != nil {
			_ = s.Audit.Record(ctx, audit.Event{Action: audit.ActionOwnerRemove, Package: name, ActorID: identity.UserID, Actor: identity.Username, Detail: login, Success: true})
		}
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	perPage := 10
	if raw := r.URL.Query().Get("per_page"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			perPage = n
		}
	}

	ctx, cancel := requestContext(r, s.requestTimeout())
	defer cancel()

	result, err := s.Index.Search(ctx, q, perPage)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Redirect(w, r, s.loginURL(), http.StatusFound)
		return
	}

	ctx, cancel := requestContext(r, s.requestTimeout())
	defer cancel()

	identity, err := s.Auth.VerifyToken(ctx, token)
	if err != nil {
		writeError(w, registry.Unauthorized("invalid or missing token", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"id":    identity.UserID,
		"login": identity.Username,
	})
}

func (s *Server) loginURL() string {
	return "/index/config.json"
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		writeError(w, registry.NotFound("audit log is not configured", nil))
		return
	}
	pkgName := r.URL.Query().Get("package")
	if pkgName == "" {
		writeError(w, registry.BadRequest("package query parameter is required", nil))
		return
	}

	token := bearerToken(r)
	if token == "" {
		writeError(w, registry.Unauthorized("missing Authorization header", nil))
		return
	}

	ctx, cancel := requestContext(r, s.requestTimeout())
	defer cancel()

	identity, err := s.Auth.VerifyToken(ctx, token)
	if err != nil {
		writeError(w, registry.Unauthorized("invalid or missing token", err))
		return
	}
	if err := s.Auth.AuthPublish(ctx, identity, pkgName); err != nil {
		writeError(w, registry.Forbidden("audit log is owner-scoped", err))
		return
	}

	events, err := s.Audit.ListByPackage(ctx, pkgName, 100)
	if err != nil {
		writeError(w, registry.IndexIO("list audit events", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}
