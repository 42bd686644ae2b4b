package api

import (
	"net/http"

	"go.uber.org/zap"
)

// handleIdentity implements GET /v1/identity?install_id=.
func (d *Dependencies) handleIdentity(w http.ResponseWriter, r *http.Request) {
	installID := r.URL.Query().Get("install_id")
	if !installIDRe.MatchString(installID) {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "install_id query parameter is required"})
		return
	}

	id, err := d.Engine.ForInstall(installID).Identity(r.Context())
	if err != nil {
		d.Logger.Error("failed to get identity", zap.String("install_id", installID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get identity"})
		return
	}

	writeJSON(w, http.StatusOK, IdentityResp{InstallID: installID, Identity: id})
}

// handleForgetInstall implements DELETE /v1/installs/{install_id}. It drops
// every latch, destination, path token and the identity of the install.
func (d *Dependencies) handleForgetInstall(w http.ResponseWriter, r *http.Request) {
	installID := r.PathValue("install_id")
	if !installIDRe.MatchString(installID) {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid install_id"})
		return
	}

	if err := d.Engine.ForInstall(installID).Store().DeletePrefix(r.Context(), ""); err != nil {
		d.Logger.Error("failed to forget install", zap.String("install_id", installID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to forget install"})
		return
	}

	d.Logger.Info("install forgotten", zap.String("install_id", installID))
	w.WriteHeader(http.StatusNoContent)
}
