package daemon

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/forgeflux/fedbridge/internal/federation"
	"github.com/forgeflux/fedbridge/internal/identity"
	"github.com/forgeflux/fedbridge/internal/model"
	"github.com/forgeflux/fedbridge/internal/store"
)

const pemContentType = "application/x-pem-file"

// ---------------------------------------------------------------------------
// JSON helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "marshal error: "+err.Error())
		return
	}
	w.WriteHeader(status)
	w.Write(data)
}

// writeDocument writes v as JSON under a federation media type.
func writeDocument(w http.ResponseWriter, contentType string, v interface{}) {
	w.Header().Set("Content-Type", contentType)
	writeJSON(w, http.StatusOK, v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeLookupError maps loader errors to responses. Undecodable names are
// treated like unknown ones.
func (d *Daemon) writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidActorName), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "actor not found")
	default:
		d.log.Error("issue lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (d *Daemon) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":   "ok",
		"base_url": d.inst.BaseURL,
		"domain":   d.inst.Domain,
	}

	// Include uptime if the daemon has been started via Run().
	if !d.startedAt.IsZero() {
		resp["uptime"] = time.Since(d.startedAt).Round(time.Second).String()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (d *Daemon) getActor(w http.ResponseWriter, r *http.Request) {
	iss, err := d.tracker.LoadByActorName(r.Context(), r.PathValue("name"))
	if err != nil {
		d.writeLookupError(w, err)
		return
	}

	writeDocument(w, federation.ActivityJSON, federation.RenderActor(iss, iss.PrivateKey, d.inst))
}

func (d *Daemon) webfinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	name, domain, err := identity.ParseWebfingerResource(resource)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if domain != d.inst.Domain {
		d.log.Debug("webfinger for foreign domain", "resource", resource)
		writeError(w, http.StatusNotFound, "unknown domain "+domain)
		return
	}

	iss, err := d.tracker.LoadByActorName(r.Context(), name)
	if err != nil {
		d.writeLookupError(w, err)
		return
	}
	writeDocument(w, federation.JRDJSON, federation.RenderWebfinger(iss, d.inst))
}

func (d *Daemon) publicKey(w http.ResponseWriter, r *http.Request) {
	if d.key == nil {
		writeError(w, http.StatusNotFound, "no instance key")
		return
	}
	w.Header().Set("Content-Type", pemContentType)
	w.Write([]byte(d.key.PublicPEM()))
}

func (d *Daemon) getIssue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid issue id")
		return
	}

	ctx := r.Context()
	iss, err := d.tracker.LoadByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "issue not found")
		return
	}
	if err != nil {
		d.log.Error("load issue", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	activities, err := d.store.ListActivities(ctx, id)
	if err != nil {
		d.log.Error("list activities", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, summarize(iss, d.inst, activities))
}

func summarize(iss *model.Issue, inst federation.Instance, activities []*model.Activity) model.Summary {
	s := iss.Summary()
	s.ActorURL = inst.ActorURL(iss)
	s.Activities = activities
	return s
}
