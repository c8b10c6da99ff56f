// Package api is the thin HTTP shell over the lifecycle coordinator and
// snapshot engine: request parsing, error-to-status mapping, and nothing
// else.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vmparlor/parlor/lib/images"
	"github.com/vmparlor/parlor/lib/lifecycle"
	"github.com/vmparlor/parlor/lib/logger"
	"github.com/vmparlor/parlor/lib/middleware"
	"github.com/vmparlor/parlor/lib/profiles"
	"github.com/vmparlor/parlor/lib/qmp"
	"github.com/vmparlor/parlor/lib/registry"
	"github.com/vmparlor/parlor/lib/snapshots"
	"github.com/vmparlor/parlor/lib/users"
)

// Coordinator is the slice of the lifecycle layer the handlers call.
type Coordinator interface {
	Launch(ctx context.Context, userID string, req lifecycle.LaunchRequest) (*lifecycle.InstanceView, error)
	Running(ctx context.Context, userID string) (*lifecycle.InstanceView, error)
	Reclaim(ctx context.Context, instanceID, trigger string) error
	ReclaimUser(ctx context.Context, userID, trigger string)
	ActiveViews(ctx context.Context) ([]*lifecycle.InstanceView, error)
}

// SnapshotEngine is the slice of the snapshot layer the handlers call.
type SnapshotEngine interface {
	Create(ctx context.Context, userID, instanceID, osProfile string) (*snapshots.SnapshotInfo, error)
	Remove(ctx context.Context, userID, name string) (int64, error)
	RemoveByTriplet(ctx context.Context, userID, osProfile, instanceID string) (int64, error)
	List(ctx context.Context, userID string) ([]snapshots.SnapshotInfo, error)
}

// InstallerStore resolves where a user's uploaded installer image lands.
type InstallerStore interface {
	InstallerDest(userID string) (string, error)
}

// Service bundles the handler dependencies.
type Service struct {
	coord             Coordinator
	snaps             SnapshotEngine
	installers        InstallerStore
	snapshotsDir      string
	maxInstallerBytes int64
}

// New creates the HTTP service.
func New(coord Coordinator, snaps SnapshotEngine, installers InstallerStore, snapshotsDir string, maxInstallerBytes int64) *Service {
	return &Service{
		coord:             coord,
		snaps:             snaps,
		installers:        installers,
		snapshotsDir:      snapshotsDir,
		maxInstallerBytes: maxInstallerBytes,
	}
}

// Routes mounts every authenticated endpoint on the router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/run-script", s.runScript)
	r.Post("/run-iso", s.runISO)
	r.Post("/run-snapshot", s.runSnapshot)
	r.Post("/snapshot", s.createSnapshot)
	r.Post("/remove-snapshot", s.removeSnapshot)
	r.Get("/get-user-snapshots", s.listSnapshots)
	r.Post("/logout", s.logout)
	r.Get("/sessions/active", s.activeSessions)
	r.Post("/upload-iso", s.uploadISO)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps component errors onto the HTTP surface.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	log := logger.FromContext(r.Context())

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, profiles.ErrUnknownProfile),
		errors.Is(err, images.ErrInstallerOnly),
		errors.Is(err, images.ErrNotBootable):
		status = http.StatusBadRequest
	case errors.Is(err, images.ErrImageNotFound),
		errors.Is(err, snapshots.ErrSnapshotNotFound),
		errors.Is(err, snapshots.ErrNoBillingSource),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, users.ErrUserNotFound):
		status = http.StatusNotFound
	case errors.Is(err, snapshots.ErrVmNotRunning):
		status = http.StatusConflict
	case errors.Is(err, users.ErrQuotaExceeded):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, qmp.ErrNoBackupDevice),
		errors.Is(err, qmp.ErrBackupTimeout):
		status = http.StatusInternalServerError
	}

	if status == http.StatusInternalServerError {
		log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	} else {
		log.InfoContext(r.Context(), "request rejected",
			"path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func userID(r *http.Request) string {
	return middleware.GetUserID(r.Context())
}

// decode parses a JSON body; an empty body decodes to the zero value so
// endpoints with all-optional fields accept bare POSTs.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}
