package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/samber/lo"

	"github.com/vmparlor/parlor/lib/lifecycle"
	"github.com/vmparlor/parlor/lib/logger"
	"github.com/vmparlor/parlor/lib/registry"
	"github.com/vmparlor/parlor/lib/snapshots"
)

const uploadChunkBytes = 1 << 20

type runScriptRequest struct {
	OSProfile string `json:"os_profile"`
}

func (s *Service) runScript(w http.ResponseWriter, r *http.Request) {
	var req runScriptRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed body"})
		return
	}
	if req.OSProfile == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "os_profile is required"})
		return
	}

	view, err := s.coord.Launch(r.Context(), userID(r), lifecycle.LaunchRequest{
		Kind:      lifecycle.KindProfile,
		OSProfile: req.OSProfile,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Service) runISO(w http.ResponseWriter, r *http.Request) {
	view, err := s.coord.Launch(r.Context(), userID(r), lifecycle.LaunchRequest{
		Kind:      lifecycle.KindInstaller,
		OSProfile: "custom",
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type runSnapshotRequest struct {
	OSProfile    string `json:"os_profile"`
	SnapshotName string `json:"snapshot_name"`
}

func (s *Service) runSnapshot(w http.ResponseWriter, r *http.Request) {
	var req runSnapshotRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed body"})
		return
	}
	if req.OSProfile == "" || req.SnapshotName == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "os_profile and snapshot_name are required"})
		return
	}

	view, err := s.coord.Launch(r.Context(), userID(r), lifecycle.LaunchRequest{
		Kind:         lifecycle.KindSnapshot,
		OSProfile:    req.OSProfile,
		SnapshotName: req.SnapshotName,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type createSnapshotRequest struct {
	OSProfile  string `json:"os_profile"`
	InstanceID string `json:"instance_id"`
}

type createSnapshotResponse struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	SizeMB int64  `json:"size_mb"`
}

func (s *Service) createSnapshot(w http.ResponseWriter, r *http.Request) {
	var req createSnapshotRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed body"})
		return
	}
	uid := userID(r)

	instanceID := req.InstanceID
	osProfile := req.OSProfile
	if instanceID == "" {
		view, err := s.coord.Running(r.Context(), uid)
		if errors.Is(err, registry.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "no running VM"})
			return
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		instanceID = view.InstanceID
		if osProfile == "" {
			osProfile = view.OSProfile
		}
	}
	if osProfile == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "os_profile is required"})
		return
	}

	info, err := s.snaps.Create(r.Context(), uid, instanceID, osProfile)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, createSnapshotResponse{
		Name:   info.Name,
		Path:   filepath.Join(s.snapshotsDir, info.Name),
		SizeMB: info.SizeMB,
	})
}

type removeSnapshotRequest struct {
	Snapshot   string `json:"snapshot"`
	OSProfile  string `json:"os_profile"`
	InstanceID string `json:"instance_id"`
}

type removeSnapshotResponse struct {
	Removed string `json:"removed"`
	FreedMB int64  `json:"freed_mb"`
	TotalMB int64  `json:"total_mb"`
}

func (s *Service) removeSnapshot(w http.ResponseWriter, r *http.Request) {
	var req removeSnapshotRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed body"})
		return
	}
	uid := userID(r)

	var (
		removed string
		freedMB int64
		err     error
	)
	switch {
	case req.Snapshot != "":
		removed = req.Snapshot
		freedMB, err = s.snaps.Remove(r.Context(), uid, req.Snapshot)
	case req.OSProfile != "" && req.InstanceID != "":
		removed = snapshots.CanonicalName(uid, req.OSProfile, req.InstanceID)
		freedMB, err = s.snaps.RemoveByTriplet(r.Context(), uid, req.OSProfile, req.InstanceID)
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "snapshot or (os_profile, instance_id) required"})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	remaining, err := s.snaps.List(r.Context(), uid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	total := lo.SumBy(remaining, func(i snapshots.SnapshotInfo) int64 { return i.SizeMB })

	writeJSON(w, http.StatusOK, removeSnapshotResponse{Removed: removed, FreedMB: freedMB, TotalMB: total})
}

func (s *Service) listSnapshots(w http.ResponseWriter, r *http.Request) {
	infos, err := s.snaps.List(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if infos == nil {
		infos = []snapshots.SnapshotInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

// logout reclaims the user's instance and always succeeds.
func (s *Service) logout(w http.ResponseWriter, r *http.Request) {
	s.coord.ReclaimUser(r.Context(), userID(r), "logout")
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Service) activeSessions(w http.ResponseWriter, r *http.Request) {
	views, err := s.coord.ActiveViews(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	if filterUser := r.URL.Query().Get("user_id"); filterUser != "" {
		views = lo.Filter(views, func(v *lifecycle.InstanceView, _ int) bool {
			return v.UserID == filterUser
		})
	}
	// Newest first.
	sort.Slice(views, func(i, j int) bool { return views[i].StartedAt > views[j].StartedAt })
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit >= 0 && limit < len(views) {
			views = views[:limit]
		}
	}
	if views == nil {
		views = []*lifecycle.InstanceView{}
	}
	writeJSON(w, http.StatusOK, views)
}

type uploadResponse struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// uploadISO streams the request body to the user's installer destination in
// fixed-size chunks, enforcing the configured cap. An oversized upload is
// removed entirely; no partial file stays behind.
func (s *Service) uploadISO(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	uid := userID(r)

	if r.ContentLength > s.maxInstallerBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
			Error: fmt.Sprintf("installer exceeds %d byte limit", s.maxInstallerBytes)})
		return
	}

	dest, err := s.installers.InstallerDest(uid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		writeError(w, r, err)
		return
	}

	f, err := os.Create(dest)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer f.Close()

	var written int64
	buf := make([]byte, uploadChunkBytes)
	for {
		n, readErr := r.Body.Read(buf)
		if n > 0 {
			if written+int64(n) > s.maxInstallerBytes {
				f.Close()
				os.Remove(dest)
				writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
					Error: fmt.Sprintf("installer exceeds %d byte limit", s.maxInstallerBytes)})
				return
			}
			if _, err := f.Write(buf[:n]); err != nil {
				f.Close()
				os.Remove(dest)
				writeError(w, r, err)
				return
			}
			written += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			os.Remove(dest)
			writeError(w, r, readErr)
			return
		}
	}

	log.InfoContext(r.Context(), "installer uploaded", "user_id", uid, "path", dest, "bytes", written)
	writeJSON(w, http.StatusOK, uploadResponse{Path: dest, Bytes: written})
}
