package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"gatewarden/services/access"
	"gatewarden/services/auth"
	"gatewarden/services/keys"
)

const maxManifestBytes = 64 << 10

func (a *API) handleListKeys(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	list, err := a.deps.Keys.List(ctx)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"keys": list})
}

// handleRotateKeys applies a ROOT-signed rotation manifest posted as YAML or JSON.
func (a *API) handleRotateKeys(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxManifestBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	manifest, err := keys.UnmarshalManifest(raw)
	if err != nil {
		respondErr(w, fmt.Errorf("%w: %v", access.ErrInvalid, err))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	registered, err := a.deps.Keys.Rotate(ctx, manifest, auth.Must(ctx).Subject)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"keys": registered})
}

func (a *API) handleRetireKey(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	keyID := chi.URLParam(r, "keyID")
	if err := a.deps.Keys.Retire(ctx, keyID, auth.Must(ctx).Subject); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"key_id": keyID, "status": keys.StatusRetired})
}

func (a *API) handleDownloadBundle(w http.ResponseWriter, r *http.Request) {
	name := "keys-" + time.Now().UTC().Format("20060102T150405Z") + ".tar.zst"
	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	if _, err := a.deps.Keys.WriteBundle(r.Context(), w); err != nil {
		// Headers are gone once streaming starts; the truncated archive fails its checksum.
		a.log.Error().Err(err).Msg("write key bundle")
	}
}

func (a *API) handlePublishBundle(w http.ResponseWriter, r *http.Request) {
	if a.deps.Bundles == nil || a.config.BundleBucket == "" {
		respondErr(w, fmt.Errorf("key bundle storage: %w", errNotConfigured))
		return
	}
	key, url, err := a.deps.Keys.PublishBundle(r.Context(), a.deps.Bundles, a.config.BundleBucket)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"bucket": a.config.BundleBucket, "key": key, "url": url})
}
