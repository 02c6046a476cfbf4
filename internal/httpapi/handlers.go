package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/DoyleJ11/kaataq/internal/engine"
	"github.com/DoyleJ11/kaataq/internal/store"
	"github.com/DoyleJ11/kaataq/internal/types"
)

const maxBody = 1 << 20

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func validCode(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !engine.ValidCode(chi.URLParam(r, "code")) {
			writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: engine.ErrInvalidCode.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func GetRoom(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := st.Get(r.Context(), chi.URLParam(r, "code"))
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("ETag", etag(snap.Version))
		writeJSON(w, http.StatusOK, types.RoomDoc{Version: snap.Version, Room: *snap.Room})
	}
}

// PutRoom replaces the room. If-None-Match: * creates only; If-Match: <version>
// writes only over that version.
func PutRoom(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "unreadable body"})
			return
		}
		room, err := store.Decode(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "bad json"})
			return
		}
		if room.Code == "" {
			room.Code = code
		}
		if room.Code != code {
			writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "room code does not match path"})
			return
		}

		var version int64
		switch {
		case r.Header.Get("If-None-Match") == "*":
			version, err = st.CompareAndSet(r.Context(), code, 0, room)
		case r.Header.Get("If-Match") != "":
			expected, perr := parseETag(r.Header.Get("If-Match"))
			if perr != nil {
				writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "bad If-Match"})
				return
			}
			version, err = st.CompareAndSet(r.Context(), code, expected, room)
		default:
			version, err = st.Set(r.Context(), code, room)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("ETag", etag(version))
		writeJSON(w, http.StatusOK, types.VersionResponse{Version: version})
	}
}

func PatchRoom(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var fields map[string]any
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&fields); err != nil {
			writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "bad json"})
			return
		}
		version, err := st.Update(r.Context(), chi.URLParam(r, "code"), fields)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("ETag", etag(version))
		writeJSON(w, http.StatusOK, types.VersionResponse{Version: version})
	}
}

func DeleteRoom(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := st.Delete(r.Context(), chi.URLParam(r, "code")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// FreeCode suggests a code with nothing stored under it. The caller still
// has to claim it with If-None-Match, since another client may get there first.
func FreeCode(st store.Store, attempts int, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < attempts; i++ {
			code, err := engine.GenerateCode()
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, types.ErrorResponse{Error: "failed to generate code"})
				return
			}
			_, err = st.Get(r.Context(), code)
			switch {
			case errors.Is(err, store.ErrNotFound):
				writeJSON(w, http.StatusCreated, types.CodeResponse{Code: code})
				return
			case err != nil:
				writeError(w, err)
				return
			}
			log.Debug("collision on code, regenerating", zap.String("code", code))
		}
		writeJSON(w, http.StatusServiceUnavailable, types.ErrorResponse{Error: "no free room code"})
	}
}

// JoinQR renders a PNG QR code linking to the room's join page.
func JoinQR(publicURL string) http.HandlerFunc {
	base := strings.TrimRight(publicURL, "/")
	return func(w http.ResponseWriter, r *http.Request) {
		url := base + "/join/" + chi.URLParam(r, "code")

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

func JoinPage(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if !engine.ValidCode(code) {
		http.Error(w, "invalid room code", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "Room %s\n\nJoin from a terminal:\n\n  kaataq join %s --name YOURNAME\n", code, code)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, store.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, types.ErrorResponse{Error: err.Error()})
}

func etag(version int64) string { return strconv.Quote(strconv.FormatInt(version, 10)) }

func parseETag(v string) (int64, error) {
	return strconv.ParseInt(strings.Trim(strings.TrimPrefix(v, "W/"), `"`), 10, 64)
}
