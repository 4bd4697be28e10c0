// Package playback serves stored media (frames, clips, thumbnails) with
// HTTP Range support so players can seek inside clips.
package playback

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/heimdex/heimdex-extraction/internal/blob"
	"github.com/heimdex/heimdex-extraction/internal/logging"
)

// mediaTypes covers extensions the platform MIME table may not know.
var mediaTypes = map[string]string{
	".mp4": "video/mp4",
	".mov": "video/quicktime",
	".vtt": "text/vtt; charset=utf-8",
}

type PlaybackService interface {
	ServeBlob(w http.ResponseWriter, r *http.Request, key string) error
}

type Server struct {
	blobs  *blob.Store
	logger *slog.Logger
}

func NewServer(blobs *blob.Store, logger *slog.Logger) *Server {
	return &Server{blobs: blobs, logger: logging.OrDiscard(logger)}
}

// ServeBlob writes the blob at key, honouring a Range header. Missing blobs
// and unsatisfiable ranges are answered directly; other errors are returned.
func (s *Server) ServeBlob(w http.ResponseWriter, r *http.Request, key string) error {
	file, obj, err := s.blobs.Open(key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			http.Error(w, "media not found", http.StatusNotFound)
			return nil
		}
		return fmt.Errorf("failed to open blob: %w", err)
	}
	defer file.Close()

	size := obj.Size
	contentType := mediaTypes[path.Ext(key)]
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(key))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Last-Modified", obj.ModTime.UTC().Format(http.TimeFormat))

	rng, err := ParseRange(r.Header.Get("Range"), size)
	switch {
	case errors.Is(err, ErrUnsatisfiable):
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "Range Not Satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	case errors.Is(err, ErrInvalidRange):
		// Malformed ranges are ignored and the whole blob is sent.
		rng = nil
	case err != nil:
		return err
	}

	if rng == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			io.Copy(w, file)
		}
		return nil
	}

	if _, err := file.Seek(rng.Start, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek: %w", err)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(rng.ContentLength(), 10))
	w.Header().Set("Content-Range", rng.ContentRange(size))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method != http.MethodHead {
		if _, err := io.CopyN(w, file, rng.ContentLength()); err != nil {
			s.logger.Debug("ranged copy interrupted", "key", key, "error", err)
		}
	}
	return nil
}
