package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"magical-music-backend/internal/maintenance"
	"magical-music-backend/internal/metrics"
)

const (
	// DefaultMaxFileBytes is the per-file upload ceiling.
	DefaultMaxFileBytes = 10 << 20
	// DefaultUploadTimeout bounds how long a client may take to send a form.
	DefaultUploadTimeout = 5 * time.Minute

	maxFieldBytes = 1 << 20
	maxExtLen     = 16
)

// ErrFileTooLarge is returned when one uploaded file exceeds the ceiling.
var ErrFileTooLarge = errors.New("file too large")

// File is one staged upload. Path lives in the temp directory and is
// removed by the next sweep unless a handler moves it first.
type File struct {
	Field       string
	Filename    string
	ContentType string
	Path        string
	Size        int64
}

// Form is the parsed multipart request.
type Form struct {
	Values url.Values
	Files  map[string][]*File
}

// File returns the first file uploaded under field.
func (f *Form) File(field string) (*File, bool) {
	files := f.Files[field]
	if len(files) == 0 {
		return nil, false
	}
	return files[0], true
}

type uploadFormKey struct{}

// UploadForm returns the staged multipart form of the request, if any.
func UploadForm(ctx context.Context) (*Form, bool) {
	form, ok := ctx.Value(uploadFormKey{}).(*Form)
	return form, ok
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}

type uploadStager struct {
	dir          string
	maxFileBytes int64
	timeout      time.Duration
	log          *zap.Logger
	metrics      *metrics.Metrics
}

func (u *uploadStager) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isMultipart(r) {
			next.ServeHTTP(w, r)
			return
		}

		form, err := u.stage(w, r)
		if err != nil {
			u.reject(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), uploadFormKey{}, form)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (u *uploadStager) reject(w http.ResponseWriter, r *http.Request, err error) {
	rid := middleware.GetReqID(r.Context())
	switch {
	case errors.Is(err, ErrFileTooLarge):
		u.metrics.UploadRejected("too_large")
		u.log.Info("upload_rejected", zap.String("request_id", rid), zap.String("reason", "too_large"))
		WriteError(w, r, Errorf(http.StatusRequestEntityTooLarge, "file exceeds the %d byte limit", u.maxFileBytes))
	case errors.Is(err, os.ErrDeadlineExceeded):
		u.metrics.UploadRejected("timeout")
		u.log.Info("upload_rejected", zap.String("request_id", rid), zap.String("reason", "timeout"))
		WriteError(w, r, Error(http.StatusRequestTimeout, "upload timed out"))
	case errors.Is(err, errBadMultipart):
		u.metrics.UploadRejected("malformed")
		WriteError(w, r, Errorf(http.StatusBadRequest, "%v", err))
	default:
		u.metrics.UploadRejected("error")
		WriteError(w, r, fmt.Errorf("failed to stage upload: %w", err))
	}
}

var errBadMultipart = errors.New("malformed multipart body")

// stage streams every part of the form to disk. Files are written into
// the private incoming directory and renamed into the temp directory only
// once complete, so a sweep never sees a partial file.
func (u *uploadStager) stage(w http.ResponseWriter, r *http.Request) (*Form, error) {
	incoming := filepath.Join(u.dir, maintenance.IncomingDir)
	if err := os.MkdirAll(incoming, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	if u.timeout > 0 {
		rc := http.NewResponseController(w)
		if err := rc.SetReadDeadline(time.Now().Add(u.timeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return nil, err
		}
		defer func() { _ = rc.SetReadDeadline(time.Time{}) }()
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadMultipart, err)
	}

	form := &Form{Values: url.Values{}, Files: make(map[string][]*File)}
	var staged []string
	cleanup := func() {
		for _, p := range staged {
			_ = os.Remove(p)
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			cleanup()
			return nil, classifyReadErr(err)
		}

		if part.FileName() == "" {
			value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
			_ = part.Close()
			if err != nil {
				cleanup()
				return nil, classifyReadErr(err)
			}
			if len(value) > maxFieldBytes {
				cleanup()
				return nil, fmt.Errorf("%w: field %q too large", errBadMultipart, part.FormName())
			}
			form.Values.Add(part.FormName(), string(value))
			continue
		}

		f, err := u.stageFile(incoming, part)
		_ = part.Close()
		if err != nil {
			cleanup()
			return nil, err
		}
		staged = append(staged, f.Path)
		form.Files[f.Field] = append(form.Files[f.Field], f)
		u.metrics.UploadStaged(f.Size)
	}

	return form, nil
}

func (u *uploadStager) stageFile(incoming string, part *multipart.Part) (*File, error) {
	name := uuid.NewString() + safeExt(part.FileName())
	partial := filepath.Join(incoming, name)

	out, err := os.OpenFile(partial, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create staged file: %w", err)
	}

	n, copyErr := io.Copy(out, io.LimitReader(part, u.maxFileBytes+1))
	closeErr := out.Close()
	if copyErr == nil && n > u.maxFileBytes {
		copyErr = ErrFileTooLarge
	}
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(partial)
		return nil, classifyReadErr(copyErr)
	}

	final := filepath.Join(u.dir, name)
	if err := os.Rename(partial, final); err != nil {
		_ = os.Remove(partial)
		return nil, fmt.Errorf("failed to publish staged file: %w", err)
	}

	return &File{
		Field:       part.FormName(),
		Filename:    filepath.Base(part.FileName()),
		ContentType: part.Header.Get("Content-Type"),
		Path:        final,
		Size:        n,
	}, nil
}

func classifyReadErr(err error) error {
	if errors.Is(err, ErrFileTooLarge) || errors.Is(err, os.ErrDeadlineExceeded) {
		return err
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || strings.HasPrefix(err.Error(), "multipart:") {
		return fmt.Errorf("%w: %v", errBadMultipart, err)
	}
	return err
}

// safeExt keeps a short alphanumeric extension of the client file name.
func safeExt(name string) string {
	ext := filepath.Ext(filepath.Base(name))
	if len(ext) < 2 || len(ext) > maxExtLen {
		return ""
	}
	for _, c := range ext[1:] {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return ""
		}
	}
	return strings.ToLower(ext)
}
