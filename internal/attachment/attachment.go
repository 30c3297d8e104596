package attachment

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/psds-microservice/support-session/internal/logger"
	"github.com/psds-microservice/support-session/internal/model"
)

const (
	MaxFiles    = 4
	MaxFileSize = 10 << 20
)

// Allowed media types: common images, PDF, plain text and Word documents.
var allowedTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"application/pdf",
	"text/plain",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// Word documents sniff as generic containers; the extension decides.
var wordExtensions = map[string]string{
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// Content such as JSON, CSV or HTML sniffs as a text/plain descendant. It
// counts as plain text only under these names, since stored uploads keep
// their extension.
var plainTextExtensions = map[string]bool{
	".txt": true,
	".log": true,
	".csv": true,
}

// File is one file picked for an outgoing message.
type File struct {
	Name string
	Data []byte
}

func (f File) Size() int64 { return int64(len(f.Data)) }

// UploadResult mirrors the upload collaborator's answer.
type UploadResult struct {
	Success bool   `json:"success"`
	URL     string `json:"url,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Uploader turns file bytes into a durable URL.
type Uploader interface {
	Upload(ctx context.Context, name, mediaType string, data []byte) (UploadResult, error)
}

// Problem is one itemized validation failure.
type Problem struct {
	File   string
	Reason string
}

// ValidationError rejects the whole batch before any upload.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		if p.File == "" {
			parts = append(parts, p.Reason)
			continue
		}
		parts = append(parts, p.File+": "+p.Reason)
	}
	return "attachments rejected: " + strings.Join(parts, "; ")
}

// UploadFailure records a file that passed validation but failed to upload.
type UploadFailure struct {
	File string
	Err  error
}

type Result struct {
	Attachments []model.Attachment
	Failures    []UploadFailure
}

// CheckFile validates one file and returns its sniffed media type.
func CheckFile(f File) (string, error) {
	switch {
	case f.Size() == 0:
		return "", fmt.Errorf("file is empty")
	case f.Size() > MaxFileSize:
		return "", fmt.Errorf("file is %s, maximum is 10 MB", humanSize(f.Size()))
	}
	mt := mimetype.Detect(f.Data)
	for _, allowed := range allowedTypes {
		if mt.Is(allowed) {
			return allowed, nil
		}
	}
	ext := strings.ToLower(filepath.Ext(f.Name))
	if plainTextExtensions[ext] && descendsFrom(mt, "text/plain") {
		return "text/plain", nil
	}
	if mt.Is("application/zip") || mt.Is("application/x-ole-storage") {
		if word, ok := wordExtensions[ext]; ok {
			return word, nil
		}
	}
	return "", fmt.Errorf("file type %s is not allowed", mt.String())
}

func descendsFrom(mt *mimetype.MIME, ancestor string) bool {
	for p := mt.Parent(); p != nil; p = p.Parent() {
		if p.Is(ancestor) {
			return true
		}
	}
	return false
}

// Validate checks the batch. Any problem rejects every file.
func Validate(files []File) ([]string, error) {
	var problems []Problem
	if len(files) > MaxFiles {
		problems = append(problems, Problem{Reason: fmt.Sprintf("maximum %d files per message, got %d", MaxFiles, len(files))})
	}
	types := make([]string, len(files))
	for i, f := range files {
		mt, err := CheckFile(f)
		if err != nil {
			problems = append(problems, Problem{File: f.Name, Reason: err.Error()})
			continue
		}
		types[i] = mt
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return types, nil
}

type Pipeline struct {
	uploader Uploader
	logger   *slog.Logger
}

func NewPipeline(uploader Uploader, log *slog.Logger) *Pipeline {
	if log == nil {
		log = logger.Discard()
	}
	return &Pipeline{uploader: uploader, logger: log.With(slog.String("component", "attachment"))}
}

// Process validates the batch, then uploads files one at a time. A failed
// upload is recorded and the remaining files still go out.
func (p *Pipeline) Process(ctx context.Context, files []File) (Result, error) {
	if len(files) == 0 {
		return Result{}, nil
	}
	types, err := Validate(files)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			res.Failures = append(res.Failures, UploadFailure{File: f.Name, Err: err})
			continue
		}
		up, err := p.uploader.Upload(ctx, f.Name, types[i], f.Data)
		if err == nil && !up.Success {
			err = fmt.Errorf("upload rejected: %s", up.Error)
		}
		if err != nil {
			p.logger.Warn("upload failed", slog.String("file", f.Name), slog.Any("error", err))
			res.Failures = append(res.Failures, UploadFailure{File: f.Name, Err: err})
			continue
		}
		res.Attachments = append(res.Attachments, model.Attachment{
			URL:       up.URL,
			Filename:  f.Name,
			ByteSize:  f.Size(),
			MediaType: types[i],
		})
	}
	return res, nil
}

// DeriveKind picks the message kind from its text and attachments.
func DeriveKind(body string, atts []model.Attachment) model.MessageKind {
	if len(atts) == 0 {
		return model.KindText
	}
	if strings.TrimSpace(body) == "" {
		for _, a := range atts {
			if strings.HasPrefix(a.MediaType, "image/") {
				return model.KindImage
			}
		}
	}
	return model.KindFile
}

func humanSize(n int64) string {
	const mb = 1 << 20
	if n >= mb {
		return fmt.Sprintf("%.1f MB", float64(n)/mb)
	}
	return fmt.Sprintf("%d KB", n>>10)
}
