package controller

import (
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/nugget/hark/internal/llm"
)

// maxAttachmentBytes is the largest image sent inline.
const maxAttachmentBytes = 20 << 20

// loadAttachments reads image files for a request. A missing or
// unreadable file fails the request; files that are not images are
// skipped with a warning and the request goes ahead as text.
func loadAttachments(paths []string, logger *slog.Logger) ([]llm.Image, error) {
	var images []llm.Image
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("attachment %s: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("attachment %s: not a regular file", path)
		}
		if info.Size() > maxAttachmentBytes {
			return nil, fmt.Errorf("attachment %s: %d bytes exceeds the %d byte limit", path, info.Size(), maxAttachmentBytes)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("attachment %s: %w", path, err)
		}

		mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
		if mimeType == "" {
			mimeType = http.DetectContentType(data)
		}
		mimeType, _, _ = strings.Cut(mimeType, ";")
		if !strings.HasPrefix(mimeType, "image/") {
			logger.Warn("attachment is not an image, sending text only", "path", path, "mime_type", mimeType)
			continue
		}
		images = append(images, llm.Image{Name: filepath.Base(path), MIMEType: mimeType, Data: data})
	}
	return images, nil
}
