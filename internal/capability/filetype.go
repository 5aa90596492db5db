package capability

import "strings"

// Категории файлов, которыми capability-сервис ограничивает токены.
const (
	CategoryImage    = "image"
	CategoryVideo    = "video"
	CategoryAudio    = "audio"
	CategoryDocument = "document"
	CategoryArchive  = "archive"
)

// FileCategory сводит MIME-тип к категории для проверки токена.
// Пустой и нераспознанный тип относится к image.
func FileCategory(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}

	switch {
	case ct == "":
		return CategoryImage
	case strings.HasPrefix(ct, "image/"):
		return CategoryImage
	case strings.HasPrefix(ct, "video/"):
		return CategoryVideo
	case strings.HasPrefix(ct, "audio/"):
		return CategoryAudio
	case containsAny(ct, "pdf", "document", "text", "msword", "officedocument",
		"excel", "powerpoint", "spreadsheet", "presentation"):
		return CategoryDocument
	case containsAny(ct, "zip", "rar", "7z", "tar", "gzip", "compressed"):
		return CategoryArchive
	}
	return CategoryImage
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
