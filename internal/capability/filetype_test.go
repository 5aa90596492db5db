package capability

import "testing"

func TestFileCategory(t *testing.T) {
	tests := []struct {
		contentType string
		want        string
	}{
		{"image/png", CategoryImage},
		{"IMAGE/JPEG; q=0.9", CategoryImage},
		{"video/mp4", CategoryVideo},
		{"audio/mpeg", CategoryAudio},
		{"application/pdf", CategoryDocument},
		{"text/plain; charset=utf-8", CategoryDocument},
		{"application/vnd.openxmlformats-officedocument.wordprocessingml.document", CategoryDocument},
		{"application/vnd.ms-excel", CategoryDocument},
		{"application/zip", CategoryArchive},
		{"application/x-7z-compressed", CategoryArchive},
		{"application/gzip", CategoryArchive},
		{"application/octet-stream", CategoryImage},
		{"", CategoryImage},
	}
	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			if got := FileCategory(tt.contentType); got != tt.want {
				t.Errorf("FileCategory(%q) = %q, ожидается %q", tt.contentType, got, tt.want)
			}
		})
	}
}
