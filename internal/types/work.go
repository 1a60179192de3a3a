package types

import "strconv"

// WorkItem identifies one video to process.
type WorkItem struct {
	Platform string `json:"platform"`
	Code     string `json:"code"`
}

// Frame is one extracted frame on local disk, canonically named
// {index}_{second}.png with index contiguous from 1.
type Frame struct {
	Index  int     `json:"index"`
	Second float64 `json:"second"`
	Path   string  `json:"path"`
}

// FormatSecond renders a frame timestamp the single canonical way. The same
// string feeds file names, object keys, payloads and point id derivation, so
// ids stay pure functions of (platform, code, index, second).
func FormatSecond(second float64) string {
	return strconv.FormatFloat(second, 'f', 2, 64)
}

// ProcessResult reports what the per-video pipeline did for one item.
type ProcessResult struct {
	Item             WorkItem `json:"item"`
	Skipped          bool     `json:"skipped"`
	Downloaded       bool     `json:"downloaded"`
	Cropped          bool     `json:"cropped"`
	FrameCount       int      `json:"frame_count"`
	EmbeddedCount    int      `json:"embedded_count"`
	UploadDispatched bool     `json:"upload_dispatched"`
	Err              error    `json:"-"`
}
