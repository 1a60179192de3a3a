package video

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
)

// cropRect is an ffmpeg crop=W:H:X:Y rectangle.
type cropRect struct {
	W, H, X, Y int
}

var cropDetectRe = regexp.MustCompile(`crop=(\d+):(\d+):(\d+):(\d+)`)

func (s *service) Crop(ctx context.Context, src, dst string) (bool, error) {
	info, err := s.Probe(ctx, src)
	if err != nil {
		s.log.Warn("crop probe failed, copying source", "src", src, "error", err)
		return false, copyFile(src, dst)
	}

	rect, ok := s.detectCropRect(ctx, src, info)
	if !ok {
		s.log.Debug("no crop rectangle detected", "src", src)
		return false, copyFile(src, dst)
	}
	if rect.X == 0 && rect.Y == 0 && rect.W >= info.Width && rect.H >= info.Height {
		// Full-frame detection means no letterbox to remove.
		return false, copyFile(src, dst)
	}

	if err := s.encodeCropped(ctx, src, dst, rect); err != nil {
		s.log.Warn("crop encode failed, copying source", "src", src, "error", err)
		return false, copyFile(src, dst)
	}
	return true, nil
}

// detectCropRect runs cropdetect at equally spaced timestamps and unions the
// per-probe rectangles, expanded by the safe margin and clamped to frame
// bounds with even dimensions.
func (s *service) detectCropRect(ctx context.Context, src string, info ProbeInfo) (cropRect, bool) {
	probes := s.crop.Probes
	var rects []cropRect

	for k := 0; k < probes; k++ {
		t := info.Duration * float64(k+1) / float64(probes+1)
		rect, ok := s.probeCropAt(ctx, src, t)
		if ok {
			rects = append(rects, rect)
		}
	}
	if len(rects) == 0 {
		return cropRect{}, false
	}

	union := unionRects(rects)
	union = expandRect(union, s.crop.SafeMargin)
	union = clampRect(union, info.Width, info.Height)
	union.W = roundUpEven(union.W)
	union.H = roundUpEven(union.H)
	union = clampRect(union, info.Width, info.Height)

	if union.W <= 0 || union.H <= 0 {
		return cropRect{}, false
	}
	return union, true
}

func (s *service) probeCropAt(ctx context.Context, src string, at float64) (cropRect, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.watchdog)
	defer cancel()

	filter := fmt.Sprintf("cropdetect=%d:%d:%d", s.crop.DetectLimit, s.crop.DetectRound, s.crop.DetectReset)
	cmd := exec.CommandContext(ctx, s.ffmpegPath,
		"-hide_banner",
		"-ss", strconv.FormatFloat(at, 'f', 3, 64),
		"-t", strconv.FormatFloat(s.crop.ClipSecs, 'f', 3, 64),
		"-i", src,
		"-vf", filter,
		"-an",
		"-f", "null", "-",
	)

	// cropdetect reports on stderr; a non-zero exit still often carries
	// usable lines, so the output is parsed either way.
	out, _ := cmd.CombinedOutput()
	matches := cropDetectRe.FindAllStringSubmatch(string(out), -1)
	if len(matches) == 0 {
		return cropRect{}, false
	}

	last := matches[len(matches)-1]
	w, _ := strconv.Atoi(last[1])
	h, _ := strconv.Atoi(last[2])
	x, _ := strconv.Atoi(last[3])
	y, _ := strconv.Atoi(last[4])
	if w <= 0 || h <= 0 {
		return cropRect{}, false
	}
	return cropRect{W: w, H: h, X: x, Y: y}, true
}

func (s *service) encodeCropped(ctx context.Context, src, dst string, rect cropRect) error {
	ctx, cancel := context.WithTimeout(ctx, s.watchdog)
	defer cancel()

	filter := fmt.Sprintf("crop=%d:%d:%d:%d,setsar=1:1,format=nv12", rect.W, rect.H, rect.X, rect.Y)

	args := []string{"-hide_banner", "-y"}
	if s.crop.HWAccel {
		args = append(args, "-hwaccel", "cuda")
	}
	args = append(args,
		"-i", src,
		"-vf", filter,
		"-c:v", s.crop.Encoder,
		"-preset", s.crop.Preset,
		"-tune", s.crop.Tune,
		"-cq", strconv.Itoa(s.crop.CQ),
		"-c:a", "copy",
		"-movflags", "+faststart",
		dst,
	)

	cmd := exec.CommandContext(ctx, s.ffmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("ffmpeg crop encode failed: %w; out=%s", err, tail(string(out), 512))
	}
	if _, err := os.Stat(dst); err != nil {
		return fmt.Errorf("crop output missing at %s", dst)
	}
	return nil
}

func unionRects(rects []cropRect) cropRect {
	minX, minY := rects[0].X, rects[0].Y
	maxX, maxY := rects[0].X+rects[0].W, rects[0].Y+rects[0].H
	for _, r := range rects[1:] {
		if r.X < minX {
			minX = r.X
		}
		if r.Y < minY {
			minY = r.Y
		}
		if r.X+r.W > maxX {
			maxX = r.X + r.W
		}
		if r.Y+r.H > maxY {
			maxY = r.Y + r.H
		}
	}
	return cropRect{X: minX, Y: minY, W: maxX - minX, H: maxY - minY}
}

func expandRect(r cropRect, margin int) cropRect {
	return cropRect{
		X: r.X - margin,
		Y: r.Y - margin,
		W: r.W + 2*margin,
		H: r.H + 2*margin,
	}
}

func clampRect(r cropRect, width, height int) cropRect {
	if r.X < 0 {
		r.X = 0
	}
	if r.Y < 0 {
		r.Y = 0
	}
	if width > 0 && r.X+r.W > width {
		r.W = width - r.X
	}
	if height > 0 && r.Y+r.H > height {
		r.H = height - r.Y
	}
	return r
}

func roundUpEven(v int) int {
	if v%2 != 0 {
		return v + 1
	}
	return v
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
