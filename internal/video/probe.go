package video

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ProbeInfo is the subset of ffprobe output the pipeline needs.
type ProbeInfo struct {
	Duration   float64
	FPS        float64
	Width      int
	Height     int
	FrameCount int
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
		NbFrames   string `json:"nb_frames"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe runs ffprobe once and extracts duration, fps, dimensions and the
// frame count. nb_frames is often absent in stream headers; the count is
// then estimated as duration*fps.
func (s *service) Probe(ctx context.Context, path string) (ProbeInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.watchdog)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_type,width,height,r_frame_rate,nb_frames",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return ProbeInfo{}, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return ProbeInfo{}, fmt.Errorf("ffprobe decode: %w", err)
	}
	if len(parsed.Streams) == 0 {
		return ProbeInfo{}, fmt.Errorf("ffprobe: no video stream in %s", path)
	}

	stream := parsed.Streams[0]
	info := ProbeInfo{
		Width:  stream.Width,
		Height: stream.Height,
	}

	if d, err := strconv.ParseFloat(strings.TrimSpace(parsed.Format.Duration), 64); err == nil {
		info.Duration = d
	}
	info.FPS = parseFrameRate(stream.RFrameRate)
	if n, err := strconv.Atoi(strings.TrimSpace(stream.NbFrames)); err == nil && n > 0 {
		info.FrameCount = n
	} else if info.Duration > 0 && info.FPS > 0 {
		info.FrameCount = int(info.Duration * info.FPS)
	}

	if info.Duration <= 0 {
		return info, fmt.Errorf("ffprobe: no usable duration for %s", path)
	}
	if info.FPS <= 0 {
		return info, fmt.Errorf("ffprobe: no usable frame rate for %s", path)
	}
	return info, nil
}

// parseFrameRate converts ffprobe's rational rate ("30000/1001") to a float.
func parseFrameRate(rate string) float64 {
	rate = strings.TrimSpace(rate)
	if rate == "" {
		return 0
	}
	if num, den, ok := strings.Cut(rate, "/"); ok {
		n, errN := strconv.ParseFloat(num, 64)
		d, errD := strconv.ParseFloat(den, 64)
		if errN != nil || errD != nil || d == 0 {
			return 0
		}
		return n / d
	}
	v, err := strconv.ParseFloat(rate, 64)
	if err != nil {
		return 0
	}
	return v
}
