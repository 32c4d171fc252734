package classify

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ferebee/beachcomb/internal/daemon"
	"github.com/ferebee/beachcomb/internal/tools"
)

// ImageConfig tunes the image-kind judgement (ui-cache, screenshot,
// preview detection).
type ImageConfig struct {
	PreviewShortSide  int
	PreviewMaxMP      float64
	PreviewJPEGOnly   bool
	PreviewIgnoreEXIF bool
	UIIconSizes       map[int]bool
	UISmallBytes      int64
	UISmallAlphaBytes int64
	Screenshots       bool
	ScreenshotTolPx   int
	ScreenshotSizes   [][2]int
}

/// DefaultImageConfig mirrors the tool's stock thresholds: 700px short side
// and 1MP for previews, common icon sizes for ui-cache, the known Apple
// device screen sizes for screenshots.
func DefaultImageConfig() ImageConfig {
	return ImageConfig{
		PreviewShortSide:  700,
		PreviewMaxMP:      1.0,
		PreviewJPEGOnly:   true,
		PreviewIgnoreEXIF: true,
		UIIconSizes:       map[int]bool{16: true, 32: true, 64: true, 128: true, 256: true, 512: true},
		UISmallBytes:      50 * 1024,
		UISmallAlphaBytes: 150 * 1024,
		Screenshots:       true,
		ScreenshotTolPx:   2,
		ScreenshotSizes: [][2]int{
			{1136, 640}, {1334, 750}, {2208, 1242}, {2436, 1125}, {2532, 1170},
			{2688, 1242}, {2778, 1284}, {2796, 1290}, {2556, 1179}, {1206, 2622},
			{2048, 1536}, {2732, 2048},
			{2560, 1600}, {2880, 1800}, {3024, 1964}, {3456, 2234},
		},
	}
}

var readyToken = regexp.MustCompile(`^\{ready\d*\}$`)

// exifLines splits daemon output into trimmed lines, dropping any stray
// correlation tokens.
func exifLines(out string) []string {
	var lines []string
	for _, l := range strings.Split(out, "\n") {
		l = strings.TrimSpace(l)
		if l == "" || readyToken.MatchString(l) {
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

// EXIFMakeModel returns (Make, Model, Software) via the shared daemon.
func EXIFMakeModel(et *daemon.ExifTool, path string) (string, string, string) {
	if et == nil || !et.Available() {
		return "", "", ""
	}
	res := et.Call([]string{"-s", "-s", "-s", "-Make", "-Model", "-Software", path}, 10*time.Second)
	if res.Failed() {
		return "", "", ""
	}
	lines := append(exifLines(res.Stdout), "", "", "")
	return lines[0], lines[1], lines[2]
}

// Dimensions returns pixel width and height, preferring sips on macOS and
// falling back to the daemon. (0, 0) means unknown.
func Dimensions(ctx context.Context, et *daemon.ExifTool, path string) (int, int) {
	if tools.Have("sips") {
		rc, out, _ := tools.Run(ctx, 10*time.Second, "sips", "-g", "pixelWidth", "-g", "pixelHeight", path)
		if rc == 0 {
			w, h := 0, 0
			for _, line := range strings.Split(out, "\n") {
				if i := strings.Index(line, "pixelWidth:"); i >= 0 {
					w, _ = strconv.Atoi(strings.TrimSpace(line[i+len("pixelWidth:"):]))
				}
				if i := strings.Index(line, "pixelHeight:"); i >= 0 {
					h, _ = strconv.Atoi(strings.TrimSpace(line[i+len("pixelHeight:"):]))
				}
			}
			if w > 0 && h > 0 {
				return w, h
			}
		}
	}
	if et != nil && et.Available() {
		res := et.Call([]string{"-s", "-s", "-s", "-ImageWidth", "-ImageHeight", path}, 10*time.Second)
		if !res.Failed() {
			lines := exifLines(res.Stdout)
			if len(lines) >= 2 {
				w, errW := strconv.Atoi(lines[0])
				h, errH := strconv.Atoi(lines[1])
				if errW == nil && errH == nil {
					return w, h
				}
			}
		}
	}
	return 0, 0
}

// PNGHasAlpha reports whether a PNG carries an alpha channel.
func PNGHasAlpha(ctx context.Context, et *daemon.ExifTool, path string) bool {
	if tools.Have("file") {
		rc, out, _ := tools.Run(ctx, 5*time.Second, "file", "-b", path)
		if rc == 0 && strings.Contains(out, "RGBA") {
			return true
		}
	}
	if et != nil && et.Available() {
		res := et.Call([]string{"-s", "-s", "-s", "-ColorType", path}, 5*time.Second)
		if !res.Failed() && strings.Contains(res.Stdout, "Alpha") {
			return true
		}
	}
	return false
}

// IsIPhone reports whether EXIF make/model identify an iPhone photo.
func IsIPhone(mk, model string) bool {
	return strings.Contains(strings.ToLower(mk), "apple") &&
		strings.Contains(strings.ToLower(model), "iphone")
}

var tokenUnsafe = regexp.MustCompile(`[^\w\-.+]`)
var tokenRuns = regexp.MustCompile(`_+`)

// SanitizeToken makes a camera make/model safe for use as a path segment.
func SanitizeToken(s string) string {
	s = strings.TrimSpace(s)
	s = tokenUnsafe.ReplaceAllString(s, "_")
	return tokenRuns.ReplaceAllString(s, "_")
}

// Image kind labels.
const (
	KindNormal     = "normal"
	KindUICache    = "ui-cache"
	KindScreenshot = "screenshot"
	KindPreview    = "preview"
)

// ImageKind judges whether an image is a ui-cache artifact, a screenshot,
// a thumbnail-sized preview, or a normal photo. The rules are heuristic
// and intentionally conservative: anything ambiguous stays "normal".
func ImageKind(ext string, w, h int, sizeBytes int64, hasAlpha bool, mk, model string, cfg ImageConfig) string {
	ext = strings.ToLower(ext)
	shortSide := 0
	mp := 0.0
	if w > 0 && h > 0 {
		shortSide = min(w, h)
		mp = float64(w) * float64(h) / 1e6
	}
	noCamera := strings.TrimSpace(mk) == "" && strings.TrimSpace(model) == ""

	if shortSide > 0 && w == h && cfg.UIIconSizes[shortSide] {
		return KindUICache
	}
	if sizeBytes < cfg.UISmallBytes {
		return KindUICache
	}
	if ext == "png" && hasAlpha && sizeBytes < cfg.UISmallAlphaBytes {
		return KindUICache
	}
	if shortSide > 0 && shortSide < 320 && (ext == "png" || ext == "gif") {
		return KindUICache
	}

	if cfg.Screenshots && ext == "png" && noCamera && w > 0 && h > 0 {
		for _, s := range cfg.ScreenshotSizes {
			sw, sh := s[0], s[1]
			if abs(w-sw) <= cfg.ScreenshotTolPx || abs(h-sh) <= cfg.ScreenshotTolPx ||
				abs(w-sh) <= cfg.ScreenshotTolPx || abs(h-sw) <= cfg.ScreenshotTolPx {
				return KindScreenshot
			}
		}
	}

	if cfg.PreviewJPEGOnly && ext != "jpg" && ext != "jpeg" {
		return KindNormal
	}
	if shortSide > 0 && shortSide < cfg.PreviewShortSide && mp < cfg.PreviewMaxMP {
		if cfg.PreviewIgnoreEXIF && !noCamera {
			return KindNormal
		}
		return KindPreview
	}
	return KindNormal
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
