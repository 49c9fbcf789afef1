package media

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"media-workbench/internal/domain"
)

// ErrUnsupportedOperation is returned for names missing from the catalog.
var ErrUnsupportedOperation = errors.New("unsupported operation")

// ErrInvalidOption is returned when an operation option cannot be used.
var ErrInvalidOption = errors.New("invalid operation option")

// Codec settings shared by the video operations.
const (
	VideoCodec     = "libx264"
	VideoPreset    = "medium"
	VideoCRF       = "23"
	AudioCodec     = "aac"
	AudioBitrate   = "128k"
	ExtractBitrate = "192k"
	FastStartFlag  = "+faststart"
)

var videoPresets = map[string]bool{
	"ultrafast": true, "superfast": true, "veryfast": true, "faster": true, "fast": true,
	"medium": true, "slow": true, "slower": true, "veryslow": true,
}

// plan is the operation-specific part of one ffmpeg invocation.
type plan struct {
	// args sit between the global flags and the output path, -i included.
	args []string
	// durationSec overrides the probed input duration when the output
	// length is known in advance. Zero means probe.
	durationSec float64
}

// operation builds a plan from job parameters.
type operation struct {
	label string
	build func(p domain.OperationParams) (plan, error)
}

var catalog = map[string]operation{
	"trim-audio":     {label: "Audio trimmed", build: buildTrimAudio},
	"compress-video": {label: "Video compressed", build: buildCompressVideo},
	"convert":        {label: "File converted", build: buildConvert},
	"extract-audio":  {label: "Audio extracted", build: buildExtractAudio},
	"adjust-volume":  {label: "Volume adjusted", build: buildAdjustVolume},
}

// Operations lists supported operation names.
func Operations() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupOperation(name string) (operation, error) {
	op, ok := catalog[strings.TrimSpace(name)]
	if !ok {
		return operation{}, errors.Wrapf(ErrUnsupportedOperation, "%q", name)
	}
	return op, nil
}

func buildTrimAudio(p domain.OperationParams) (plan, error) {
	start, err := optionSeconds(p.Options, "start", 0)
	if err != nil {
		return plan{}, err
	}
	duration, err := optionSeconds(p.Options, "duration", 0)
	if err != nil {
		return plan{}, err
	}

	args := []string{}
	if start > 0 {
		args = append(args, "-ss", formatSeconds(start))
	}
	args = append(args, "-i", p.InputPath)
	if duration > 0 {
		args = append(args, "-t", formatSeconds(duration))
	}
	args = append(args, "-vn")
	return plan{args: args, durationSec: duration}, nil
}

func buildCompressVideo(p domain.OperationParams) (plan, error) {
	crf := option(p.Options, "crf", VideoCRF)
	if n, err := strconv.Atoi(crf); err != nil || n < 0 || n > 51 {
		return plan{}, errors.Wrapf(ErrInvalidOption, "crf %q must be an integer in [0,51]", crf)
	}
	preset := option(p.Options, "preset", VideoPreset)
	if !videoPresets[preset] {
		return plan{}, errors.Wrapf(ErrInvalidOption, "preset %q", preset)
	}

	return plan{args: []string{
		"-i", p.InputPath,
		"-c:v", VideoCodec,
		"-preset", preset,
		"-crf", crf,
		"-c:a", AudioCodec,
		"-b:a", AudioBitrate,
		"-movflags", FastStartFlag,
	}}, nil
}

func buildConvert(p domain.OperationParams) (plan, error) {
	return plan{args: []string{"-i", p.InputPath}}, nil
}

func buildExtractAudio(p domain.OperationParams) (plan, error) {
	bitrate := option(p.Options, "bitrate", ExtractBitrate)
	if !validBitrate(bitrate) {
		return plan{}, errors.Wrapf(ErrInvalidOption, "bitrate %q", bitrate)
	}
	return plan{args: []string{"-i", p.InputPath, "-vn", "-b:a", bitrate}}, nil
}

func buildAdjustVolume(p domain.OperationParams) (plan, error) {
	raw := option(p.Options, "gainDb", "0")
	gain, err := strconv.ParseFloat(raw, 64)
	if err != nil || gain < -60 || gain > 60 {
		return plan{}, errors.Wrapf(ErrInvalidOption, "gainDb %q must be in [-60,60]", raw)
	}
	return plan{args: []string{
		"-i", p.InputPath,
		"-af", "volume=" + strconv.FormatFloat(gain, 'f', -1, 64) + "dB",
	}}, nil
}

func option(options map[string]string, key, fallback string) string {
	if v := strings.TrimSpace(options[key]); v != "" {
		return v
	}
	return fallback
}

// optionSeconds reads seconds ("12.5") or a clock value ("00:01:02.5").
func optionSeconds(options map[string]string, key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(options[key])
	if raw == "" {
		return fallback, nil
	}
	secs, err := parseSeconds(raw)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidOption, "%s %q", key, raw)
	}
	return secs, nil
}

func parseSeconds(raw string) (float64, error) {
	parts := strings.Split(raw, ":")
	if len(parts) > 3 {
		return 0, errors.Newf("too many fields in %q", raw)
	}
	total := 0.0
	for _, part := range parts {
		v, err := strconv.ParseFloat(part, 64)
		if err != nil || v < 0 {
			return 0, errors.Newf("invalid time field %q", part)
		}
		total = total*60 + v
	}
	return total, nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func validBitrate(v string) bool {
	v = strings.TrimSuffix(strings.ToLower(v), "k")
	n, err := strconv.Atoi(v)
	return err == nil && n >= 8 && n <= 512
}
