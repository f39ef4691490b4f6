package pipelinemodule

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/dhowden/tag"
	"github.com/mantonx/mediadex/internal/database"
	"github.com/mantonx/mediadex/internal/logger"
	"github.com/mantonx/mediadex/internal/utils"
)

// execCommandContext is swappable in tests so probing does not need an
// ffprobe binary.
var execCommandContext = exec.CommandContext

// MediaAnalyzed is the output of the analyze stage.
type MediaAnalyzed struct {
	Fingerprint string
	SizeBytes   int64
	StreamsJSON string

	// Probed is false when technical analysis failed or did not apply and
	// the item carries placeholder data. Downstream stages proceed anyway.
	Probed          bool
	Container       string
	DurationSeconds float64
}

// MediaAnalyzer extracts technical information from a file.
type MediaAnalyzer interface {
	Analyze(ctx context.Context, event database.FileEvent) (*MediaAnalyzed, error)
}

// ProbeAnalyzer analyzes video files with ffprobe and audio files with
// embedded tag parsing. Analysis failure is not item failure: the analyzer
// degrades to placeholder data so a broken file still gets indexed.
type ProbeAnalyzer struct {
	timeout time.Duration
}

// NewProbeAnalyzer creates an analyzer with the given probe timeout.
func NewProbeAnalyzer(timeout time.Duration) *ProbeAnalyzer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ProbeAnalyzer{timeout: timeout}
}

const placeholderStreams = `{"streams":[]}`

// Analyze stats and probes the file. It never fails the item: stat or probe
// errors produce a placeholder result with Probed=false.
func (a *ProbeAnalyzer) Analyze(ctx context.Context, event database.FileEvent) (*MediaAnalyzed, error) {
	info, err := os.Stat(event.Path)
	if err != nil {
		logger.Debug("analyze stat failed, using placeholder", "path", event.Path, "error", err)
		return &MediaAnalyzed{
			Fingerprint: utils.Fingerprint(event.Path, 0, time.Time{}),
			StreamsJSON: placeholderStreams,
		}, nil
	}

	analyzed := &MediaAnalyzed{
		Fingerprint: utils.Fingerprint(event.Path, info.Size(), info.ModTime()),
		SizeBytes:   info.Size(),
		StreamsJSON: placeholderStreams,
	}

	switch {
	case utils.IsVideoFile(event.Path):
		a.probeVideo(ctx, event.Path, analyzed)
	case utils.IsAudioFile(event.Path):
		a.probeAudio(event.Path, analyzed)
	}
	return analyzed, nil
}

type ffprobeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
	Streams []json.RawMessage `json:"streams"`
}

func (a *ProbeAnalyzer) probeVideo(ctx context.Context, path string, analyzed *MediaAnalyzed) {
	probeCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := execCommandContext(probeCtx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path)
	out, err := cmd.Output()
	if err != nil {
		logger.Debug("ffprobe failed, using placeholder", "path", path, "error", err)
		return
	}

	var probed ffprobeOutput
	if err := json.Unmarshal(out, &probed); err != nil {
		logger.Debug("ffprobe output unparsable", "path", path, "error", err)
		return
	}

	analyzed.Probed = true
	analyzed.StreamsJSON = string(out)
	analyzed.Container = probed.Format.FormatName
	if probed.Format.Duration != "" {
		fmt.Sscanf(probed.Format.Duration, "%f", &analyzed.DurationSeconds)
	}
}

func (a *ProbeAnalyzer) probeAudio(path string, analyzed *MediaAnalyzed) {
	f, err := os.Open(path)
	if err != nil {
		logger.Debug("audio open failed, using placeholder", "path", path, "error", err)
		return
	}
	defer f.Close()

	meta, err := tag.ReadFrom(f)
	if err != nil {
		logger.Debug("audio tag parse failed, using placeholder", "path", path, "error", err)
		return
	}

	streams, err := json.Marshal(map[string]interface{}{
		"format": string(meta.Format()),
		"title":  meta.Title(),
		"artist": meta.Artist(),
		"album":  meta.Album(),
		"year":   meta.Year(),
	})
	if err != nil {
		return
	}

	analyzed.Probed = true
	analyzed.StreamsJSON = string(streams)
	analyzed.Container = string(meta.FileType())
}
