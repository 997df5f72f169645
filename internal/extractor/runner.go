// Package extractor drives the external media-extractor process (yt-dlp or
// compatible) and turns its line output into progress callbacks and a final
// file path.
package extractor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"galion/internal/fault"
)

// execCommandFunc is a function type for creating exec.Cmd, allowing injection for testing
type execCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

func defaultExecCommand(ctx context.Context, name string, arg ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, arg...)
}

// RunOptions shapes one extractor invocation.
type RunOptions struct {
	Quality        string            // preset name, mapped by FormatFor
	Subtitles      bool              // also fetch subtitles
	Playlist       bool              // allow playlist expansion
	OutputTemplate string            // -o value, handler-provided
	CookieFile     string            // --cookies source
	Headers        map[string]string // forwarded via --add-header
	ExtraArgs      []string          // handler-specific additions
}

// Output is the end state of a run.
type Output struct {
	Path              string
	AlreadyDownloaded bool
}

// Runner wraps the extractor binary. Safe for concurrent use; each Run spawns
// its own process.
type Runner struct {
	path        string
	logger      *slog.Logger
	execCommand execCommandFunc
}

func New(path string, logger *slog.Logger) *Runner {
	if path == "" {
		path = "yt-dlp"
	}
	return &Runner{path: path, logger: logger, execCommand: defaultExecCommand}
}

// SetExecCommand sets a custom exec command function (for testing)
func (r *Runner) SetExecCommand(fn execCommandFunc) {
	r.execCommand = fn
}

// FormatFor maps a quality preset to the extractor format expression. The
// second return is true when an audio-extraction post-step is required.
func FormatFor(quality string) (string, bool) {
	switch strings.ToLower(quality) {
	case "", "best":
		return "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best", false
	case "8k":
		return heightFormat(4320), false
	case "4k":
		return heightFormat(2160), false
	case "1080p":
		return heightFormat(1080), false
	case "720p":
		return heightFormat(720), false
	case "480p":
		return heightFormat(480), false
	case "360p":
		return heightFormat(360), false
	case "audio":
		return "bestaudio/best", true
	default:
		return "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best", false
	}
}

func heightFormat(h int) string {
	return fmt.Sprintf("bestvideo[height<=%d]+bestaudio/best", h)
}

// buildArgs assembles the argument vector for one run. Header keys are sorted
// so the vector is deterministic.
func (r *Runner) buildArgs(rawURL string, opts RunOptions) []string {
	args := []string{"--newline"}
	if opts.Playlist {
		args = append(args, "--yes-playlist")
	} else {
		args = append(args, "--no-playlist")
	}

	format, audio := FormatFor(opts.Quality)
	args = append(args, "-f", format)
	if audio {
		args = append(args, "-x", "--audio-format", "mp3")
	}
	if opts.Subtitles {
		args = append(args, "--write-subs", "--write-auto-subs")
	}
	if opts.CookieFile != "" {
		args = append(args, "--cookies", opts.CookieFile)
	}
	if len(opts.Headers) > 0 {
		keys := make([]string, 0, len(opts.Headers))
		for k := range opts.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			args = append(args, "--add-header", k+":"+opts.Headers[k])
		}
	}
	if opts.OutputTemplate != "" {
		args = append(args, "-o", opts.OutputTemplate)
	}
	args = append(args, opts.ExtraArgs...)
	args = append(args, rawURL)
	return args
}

// Run spawns the extractor and streams its stdout. onProgress receives
// monotonically non-decreasing percents, one call per observed progress line
// at most. A non-zero exit surfaces as an extractor-failure fault carrying
// the last stderr lines.
func (r *Runner) Run(ctx context.Context, rawURL string, opts RunOptions, onProgress func(float64)) (*Output, error) {
	args := r.buildArgs(rawURL, opts)
	cmd := r.execCommand(ctx, r.path, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fault.Wrap(fault.ExtractorFailure, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fault.Wrap(fault.ExtractorFailure, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fault.New(fault.ExtractorFailure, "start extractor %s: %v", r.path, err)
	}
	r.logger.Info("Extractor started", "url", rawURL, "args", strings.Join(args, " "))

	tail := newTailBuffer(8)
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			tail.Add(line)
			r.logger.Debug("Extractor stderr", "line", line)
		}
	}()

	var state runState
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if parseLine(scanner.Text(), &state) && onProgress != nil {
			onProgress(state.percent)
		}
	}
	<-stderrDone

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.NetworkTransient, ctx.Err())
		}
		return nil, fault.New(fault.ExtractorFailure, "extractor exited: %v: %s", err, tail.String())
	}

	if state.dest == "" && !state.already {
		return nil, fault.New(fault.ExtractorFailure, "extractor finished without reporting a destination")
	}
	return &Output{Path: state.dest, AlreadyDownloaded: state.already}, nil
}

// Info runs the extractor in JSON-dump mode without downloading.
func (r *Runner) Info(ctx context.Context, rawURL string) (map[string]any, error) {
	cmd := r.execCommand(ctx, r.path, "-J", "--no-download", rawURL)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fault.New(fault.ExtractorFailure, "extractor info failed: %s", lastLines(string(exitErr.Stderr), 4))
		}
		return nil, fault.New(fault.ExtractorFailure, "extractor not available: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(out, &payload); err != nil {
		return nil, fault.New(fault.ExtractorFailure, "parse extractor metadata: %v", err)
	}
	return payload, nil
}

// runState accumulates what the output lines reveal.
type runState struct {
	percent float64
	dest    string
	already bool
}

var (
	percentRe = regexp.MustCompile(`^\[download\]\s+([\d.]+)%`)
	mergerRe  = regexp.MustCompile(`^\[Merger\] Merging formats into "(.+)"`)
)

const (
	destPrefix  = "[download] Destination: "
	audioPrefix = "[ExtractAudio] Destination: "
	alreadyMark = " has already been downloaded"
)

// parseLine folds one stdout line into state. Returns true when the line
// advanced the percent.
func parseLine(line string, st *runState) bool {
	switch {
	case strings.HasPrefix(line, destPrefix):
		st.dest = strings.TrimSpace(strings.TrimPrefix(line, destPrefix))
	case strings.HasPrefix(line, audioPrefix):
		// Post-processed audio replaces the intermediate download.
		st.dest = strings.TrimSpace(strings.TrimPrefix(line, audioPrefix))
	case strings.Contains(line, alreadyMark):
		st.already = true
		path := strings.TrimPrefix(line, "[download] ")
		if i := strings.Index(path, alreadyMark); i > 0 {
			st.dest = strings.TrimSpace(path[:i])
		}
	default:
		if m := mergerRe.FindStringSubmatch(line); m != nil {
			st.dest = m[1]
			return false
		}
		if m := percentRe.FindStringSubmatch(line); m != nil {
			if p, err := strconv.ParseFloat(m[1], 64); err == nil && p > st.percent {
				st.percent = p
				return true
			}
		}
	}
	return false
}

// tailBuffer keeps the last n lines for error reporting.
type tailBuffer struct {
	lines []string
	n     int
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{n: n}
}

func (t *tailBuffer) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[1:]
	}
}

func (t *tailBuffer) String() string {
	return strings.Join(t.lines, "; ")
}

func lastLines(s string, n int) string {
	t := newTailBuffer(n)
	for _, line := range strings.Split(s, "\n") {
		t.Add(line)
	}
	return t.String()
}
