package docker

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/prezel/prezel/pkg/log"
)

// BuildOptions describes an image build from an on-disk context directory.
type BuildOptions struct {
	ContextDir string
	// Dockerfile is the path of the Dockerfile inside the context,
	// "Dockerfile" when empty.
	Dockerfile string
	BuildArgs  map[string]*string
}

// BuildImage tars the context directory, runs the build on the daemon and
// streams the build output into sink. The sink sees one entry per build
// output line, with cached steps collapsed to a single "CACHED <step>" line
// the way BuildKit summarizes them.
func (c *Client) BuildImage(ctx context.Context, name ImageName, opts BuildOptions, sink LogSink) error {
	buildContext, err := tarDirectory(opts.ContextDir)
	if err != nil {
		return fmt.Errorf("failed to tar build context: %w", err)
	}
	defer buildContext.Close()

	dockerfile := opts.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	resp, err := c.sdk.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:       []string{name.String()},
		Dockerfile: dockerfile,
		BuildArgs:  opts.BuildArgs,
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to start image build %s: %w", name, err)
	}
	defer resp.Body.Close()

	logger := log.WithComponent("docker")
	logger.Info().Str("image", name.String()).Msg("building image")
	if err := streamBuildOutput(resp.Body, sink); err != nil {
		return fmt.Errorf("build of %s failed: %w", name, err)
	}
	return nil
}

// streamBuildOutput decodes the daemon's jsonmessage stream, forwarding
// lines to sink and surfacing the first build error.
func streamBuildOutput(body io.Reader, sink LogSink) error {
	decoder := json.NewDecoder(body)
	parser := newBuildLogParser()
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to decode build output: %w", err)
		}
		if msg.Error != nil {
			sink(LogLine{Time: nowMillis(), Content: msg.Error.Message, IsError: true})
			return errors.New(msg.Error.Message)
		}
		for _, line := range parser.feed(msg.Stream) {
			sink(line)
		}
	}
	for _, line := range parser.flush() {
		sink(line)
	}
	return nil
}

func drainPullStream(body io.Reader) error {
	decoder := json.NewDecoder(body)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to decode pull output: %w", err)
		}
		if msg.Error != nil {
			return errors.New(msg.Error.Message)
		}
	}
}

// buildLogParser reassembles the classic builder's stream fragments into
// lines and tracks step headers so cache hits can name the step they skip.
type buildLogParser struct {
	buf  string
	step string
}

func newBuildLogParser() *buildLogParser {
	return &buildLogParser{}
}

func (p *buildLogParser) feed(chunk string) []LogLine {
	p.buf += chunk
	var out []LogLine
	for {
		idx := strings.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(p.buf[:idx], "\r")
		p.buf = p.buf[idx+1:]
		if entry, ok := p.line(line); ok {
			out = append(out, entry)
		}
	}
	return out
}

func (p *buildLogParser) flush() []LogLine {
	if p.buf == "" {
		return nil
	}
	line := p.buf
	p.buf = ""
	if entry, ok := p.line(line); ok {
		return []LogLine{entry}
	}
	return nil
}

func (p *buildLogParser) line(line string) (LogLine, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return LogLine{}, false
	}
	if strings.HasPrefix(trimmed, "Step ") {
		if _, step, ok := strings.Cut(trimmed, " : "); ok {
			p.step = step
		}
		return LogLine{Time: nowMillis(), Content: trimmed}, true
	}
	if strings.HasPrefix(trimmed, "--->") {
		// layer ids are noise, cache hits are worth surfacing
		if strings.Contains(trimmed, "Using cache") && p.step != "" {
			return LogLine{Time: nowMillis(), Content: "CACHED " + p.step}, true
		}
		return LogLine{}, false
	}
	return LogLine{Time: nowMillis(), Content: trimmed}, true
}

// tarDirectory packages a directory as a gzipped tarball stream for the
// daemon. Symlinks are preserved, file modes are kept.
func tarDirectory(dir string) (io.ReadCloser, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	go func() {
		gz := gzip.NewWriter(pw)
		tw := tar.NewWriter(gz)
		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			var link string
			if info.Mode()&os.ModeSymlink != 0 {
				if link, err = os.Readlink(path); err != nil {
					return err
				}
			}
			header, err := tar.FileInfoHeader(info, link)
			if err != nil {
				return err
			}
			header.Name = filepath.ToSlash(rel)
			if err := tw.WriteHeader(header); err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		})
		if err == nil {
			err = tw.Close()
		} else {
			tw.Close()
		}
		if gzErr := gz.Close(); err == nil {
			err = gzErr
		}
		pw.CloseWithError(err)
	}()
	return pr, nil
}
