// Package render turns accepted sections into the final report artifact.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/insightengine/orchestrator/internal/metrics"
	"github.com/insightengine/orchestrator/internal/research"
	"github.com/insightengine/orchestrator/internal/tracing"
)

// Artifact locates a rendered report. URL is set only when an upload
// succeeded.
type Artifact struct {
	Path string
	URL  string
}

// Renderer produces a report from accepted sections.
type Renderer interface {
	RenderReport(ctx context.Context, topic string, sections []research.Section, sessionID string) (Artifact, error)
}

var safeID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// FileName is the artifact name for a session.
func FileName(sessionID string) string {
	return "research_report_" + sessionID + ".md"
}

// MarkdownRenderer writes reports as Markdown files into Dir and optionally
// uploads them.
type MarkdownRenderer struct {
	dir      string
	uploader Uploader
	logger   *zap.Logger
	now      func() time.Time
}

// NewMarkdownRenderer creates dir if needed. uploader may be nil.
func NewMarkdownRenderer(dir string, uploader Uploader, logger *zap.Logger) (*MarkdownRenderer, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MarkdownRenderer{dir: dir, uploader: uploader, logger: logger, now: time.Now}, nil
}

// Dir is the output directory.
func (m *MarkdownRenderer) Dir() string { return m.dir }

func (m *MarkdownRenderer) RenderReport(ctx context.Context, topic string, sections []research.Section, sessionID string) (art Artifact, err error) {
	ctx, span := tracing.StartSessionSpan(ctx, "render.report", sessionID,
		attribute.Int("render.sections", len(sections)))
	defer func() {
		metrics.ReportsRendered.WithLabelValues(metrics.StatusLabel(err)).Inc()
		tracing.End(span, err)
	}()

	if !safeID.MatchString(sessionID) {
		return Artifact{}, fmt.Errorf("unsafe session id %q", sessionID)
	}
	if len(sections) == 0 {
		return Artifact{}, errors.New("no sections to render")
	}

	doc := Markdown(topic, sections, sessionID, m.now())
	path := filepath.Join(m.dir, FileName(sessionID))
	if err := writeAtomic(path, doc); err != nil {
		return Artifact{}, err
	}
	art = Artifact{Path: path}

	if m.uploader != nil {
		url, upErr := m.uploader.Upload(ctx, FileName(sessionID), doc)
		if upErr != nil {
			m.logger.Warn("Report upload failed, keeping local copy",
				zap.String("session_id", sessionID),
				zap.String("path", path),
				zap.Error(upErr),
			)
		} else {
			art.URL = url
		}
	}
	return art, nil
}

// Markdown lays out the report: title block, executive summary, contents,
// numbered sections and a deduplicated reference list.
func Markdown(topic string, sections []research.Section, sessionID string, now time.Time) []byte {
	var b bytes.Buffer
	date := now.UTC().Format("January 2, 2006")

	fmt.Fprintf(&b, "# %s\n\n", oneLine(topic))
	b.WriteString("*Research Report*\n\n")
	fmt.Fprintf(&b, "Generated: %s  \nSession ID: %s\n\n", date, sessionID)

	b.WriteString("## Executive Summary\n\n")
	fmt.Fprintf(&b, "This report presents comprehensive research on %s. ", oneLine(topic))
	fmt.Fprintf(&b, "The analysis is organized into %d thematic sections, ", len(sections))
	b.WriteString("each providing detailed insights, evidence, and citations from authoritative sources.\n\n")

	b.WriteString("## Table of Contents\n\n")
	for i, s := range sections {
		fmt.Fprintf(&b, "%d. %s\n", i+1, oneLine(s.Title))
	}
	b.WriteString("\n")

	var all []research.Citation
	for i, s := range sections {
		fmt.Fprintf(&b, "## %d. %s\n\n", i+1, oneLine(s.Title))
		for _, para := range strings.Split(s.Body, "\n\n") {
			if p := strings.TrimSpace(para); p != "" {
				b.WriteString(p)
				b.WriteString("\n\n")
			}
		}
		all = append(all, s.Citations...)
	}

	b.WriteString("## References\n\n")
	refs := DedupeCitations(all)
	if len(refs) == 0 {
		b.WriteString("No references available.\n")
	}
	for i, c := range refs {
		title := oneLine(c.Title)
		if title == "" {
			title = "Untitled"
		}
		fmt.Fprintf(&b, "[%d] %s.  \n<%s>  \n", i+1, title, c.URL)
		if !c.AccessedAt.IsZero() {
			fmt.Fprintf(&b, "Accessed: %s\n", c.AccessedAt.UTC().Format("January 2, 2006"))
		}
		b.WriteString("\n")
	}
	return bytes.TrimRight(b.Bytes(), "\n")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*")
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
