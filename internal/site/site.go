// Package site renders the static build history pages from the record
// store.
package site

import (
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/marlinbuild/builder/internal/matrix"
	"github.com/marlinbuild/builder/internal/models"
	"github.com/marlinbuild/builder/internal/store"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Renderer writes index, manufacturer and printer pages under the output
// root
type Renderer struct {
	store *store.Store
	tmpl  *template.Template
	now   func() time.Time
}

// NewRenderer parses the embedded templates
func NewRenderer(st *store.Store) (*Renderer, error) {
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"formatTime": formatTime,
		"shortSHA":   shortSHA,
	}).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	return &Renderer{store: st, tmpl: tmpl, now: time.Now}, nil
}

type page struct {
	Title     string
	Root      string
	Generated time.Time
}

type manufacturerSummary struct {
	Name     string
	Dir      string
	Printers int
	Built    int
}

type indexPage struct {
	page
	Manufacturers []manufacturerSummary
}

type printerSummary struct {
	Name   string
	Dir    string
	Latest *models.BuildRecord
}

type manufacturerPage struct {
	page
	Printers []printerSummary
}

type printerPage struct {
	page
	Overlay models.Overlay
	History []store.ChannelGroup
}

// Render regenerates every page. Pages are only written for targets that
// already have an output directory. Any unreadable record aborts rendering.
func (r *Renderer) Render(m *matrix.Matrix) error {
	root := r.store.Root()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	generated := r.now().UTC()
	index := indexPage{page: page{Title: "Marlin firmware builds", Root: "", Generated: generated}}
	pages := 0

	for _, manu := range m.Manufacturers {
		summary := manufacturerSummary{Name: manu.Name, Printers: len(manu.Printers)}
		t := models.Target{Manufacturer: manu.Name}
		summary.Dir, _ = t.Dir()
		manuDir := filepath.Join(root, summary.Dir)

		if _, err := os.Stat(manuDir); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				index.Manufacturers = append(index.Manufacturers, summary)
				continue
			}
			return fmt.Errorf("failed to stat %s: %w", manuDir, err)
		}

		mp := manufacturerPage{page: page{Title: manu.Name, Root: "../", Generated: generated}}
		for _, p := range manu.Printers {
			target := models.Target{Manufacturer: manu.Name, Printer: p.Name, Overlay: p.Overlay}
			_, printerName := target.Dir()
			ps := printerSummary{Name: p.Name, Dir: printerName}

			dir := r.store.TargetDir(target)
			if _, err := os.Stat(dir); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					mp.Printers = append(mp.Printers, ps)
					continue
				}
				return fmt.Errorf("failed to stat %s: %w", dir, err)
			}

			records, err := r.store.ListAll(dir)
			if err != nil {
				return err
			}
			history := store.History(records)
			ps.Latest = latest(records)
			if ps.Latest != nil {
				summary.Built++
			}

			pp := printerPage{
				page:    page{Title: manu.Name + " " + p.Name, Root: "../../", Generated: generated},
				Overlay: p.Overlay,
				History: history,
			}
			if err := r.write(filepath.Join(dir, "index.html"), "printer.html", pp); err != nil {
				return err
			}
			pages++
			mp.Printers = append(mp.Printers, ps)
		}

		if err := r.write(filepath.Join(manuDir, "index.html"), "manufacturer.html", mp); err != nil {
			return err
		}
		pages++
		index.Manufacturers = append(index.Manufacturers, summary)
	}

	if err := r.write(filepath.Join(root, "index.html"), "index.html", index); err != nil {
		return err
	}
	pages++

	slog.Info("Rendered static pages", slog.String("output", root), slog.Int("pages", pages))
	return nil
}

// write renders into a temporary file and renames it into place
func (r *Renderer) write(path, name string, data any) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".page-*")
	if err != nil {
		return fmt.Errorf("failed to create page: %w", err)
	}
	if err := r.tmpl.ExecuteTemplate(tmp, name, data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to render %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write page: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to set page permissions: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to publish page: %w", err)
	}
	return nil
}

func latest(records []*models.BuildRecord) *models.BuildRecord {
	var newest *models.BuildRecord
	for _, rec := range records {
		if newest == nil || rec.Timestamp > newest.Timestamp {
			newest = rec
		}
	}
	return newest
}

// formatTime renders either an epoch timestamp or a time.Time in UTC
func formatTime(v any) string {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0).UTC().Format("2006-01-02 15:04 MST")
	case time.Time:
		return t.UTC().Format("2006-01-02 15:04 MST")
	default:
		return ""
	}
}

func shortSHA(sum string) string {
	if len(sum) <= 12 {
		return sum
	}
	return sum[:12]
}
