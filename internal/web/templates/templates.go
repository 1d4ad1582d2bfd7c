// Package templates renders the HTML pages of the web UI.
package templates

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/a-h/templ"
)

// StatusData contains data for the status page.
type StatusData struct {
	Version          string
	Ready            bool
	Documents        int
	IndexedDocuments int
	Chunks           int
	Dimension        int
	Model            string
	Generator        string
	TopK             int
	Threshold        float64
	StartedAt        time.Time
	Recent           []DocumentRow
}

// DocumentRow is one stored document in the status listing.
type DocumentRow struct {
	ID         string
	Filename   string
	Size       int64
	Chunks     int
	UploadedAt time.Time
}

const pageStyle = `body{font-family:system-ui,sans-serif;max-width:960px;margin:2rem auto;padding:0 1rem;color:#222}
table{border-collapse:collapse;width:100%}td,th{padding:.35rem .6rem;border-bottom:1px solid #ddd;text-align:left}
.ready{color:#1a7f37}.starting{color:#9a6700}.error{color:#cf222e}code{font-size:.9em}`

func page(title string, body func(w io.Writer) error) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := fmt.Fprintf(w, "<!DOCTYPE html><html lang=\"en\"><head><meta charset=\"utf-8\"><title>%s</title><style>%s</style></head><body>",
			templ.EscapeString(title), pageStyle); err != nil {
			return err
		}
		if err := body(w); err != nil {
			return err
		}
		_, err := io.WriteString(w, "</body></html>")
		return err
	})
}

// StatusPage renders the index status and the most recent documents.
func StatusPage(data StatusData) templ.Component {
	return page("vecrag status", func(w io.Writer) error {
		var b strings.Builder

		state, class := "starting", "starting"
		if data.Ready {
			state, class = "ready", "ready"
		}
		fmt.Fprintf(&b, "<h1>vecrag</h1><p>Status: <strong class=%q>%s</strong>", class, state)
		if data.Version != "" {
			fmt.Fprintf(&b, " &middot; version <code>%s</code>", templ.EscapeString(data.Version))
		}
		b.WriteString("</p>")

		b.WriteString("<table><tbody>")
		row := func(k, v string) {
			fmt.Fprintf(&b, "<tr><th>%s</th><td>%s</td></tr>", k, templ.EscapeString(v))
		}
		row("Documents", fmt.Sprintf("%d (%d indexed)", data.Documents, data.IndexedDocuments))
		row("Chunks", fmt.Sprintf("%d", data.Chunks))
		row("Embedding model", fmt.Sprintf("%s (%d dimensions)", data.Model, data.Dimension))
		row("Generator", data.Generator)
		row("Retrieval", fmt.Sprintf("top %d, threshold %.2f", data.TopK, data.Threshold))
		if !data.StartedAt.IsZero() {
			row("Ready since", data.StartedAt.Format(time.RFC3339))
		}
		b.WriteString("</tbody></table>")

		b.WriteString("<h2>Documents</h2>")
		if len(data.Recent) == 0 {
			b.WriteString("<p>No documents uploaded yet.</p>")
		} else {
			b.WriteString("<table><thead><tr><th>File</th><th>Chunks</th><th>Size</th><th>Uploaded</th><th>ID</th></tr></thead><tbody>")
			for _, d := range data.Recent {
				fmt.Fprintf(&b, "<tr><td>%s</td><td>%d</td><td>%s</td><td>%s</td><td><code>%s</code></td></tr>",
					templ.EscapeString(d.Filename), d.Chunks, humanSize(d.Size),
					d.UploadedAt.Format("2006-01-02 15:04"), templ.EscapeString(d.ID))
			}
			b.WriteString("</tbody></table>")
		}

		_, err := io.WriteString(w, b.String())
		return err
	})
}

// Error renders an error message.
func Error(message string) templ.Component {
	return page("vecrag error", func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "<p class=\"error\">%s</p>", templ.EscapeString(message))
		return err
	})
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGT"[exp])
}
