// Package templates holds the server-rendered HTML views.
package templates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/a-h/templ"

	"omniconvert/internal/models"
)

// IndexView is the data behind the landing page.
type IndexView struct {
	Version         string
	Tools           map[string]string
	Jobs            []models.JobRecord
	DriveConfigured bool
}

// IndexPage renders tool status and the most recent jobs.
func IndexPage(v IndexView) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if err := layoutStart(w, "OmniConvert"); err != nil {
			return err
		}

		p := &printer{w: w}
		p.printf(`<header><h1>OmniConvert</h1><span class="version">%s</span></header>`, templ.EscapeString(v.Version))

		p.print(`<section id="tools"><h2>Tools</h2><ul>`)
		names := make([]string, 0, len(v.Tools))
		for name := range v.Tools {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			status := v.Tools[name]
			class := "ok"
			if status != "OK" {
				class = "missing"
			}
			p.printf(`<li class="%s"><span>%s</span><b>%s</b></li>`, class, templ.EscapeString(name), templ.EscapeString(status))
		}
		if len(names) == 0 {
			p.print(`<li class="pending">Self test has not run yet.</li>`)
		}
		p.print(`</ul></section>`)

		if v.DriveConfigured {
			p.print(`<section id="drive"><a class="button" href="/auth/google" target="_blank">Connect Google Drive</a></section>`)
		}

		p.print(`<section id="jobs"><h2>Recent jobs</h2>`)
		if len(v.Jobs) == 0 {
			p.print(`<p class="empty">No jobs yet.</p>`)
		} else {
			p.print(`<table><thead><tr><th>Job</th><th>Files</th><th>Format</th><th>State</th><th>Progress</th><th>Updated</th></tr></thead><tbody>`)
			for _, j := range v.Jobs {
				p.printf(`<tr><td><code>%s</code></td><td>%d</td><td>%s</td><td class="state %s">%s</td><td>%d%%</td><td>%s</td></tr>`,
					templ.EscapeString(j.ID),
					len(j.FileNames),
					templ.EscapeString(j.OutputFormat),
					templ.EscapeString(string(j.State)),
					templ.EscapeString(string(j.State)),
					j.Progress,
					j.UpdatedAt.Format(time.DateTime),
				)
			}
			p.print(`</tbody></table>`)
		}
		p.print(`</section>`)
		if p.err != nil {
			return p.err
		}
		return layoutEnd(w)
	})
}

// AuthResultPage notifies the opener window of the OAuth outcome and
// closes the popup.
func AuthResultPage(success bool, state string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		msg := map[string]string{"type": "google_auth_error"}
		if success {
			msg = map[string]string{"type": "google_auth_success", "tokenId": state}
		}
		// json.Marshal escapes <, > and & so the payload cannot close the tag.
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := layoutStart(w, "Google Drive"); err != nil {
			return err
		}
		p := &printer{w: w}
		if success {
			p.print(`<p>Google Drive connected. You can close this window.</p>`)
		} else {
			p.print(`<p>Google sign-in failed. Close this window and try again.</p>`)
		}
		p.printf(`<script>if (window.opener) { window.opener.postMessage(%s, "*"); } window.close();</script>`, payload)
		if p.err != nil {
			return p.err
		}
		return layoutEnd(w)
	})
}

func layoutStart(w io.Writer, title string) error {
	_, err := fmt.Fprintf(w, `<!doctype html><html lang="en"><head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"><title>%s</title><link rel="stylesheet" href="/static/app.css"></head><body>`, templ.EscapeString(title))
	return err
}

func layoutEnd(w io.Writer) error {
	_, err := io.WriteString(w, `</body></html>`)
	return err
}

type printer struct {
	w   io.Writer
	err error
}

func (p *printer) print(s string) {
	if p.err == nil {
		_, p.err = io.WriteString(p.w, s)
	}
}

func (p *printer) printf(format string, args ...any) {
	if p.err == nil {
		_, p.err = fmt.Fprintf(p.w, format, args...)
	}
}
