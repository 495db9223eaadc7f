package web

import (
	"errors"
	"html/template"
	"io"
	"time"
)

/* templates are divided into "drivers" and "helpers" as in examples at
 * https://golang.org/pkg/text/template/
 * this prevents conflicts with inheritance -- each page (driver) gets
 * its own clone of the shared helpers, so every driver can redefine
 * the layout blocks without clashing with the other pages.
 */
type appTemplates map[string]*template.Template

func (tmpl appTemplates) Exec(name string, w io.Writer, data interface{}) error {
	t, has := tmpl[name]
	if !has {
		return errors.New("can't find template '" + name + "'")
	}
	return t.Lookup("driver").Execute(w,
		struct {
			Data interface{}
		}{
			Data: data,
		})
}

const helperTmpl = `
{{define "layout"}}<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{block "title" .}}forgelet{{end}}</title></head>
<body>
<nav><a href="/">repositories</a></nav>
{{block "content" .}}{{end}}
</body>
</html>{{end}}
`

var driverTmpls = map[string]string{
	"home.html": `
{{define "title"}}repositories{{end}}
{{define "content"}}
<h1>Repositories</h1>
<ul class="repos">
{{range .Data.Repos}}<li><a href="/{{.}}">{{.}}</a></li>
{{else}}<li class="empty">no repositories yet</li>{{end}}
</ul>
{{end}}
{{template "layout" .}}`,

	"repo__refs.html": `
{{define "title"}}{{.Data.Repo}}{{end}}
{{define "content"}}
<h1>{{.Data.Repo}}</h1>
<table class="refs">
<tr><th>ref</th><th>commit</th></tr>
{{$repo := .Data.Repo}}
{{range .Data.Refs}}<tr>
<td><a href="/{{$repo}}/commits/{{.Name}}">{{.Name}}</a></td>
<td><a href="/{{$repo}}/tree/{{.Tree}}"><code>{{shortHash .Hash}}</code></a></td>
</tr>
{{else}}<tr><td colspan="2" class="empty">empty repository</td></tr>{{end}}
</table>
{{end}}
{{template "layout" .}}`,

	"repo__commits.html": `
{{define "title"}}{{.Data.Repo}} — {{.Data.Ref}}{{end}}
{{define "content"}}
<h1>{{.Data.Repo}} <small>{{.Data.Ref}}</small></h1>
<table class="commits">
<tr><th>commit</th><th>author</th><th>date</th><th>message</th></tr>
{{$repo := .Data.Repo}}
{{range .Data.Commits}}<tr>
<td><a href="/{{$repo}}/tree/{{.Tree}}"><code>{{shortHash .Hash}}</code></a></td>
<td>{{.Author}}</td>
<td>{{formatTimestamp .Time}}</td>
<td>{{.Message}}</td>
</tr>{{end}}
</table>
{{end}}
{{template "layout" .}}`,

	"repo__tree.html": `
{{define "title"}}{{.Data.Repo}} — tree{{end}}
{{define "content"}}
<h1>{{.Data.Repo}} <small><code>{{shortHash .Data.Hash}}</code></small></h1>
<table class="tree">
<tr><th>mode</th><th>name</th></tr>
{{$repo := .Data.Repo}}
{{range .Data.Entries}}<tr>
<td><code>{{.Mode}}</code></td>
<td><a href="/{{$repo}}/{{.Kind}}/{{.Hash}}">{{.Name}}</a></td>
</tr>
{{else}}<tr><td colspan="2" class="empty">empty tree</td></tr>{{end}}
</table>
{{end}}
{{template "layout" .}}`,
}

func loadTemplates() (appTemplates, error) {
	funcMap := template.FuncMap{
		"formatTimestamp": func(t time.Time) string {
			/* "Mon Jan _2 15:04:05 MST 2006" */
			return t.UTC().Format(time.UnixDate)
		},
		"shortHash": func(h string) string {
			if len(h) > 12 {
				return h[:12]
			}
			return h
		},
	}

	tmplH, err := template.New("helpers").Funcs(funcMap).Parse(helperTmpl)
	if err != nil {
		return nil, err
	}

	tmpl := make(appTemplates)
	for name, body := range driverTmpls {
		tmplHClone, err := tmplH.Clone()
		if err != nil {
			return tmpl, err
		}
		t, err := tmplHClone.New("driver").Parse(body)
		if err != nil {
			return tmpl, err
		}
		tmpl[name] = t
	}
	return tmpl, nil
}
