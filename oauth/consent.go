package oauth

import (
	"html/template"
	"io"
)

// consentTemplate renders the approval form. Every authorization parameter is
// round-tripped verbatim as a hidden field; html/template's contextual
// escaping keeps attacker-supplied values inert in the page.
var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Authorize Access</title>
<style>
body { font-family: system-ui, sans-serif; background: #f4f5f7; margin: 0; }
.card { max-width: 26rem; margin: 4rem auto; background: #fff; border-radius: 8px;
        box-shadow: 0 1px 4px rgba(0,0,0,.12); padding: 2rem; }
h1 { font-size: 1.25rem; margin-top: 0; }
.client { font-weight: 600; }
.scope { background: #eef1f5; border-radius: 4px; padding: .5rem .75rem;
         font-family: monospace; font-size: .9rem; word-break: break-all; }
.actions { display: flex; gap: .75rem; margin-top: 1.5rem; }
button { flex: 1; padding: .6rem; border-radius: 6px; border: 1px solid #ccc;
         font-size: 1rem; cursor: pointer; background: #fff; }
button.approve { background: #2563eb; border-color: #2563eb; color: #fff; }
</style>
</head>
<body>
<div class="card">
<h1>Authorize Access</h1>
<p><span class="client">{{if .ClientName}}{{.ClientName}}{{else}}An application{{end}}</span>
wants to access vehicle reports on your behalf.</p>
{{if .Scope}}<p>Requested scope:</p><p class="scope">{{.Scope}}</p>{{end}}
<form method="post" action="/oauth/approve">
<input type="hidden" name="csrf" value="{{.CsrfToken}}">
<input type="hidden" name="client_id" value="{{.ClientID}}">
<input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
<input type="hidden" name="scope" value="{{.Scope}}">
<input type="hidden" name="state" value="{{.State}}">
<input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
<input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
<div class="actions">
<button type="submit" name="decision" value="approve" class="approve">Approve</button>
</div>
</form>
</div>
</body>
</html>
`))

// renderConsentPage writes the consent form for the given authorization request
func renderConsentPage(w io.Writer, data *ConsentData) error {
	return consentTemplate.Execute(w, data)
}
