package notify

import (
	htmltemplate "html/template"
	texttemplate "text/template"
)

type templateData struct {
	RecipientName string
	SenderName    string
	PublicURL     string
	Collection    bool
}

var subjectTemplate = texttemplate.Must(texttemplate.New("subject").Parse(
	`{{if .Collection}}Your card collection for {{.RecipientName}} is ready{{else}}Your message for {{.RecipientName}} is ready{{end}}`))

var textTemplate = texttemplate.Must(texttemplate.New("text").Parse(`Hi{{if .SenderName}} {{.SenderName}}{{end}},

Your gift for {{.RecipientName}} is ready. Share this private link:

{{.PublicURL}}

The attached QR code opens the same link.
{{if .Collection}}Each of the 12 cards can be fully opened only once.{{else}}The message can be fully opened only once.{{end}}
`))

var htmlTemplate = htmltemplate.Must(htmltemplate.New("html").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; color: #222;">
<p>Hi{{if .SenderName}} {{.SenderName}}{{end}},</p>
<p>Your gift for <strong>{{.RecipientName}}</strong> is ready. Share this private link:</p>
<p><a href="{{.PublicURL}}">{{.PublicURL}}</a></p>
<p><img src="cid:qr-code" alt="QR code" width="256" height="256"></p>
<p>{{if .Collection}}Each of the 12 cards can be fully opened only once.{{else}}The message can be fully opened only once.{{end}}</p>
</body>
</html>
`))
