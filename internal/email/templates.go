package email

import (
	"bytes"
	"errors"
	htemplate "html/template"
	ttemplate "text/template"
)

var ErrTemplateRender = errors.New("email: template render failed")

// Templates por defecto. Minimalistas a propósito: quien quiera branding
// configura los suyos.
const (
	defaultVerifyHTML = `<p>Hola{{if .Name}} {{.Name}}{{end}},</p>
<p>Tu código de verificación es: <strong>{{.Code}}</strong></p>
<p>Expira en {{.ExpiresIn}}.</p>`
	defaultVerifyText = `Hola{{if .Name}} {{.Name}}{{end}},

Tu código de verificación es: {{.Code}}
Expira en {{.ExpiresIn}}.`

	defaultResetHTML = `<p>Hola{{if .Name}} {{.Name}}{{end}},</p>
<p>Tu código para restablecer la contraseña es: <strong>{{.Code}}</strong></p>
<p>Si no lo pediste, ignorá este mail. Expira en {{.ExpiresIn}}.</p>`
	defaultResetText = `Hola{{if .Name}} {{.Name}}{{end}},

Tu código para restablecer la contraseña es: {{.Code}}
Si no lo pediste, ignorá este mail. Expira en {{.ExpiresIn}}.`
)

// CodeVars son las variables de los templates de código.
type CodeVars struct {
	Name      string
	Code      string
	ExpiresIn string
}

// RenderVerify renderiza el template de verificación. html/text vacíos usan
// los defaults.
func RenderVerify(html, text string, vars CodeVars) (string, string, error) {
	if html == "" {
		html = defaultVerifyHTML
	}
	if text == "" {
		text = defaultVerifyText
	}
	return render(html, text, vars)
}

// RenderReset renderiza el template de reset de password.
func RenderReset(html, text string, vars CodeVars) (string, string, error) {
	if html == "" {
		html = defaultResetHTML
	}
	if text == "" {
		text = defaultResetText
	}
	return render(html, text, vars)
}

func render(html, text string, vars any) (string, string, error) {
	ht, err := htemplate.New("html").Parse(html)
	if err != nil {
		return "", "", errors.Join(ErrTemplateRender, err)
	}
	var hb bytes.Buffer
	if err := ht.Execute(&hb, vars); err != nil {
		return "", "", errors.Join(ErrTemplateRender, err)
	}

	tt, err := ttemplate.New("text").Parse(text)
	if err != nil {
		return "", "", errors.Join(ErrTemplateRender, err)
	}
	var tb bytes.Buffer
	if err := tt.Execute(&tb, vars); err != nil {
		return "", "", errors.Join(ErrTemplateRender, err)
	}
	return hb.String(), tb.String(), nil
}
