package notify

import (
	"bytes"
	"html/template"
)

const (
	VerificationSubject = "Verify your email address"
	ResetSubject        = "Reset your password"
)

var verificationTmpl = template.Must(template.New("verify").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="max-width: 520px; margin: 0 auto; padding: 16px;">
    <h2>Welcome, {{.Name}}</h2>
    <p>Confirm your email address by opening the link below:</p>
    <p><a href="{{.Link}}">{{.Link}}</a></p>
  </div>
</body>
</html>`))

var resetTmpl = template.Must(template.New("reset").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="max-width: 520px; margin: 0 auto; padding: 16px;">
    <h2>Password reset</h2>
    <p>Hi {{.Name}}, a password reset was requested for your account.</p>
    <p><a href="{{.Link}}">Choose a new password</a></p>
    <p>The link expires in 1 hour. Ignore this mail if you did not ask for it.</p>
  </div>
</body>
</html>`))

type linkData struct {
	Name string
	Link string
}

// VerificationBody renders the verification mail for name with link.
func VerificationBody(name, link string) (string, error) {
	return render(verificationTmpl, linkData{Name: name, Link: link})
}

// ResetBody renders the password reset mail for name with link.
func ResetBody(name, link string) (string, error) {
	return render(resetTmpl, linkData{Name: name, Link: link})
}

func render(t *template.Template, data linkData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
