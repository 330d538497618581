package endpoint

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	idp "github.com/chimerakang/idp-go"
	"github.com/chimerakang/idp-go/audit"
	"github.com/chimerakang/idp-go/credential"
)

// loginSession is the signed and encrypted content of the session cookie.
type loginSession struct {
	Subject  string
	AuthTime int64
}

func (h *Handler) readSession(c *gin.Context) (*loginSession, error) {
	raw, err := c.Cookie(h.cookieName)
	if err != nil {
		return nil, errNoSession
	}
	var s loginSession
	if err := h.cookies.Decode(h.cookieName, raw, &s); err != nil {
		h.logger.DebugContext(c.Request.Context(), "discarding login session cookie", "error", err)
		return nil, errNoSession
	}
	if s.Subject == "" {
		return nil, errNoSession
	}
	return &s, nil
}

func (h *Handler) writeSession(c *gin.Context, s loginSession) error {
	encoded, err := h.cookies.Encode(h.cookieName, s)
	if err != nil {
		return err
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookieName, encoded, int(h.sessionTTL.Seconds()), "/", "", h.cookieSecure, true)
	return nil
}

func (h *Handler) clearSession(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookieName, "", -1, "/", "", h.cookieSecure, true)
}

// safeReturnURL accepts only local paths so the login page cannot be used as
// an open redirector.
func safeReturnURL(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return "/"
	}
	return raw
}

func (h *Handler) loginPage(c *gin.Context) {
	c.HTML(http.StatusOK, "login", gin.H{
		"ReturnURL": safeReturnURL(c.Query("returnUrl")),
		"Username":  "",
		"Error":     "",
	})
}

// login verifies the resource owner's credentials against the user store and
// starts a login session.
func (h *Handler) login(c *gin.Context) {
	if err := parseForm(c); err != nil {
		h.writeError(c, err)
		return
	}
	ctx := c.Request.Context()
	form := c.Request.PostForm
	returnURL := safeReturnURL(form.Get("returnUrl"))
	username := form.Get("username")

	ev := audit.Event{
		Action:    audit.ActionLogin,
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}

	users := h.srv.Users()
	if users == nil {
		h.writeError(c, idp.ServerError(errors.New("idp/endpoint: no user store configured")))
		return
	}
	sub, err := credential.ValidateResourceOwnerCredentials(ctx, users, username, form.Get("password"))
	if err != nil {
		e := idp.AsError(err)
		ev.Result = audit.ResultFailure
		ev.Error = e.Code
		h.audit.LogContext(ctx, ev)
		if e.Kind == idp.KindUpstream {
			h.metrics.RecordAuthFailure("login", "unavailable")
			h.writeError(c, err)
			return
		}
		h.metrics.RecordAuthFailure("login", "invalid_credentials")
		h.logger.InfoContext(ctx, "login failed")
		c.HTML(http.StatusUnauthorized, "login", gin.H{
			"ReturnURL": returnURL,
			"Username":  username,
			"Error":     "Invalid username or password.",
		})
		return
	}

	if err := h.writeSession(c, loginSession{Subject: sub, AuthTime: h.now().Unix()}); err != nil {
		h.writeError(c, idp.ServerError(err))
		return
	}
	h.metrics.RecordAuthSuccess("login")
	ev.Subject = sub
	ev.Result = audit.ResultSuccess
	h.audit.LogContext(ctx, ev)
	h.logger.InfoContext(ctx, "user signed in", "subject", sub)
	c.Redirect(http.StatusFound, returnURL)
}

const loginTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="post" action="/account/login">
<input type="hidden" name="returnUrl" value="{{.ReturnURL}}">
<label>Username <input name="username" value="{{.Username}}" autofocus></label>
<label>Password <input name="password" type="password"></label>
<button type="submit">Sign in</button>
</form>
</body>
</html>`

const signedOutTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Signed out</title></head>
<body>
<h1>You are now signed out</h1>
{{if .FrontChannelLogoutURI}}<iframe src="{{.FrontChannelLogoutURI}}" style="display:none"></iframe>{{end}}
</body>
</html>`
