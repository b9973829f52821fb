package routes

import (
	"html/template"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/lgulliver/masterbase/internal/provision"
	"github.com/rs/zerolog/log"
)

var provisionPage = template.Must(template.New("provision").Parse(`<!DOCTYPE html>
<html>
<head><title>masterbase</title></head>
<body>
{{- if .Failed}}
<h1>Could not log you in!</h1>
{{- else if .APIKey}}
<h1>You have successfully been authenticated!</h1>
<p>Your API key is <code>{{.APIKey}}</code>. Do not share it with anyone.</p>
{{- else}}
<h1>You already have an API key!</h1>
<p>Steam account {{.SteamID}} was provisioned before. Use the key you were given then.</p>
{{- end}}
</body>
</html>
`))

type provisionView struct {
	Failed  bool
	SteamID string
	APIKey  string
}

// ProvisionRoutes sets up the Steam sign in flow that mints API keys
func ProvisionRoutes(r gin.IRouter, svc ProvisionService, publicURL string) {
	r.GET("/provision", handleProvision(svc, publicURL))
	r.GET("/provision_handler", handleProvisionCallback(svc))
}

func handleProvision(svc ProvisionService, publicURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		baseURL := strings.TrimSuffix(publicURL, "/")
		if baseURL == "" {
			baseURL = requestBaseURL(c.Request)
		}

		c.Header("Content-Type", "application/x-www-form-urlencoded")
		c.Redirect(http.StatusSeeOther, svc.BeginSignIn(baseURL))
	}
}

func handleProvisionCallback(svc ProvisionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := svc.CompleteSignIn(c.Request.Context(), c.Request.URL.Query())
		if err != nil {
			log.Warn().Err(err).Msg("steam sign in failed")
			renderProvision(c, http.StatusOK, provisionView{Failed: true})
			return
		}

		view := provisionView{SteamID: result.SteamID}
		if result.Status == provision.StatusNew {
			view.APIKey = result.APIKey
		}
		renderProvision(c, http.StatusOK, view)
	}
}

func renderProvision(c *gin.Context, status int, view provisionView) {
	c.Render(status, render.HTML{Template: provisionPage, Name: "provision", Data: view})
}

func requestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}
