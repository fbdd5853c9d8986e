package variants

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/kubev2v/bot-runner/internal/bot"
	"github.com/kubev2v/bot-runner/internal/bot/portal"
	"github.com/kubev2v/bot-runner/internal/config"
	"github.com/kubev2v/bot-runner/internal/helper"
)

// Job parameters understood by the shipped variants.
const (
	ParamBaseURL      = "base_url"
	ParamPageSize     = "page_size"
	ParamProxyAddress = "proxy_address"
)

type Deps struct {
	Config   *config.Config
	Launcher *helper.Launcher
	// Client is used by the direct portal variant. Defaults to a client with
	// the configured request timeout.
	Client *http.Client
}

// Default returns the registry of the variants shipped with bot-runner.
func Default(deps Deps) *bot.Registry {
	if deps.Client == nil {
		deps.Client = &http.Client{Timeout: deps.Config.Portal.RequestTimeout}
	}
	if deps.Launcher == nil {
		deps.Launcher = helper.NewLauncher(deps.Config.Reaper.Marker)
	}

	return bot.NewRegistry(map[string]bot.Factory{
		portal.Name: func(job bot.Job) (bot.Bot, error) {
			return portal.New(portalOptions(deps, job))
		},
		portal.ProxyName: func(job bot.Job) (bot.Bot, error) {
			return portal.NewProxied(portal.ProxyOptions{
				Options:  portalOptions(deps, job),
				JobID:    job.ID,
				Launcher: deps.Launcher,
				Command:  strings.Fields(deps.Config.Reaper.ProxyCommand),
				Address:  job.Arguments.Params[ParamProxyAddress],
			})
		},
	})
}

func portalOptions(deps Deps, job bot.Job) portal.Options {
	opts := portal.Options{
		BaseURL:  deps.Config.Portal.BaseURL,
		Client:   deps.Client,
		PageSize: deps.Config.Portal.PageSize,
	}
	if v := job.Arguments.Params[ParamBaseURL]; v != "" {
		opts.BaseURL = v
	}
	if v, err := strconv.Atoi(job.Arguments.Params[ParamPageSize]); err == nil && v > 0 {
		opts.PageSize = v
	}
	return opts
}
