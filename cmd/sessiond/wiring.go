// Copyright 2024-2026 Aiku AI

package main

import (
	"github.com/rs/zerolog"

	"github.com/aiku/sessiond/pkg/command"
	"github.com/aiku/sessiond/pkg/config"
	"github.com/aiku/sessiond/pkg/responder"
	"github.com/aiku/sessiond/pkg/router"
	"github.com/aiku/sessiond/pkg/supervisor"
)

// newSinkFactory builds the per-session event router from the config.
func newSinkFactory(cfg *config.Config, log zerolog.Logger) supervisor.SinkFactory {
	return func(name, credentialDir string) supervisor.EventSink {
		return buildRouter(cfg, name, credentialDir, log)
	}
}

func buildRouter(cfg *config.Config, name, credentialDir string, log zerolog.Logger) *router.Router {
	registry := command.NewRegistry(name, command.Options{
		Prefix: cfg.Bot.Prefix,
		Mode:   cfg.Bot.Mode,
		Owners: cfg.Bot.OwnerNumbers,
	}, log)
	if err := registry.Register(command.Builtins()...); err != nil {
		log.Err(err).Str("session", name).Msg("Failed to register built-in commands")
	}

	deps := router.Deps{Messages: registry}
	if cfg.RejectCalls {
		deps.Calls = &responder.CallRejecter{Notice: cfg.CallRejectMessage}
	}
	if cfg.WelcomeGroups {
		deps.Groups = &responder.GroupGreeter{
			Welcome: func(group, user string) string {
				return cfg.FormatGroupWelcome(config.GroupParams{Group: group, User: user})
			},
			Goodbye: func(group, user string) string {
				return cfg.FormatGroupGoodbye(config.GroupParams{Group: group, User: user})
			},
		}
	}
	return router.Build(name, credentialDir, router.Options{
		Credentials:     cfg.Handlers.Credentials,
		Messages:        cfg.Handlers.Messages,
		AutoReact:       cfg.Handlers.AutoReact && cfg.AutoReact,
		StatusView:      cfg.Handlers.StatusView && cfg.AutoStatusSeen,
		Calls:           cfg.Handlers.Calls,
		Groups:          cfg.Handlers.Groups,
		ReactEmojis:     cfg.ReactEmojis,
		StatusReply:     cfg.AutoStatusReply,
		StatusReplyText: cfg.StatusReadMessage,
	}, deps, log)
}
